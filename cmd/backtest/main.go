package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/interpreter"
	"github.com/atmx/backtest-engine/internal/logging"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/symbol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}

	strategy := flag.String("strategy", "", "natural-language strategy text")
	csvPath := flag.String("csv", "", "price series as time,value rows (use - for stdin)")
	asset := flag.String("asset", cfg.DefaultAsset, "asset symbol")
	cash := flag.String("cash", cfg.InitialCash.String(), "initial cash")
	periods := flag.Int("periods-per-year", cfg.PeriodsPerYear, "annualize the Sharpe ratio (0 leaves it per period)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: backtest -strategy <text> -csv <file> [options]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *strategy == "" || *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Logs go to stderr so stdout carries only the result.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	sym, err := symbol.Normalize(*asset)
	if err != nil {
		fail(err)
	}
	initialCash, err := decimal.NewFromString(*cash)
	if err != nil || !initialCash.IsPositive() {
		fail(fmt.Errorf("invalid -cash %q", *cash))
	}

	history, err := readHistory(*csvPath)
	if err != nil {
		fail(err)
	}

	var interp interpreter.Interpreter = interpreter.NewRules()
	if cfg.Interpreter == config.InterpreterLLM {
		interp = interpreter.NewLLM(interpreter.LLMConfig{
			Endpoint: cfg.LLM.Endpoint,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.Model,
			Window:   cfg.LLM.Window,
		}, &http.Client{Timeout: cfg.InterpreterTimeout})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	eng := engine.New(interp, engine.Config{
		Asset:                  sym,
		InitialCash:            initialCash,
		InterpreterTimeout:     cfg.InterpreterTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxTotalFailures:       cfg.MaxTotalFailures,
		PeriodsPerYear:         *periods,
		InterpreterName:        cfg.Interpreter,
	})

	logger.Debug("backtest starting", "asset", sym, "points", len(history))
	result, err := eng.Run(ctx, *strategy, history)
	if err != nil {
		fail(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fail(err)
	}
}

func readHistory(path string) ([]model.PricePoint, error) {
	if path == "-" {
		return store.ReadCSV(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.ReadCSV(f)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
	os.Exit(1)
}
