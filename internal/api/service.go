// Package api provides the HTTP handlers for running backtests and for
// reading and extending the market-data feed they replay.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/interpreter"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/symbol"
)

// runFailedMessage is the only detail clients get for a run that started but
// could not finish.
const runFailedMessage = "could not complete backtest"

// Options configures a Service.
type Options struct {
	Interpreter     interpreter.Interpreter
	InterpreterName string

	// Engine is the template for every run; Asset is replaced per request.
	Engine engine.Config

	// DefaultAsset is used when a request names none.
	DefaultAsset string

	// RunTimeout bounds one backtest. Zero means only the request context applies.
	RunTimeout time.Duration

	// Hub is optional; when set, completed runs and appended prices are broadcast.
	Hub *WSHub
}

// Service handles backtest and price-feed requests. Each run gets its own
// engine, so concurrent requests share nothing but the feed and interpreter.
type Service struct {
	feed store.PriceFeed
	opts Options
}

// NewService creates a new API service.
func NewService(feed store.PriceFeed, opts Options) *Service {
	if opts.DefaultAsset == "" {
		opts.DefaultAsset = "BTC"
	}
	if opts.InterpreterName != "" {
		opts.Engine.InterpreterName = opts.InterpreterName
	}
	return &Service{feed: feed, opts: opts}
}

// --- Request/Response types ---

// BacktestRequest is the JSON body for POST /backtests.
// When History is omitted the series is read from the feed for Asset,
// optionally bounded by From and To.
type BacktestRequest struct {
	Strategy string             `json:"strategy"`
	Asset    string             `json:"asset,omitempty"`
	History  []model.PricePoint `json:"history,omitempty"`
	From     *time.Time         `json:"from,omitempty"`
	To       *time.Time         `json:"to,omitempty"`
}

// BacktestResponse is the JSON body returned from POST /backtests.
type BacktestResponse struct {
	RunID  string                `json:"runId,omitempty"`
	Asset  string                `json:"asset,omitempty"`
	Error  string                `json:"error,omitempty"`
	Result *model.BacktestResult `json:"result"`
}

// PricesResponse is the JSON body returned from GET /prices/{asset}.
type PricesResponse struct {
	Asset  string             `json:"asset"`
	Points []model.PricePoint `json:"points"`
}

// --- HTTP Handlers ---

// RunBacktest handles POST /api/v1/backtests
func (s *Service) RunBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	asset := req.Asset
	if asset == "" {
		asset = s.opts.DefaultAsset
	}
	asset, err := symbol.Normalize(asset)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	history := req.History
	if history == nil {
		var from, to time.Time
		if req.From != nil {
			from = *req.From
		}
		if req.To != nil {
			to = *req.To
		}
		history, err = s.feed.History(ctx, asset, from, to)
		if errors.Is(err, store.ErrUnknownAsset) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("load price history failed", "asset", asset, "err", err)
			writeError(w, "failed to load price history", http.StatusInternalServerError)
			return
		}
	}

	if err := engine.Validate(req.Strategy, history); err != nil {
		metrics.RunsTotal.WithLabelValues("invalid").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	cfg := s.opts.Engine
	cfg.Asset = asset
	runID := uuid.New().String()

	result, err := engine.New(s.opts.Interpreter, cfg).Run(ctx, req.Strategy, history)
	switch {
	case err == nil:
	case errors.Is(err, interpreter.ErrUnparseableStrategy), errors.Is(err, interpreter.ErrBackendNotConfigured):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrRunAborted):
		slog.Warn("backtest aborted", "run_id", runID, "err", err)
		writeJSON(w, http.StatusUnprocessableEntity, BacktestResponse{RunID: runID, Error: runFailedMessage, Result: model.EmptyResult()})
		return
	case errors.Is(err, engine.ErrRunCancelled):
		slog.Warn("backtest cancelled", "run_id", runID, "err", err)
		writeJSON(w, http.StatusGatewayTimeout, BacktestResponse{RunID: runID, Error: runFailedMessage, Result: model.EmptyResult()})
		return
	default:
		slog.Error("backtest failed", "run_id", runID, "err", err)
		writeJSON(w, http.StatusInternalServerError, BacktestResponse{RunID: runID, Error: runFailedMessage, Result: model.EmptyResult()})
		return
	}

	slog.Info("backtest run",
		"run_id", runID,
		"asset", asset,
		"steps", len(history),
		"trades", result.TotalTrades,
		"net_pnl", result.NetPnL.String(),
	)

	if s.opts.Hub != nil {
		s.opts.Hub.Broadcast(WSMessage{
			Type:        EventBacktestCompleted,
			RunID:       runID,
			Asset:       asset,
			NetPnL:      result.NetPnL.String(),
			TotalTrades: result.TotalTrades,
		})
	}

	writeJSON(w, http.StatusOK, BacktestResponse{RunID: runID, Asset: asset, Result: result})
}

// GetPrices handles GET /api/v1/prices/{asset}?from=&to=
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	asset, err := symbol.Normalize(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	points, err := s.feed.History(r.Context(), asset, from, to)
	if errors.Is(err, store.ErrUnknownAsset) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("load prices failed", "asset", asset, "err", err)
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, PricesResponse{Asset: asset, Points: points})
}

// AppendPrices handles POST /api/v1/prices/{asset}
func (s *Service) AppendPrices(w http.ResponseWriter, r *http.Request) {
	asset, err := symbol.Normalize(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var points []model.PricePoint
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for i := range points {
		points[i].Time = points[i].Time.UTC()
	}

	if err := s.feed.Append(r.Context(), asset, points); err != nil {
		if errors.Is(err, store.ErrInvalidPoints) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("append prices failed", "asset", asset, "err", err)
		writeError(w, "failed to append prices", http.StatusInternalServerError)
		return
	}

	last := points[len(points)-1]
	slog.Info("prices appended", "asset", asset, "count", len(points), "last", last.Time)

	if s.opts.Hub != nil {
		s.opts.Hub.Broadcast(WSMessage{
			Type:   EventPricesAppended,
			Asset:  asset,
			Points: len(points),
			Price:  last.Value.String(),
		})
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"asset":    asset,
		"appended": len(points),
		"last":     last,
	})
}

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.feed.Assets(r.Context())
	if err != nil {
		slog.Error("list assets failed", "err", err)
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"assets": assets})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("invalid " + name + ": want RFC3339 or YYYY-MM-DD")
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
