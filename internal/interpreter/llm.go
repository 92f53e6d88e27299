package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrBackendNotConfigured is returned when the language-model interpreter has
// no endpoint to call.
var ErrBackendNotConfigured = errors.New("interpreter: language model endpoint not configured")

const systemPrompt = `You interpret a trading strategy for one day of a backtest.
You see the strategy, the price history up to and including today, and the current portfolio.
Decide today's action for the asset. Respond with a single JSON object and nothing else:
{"action": "BUY" | "SELL" | "HOLD", "quantity": <units, number>, "reason": <short string>}
Quantity is in units of the asset and must be positive for BUY and SELL.`

// LLMConfig configures the language-model interpreter.
type LLMConfig struct {
	Endpoint    string        // OpenAI-compatible chat completions URL
	APIKey      string        // sent as a bearer token when set
	Model       string        // model name passed through to the backend
	Window      int           // most recent points included in the prompt; 0 → 60
	MaxAttempts int           // transport attempts per step; 0 → 3
	BaseDelay   time.Duration // first backoff delay; 0 → 200ms
}

// LLM asks a language-model backend for each step's decision.
// Its answers are not deterministic across runs.
type LLM struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLM creates a language-model interpreter. Pass nil for client to use
// http.DefaultClient; per-step deadlines come from the request context.
func NewLLM(cfg LLMConfig, client *http.Client) *LLM {
	if cfg.Window <= 0 {
		cfg.Window = 60
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &LLM{cfg: cfg, client: client}
}

// Prepare rejects runs when no backend is configured.
func (l *LLM) Prepare(strategy string) error {
	if l.cfg.Endpoint == "" {
		return ErrBackendNotConfigured
	}
	return nil
}

// --- Wire types (OpenAI-compatible chat completions) ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type decision struct {
	Action   string          `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

// Decide sends the visible window and portfolio to the backend.
func (l *LLM) Decide(ctx context.Context, req Request) (model.TradeIntent, error) {
	if l.cfg.Endpoint == "" {
		return model.TradeIntent{}, ErrBackendNotConfigured
	}
	if len(req.History) == 0 {
		return model.TradeIntent{}, fmt.Errorf("interpreter: step %d has no price history", req.Step)
	}

	body, err := json.Marshal(chatRequest{
		Model: l.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: l.prompt(req)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return model.TradeIntent{}, err
	}

	var content string
	err = retry(ctx, l.cfg.MaxAttempts, l.cfg.BaseDelay, func() error {
		c, err := l.post(ctx, body)
		if err != nil {
			return err
		}
		content = c
		return nil
	})
	if err != nil {
		return model.TradeIntent{}, err
	}

	return parseDecision(content)
}

func (l *LLM) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if l.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("interpreter: backend call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("interpreter: read backend response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("interpreter: backend status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", permanent(fmt.Errorf("interpreter: backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil || len(cr.Choices) == 0 {
		return "", permanent(fmt.Errorf("%w: no choices", ErrMalformedResponse))
	}
	return cr.Choices[0].Message.Content, nil
}

func (l *LLM) prompt(req Request) string {
	window := req.History
	if len(window) > l.cfg.Window {
		window = window[len(window)-l.cfg.Window:]
	}
	pos := req.Portfolio.Positions[req.Asset]

	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s\n", req.Strategy)
	fmt.Fprintf(&b, "Asset: %s\n", req.Asset)
	fmt.Fprintf(&b, "Day: %d\n", req.Step)
	fmt.Fprintf(&b, "Cash: %s\n", req.Portfolio.Cash)
	fmt.Fprintf(&b, "Holding: %s (average cost %s)\n", pos.Quantity, pos.AverageCost)
	b.WriteString("Prices, oldest first (last line is today):\n")
	for _, p := range window {
		fmt.Fprintf(&b, "%s %s\n", p.Time.UTC().Format(time.RFC3339), p.Value)
	}
	return b.String()
}

// parseDecision decodes the model's JSON answer. Markdown code fences are tolerated.
func parseDecision(content string) (model.TradeIntent, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var dec decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &dec); err != nil {
		return model.TradeIntent{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	action := model.Action(strings.ToUpper(strings.TrimSpace(dec.Action)))
	switch action {
	case model.ActionHold:
		return model.Hold(dec.Reason), nil
	case model.ActionBuy, model.ActionSell:
		if !dec.Quantity.IsPositive() {
			return model.TradeIntent{}, fmt.Errorf("%w: %s quantity %s", ErrMalformedResponse, action, dec.Quantity)
		}
		return model.TradeIntent{Action: action, Quantity: dec.Quantity, Reason: dec.Reason}, nil
	}
	return model.TradeIntent{}, fmt.Errorf("%w: unknown action %q", ErrMalformedResponse, dec.Action)
}
