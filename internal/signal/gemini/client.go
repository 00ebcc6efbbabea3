// Package gemini asks a hosted Gemini model for a trading verdict on
// one symbol and parses the JSON reply into a signal. Model output is
// untrusted: anything that does not parse cleanly is discarded as a
// validation failure, never patched up.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/indicators"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/safety"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client calls the generateContent endpoint of the configured model.
type Client struct {
	cfg     config.AIConfig
	baseURL string
	http    *http.Client
	log     *logger.Logger
	guard   *safety.Guard
}

// New builds a Gemini client. The request timeout comes from the AI
// configuration.
func New(cfg config.AIConfig, log *logger.Logger, guards *safety.Manager) *Client {
	return &Client{
		cfg:     cfg,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		log:     log.Component("gemini"),
		guard:   guards.Guard("gemini"),
	}
}

func (c *Client) Name() string { return "gemini" }

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

// generateResponse is the subset of the reply the client reads.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// decision mirrors the JSON schema the prompt demands from the model.
type decision struct {
	Decision            string  `json:"decision"`
	Confidence          float64 `json:"confidence"`
	EntryPrice          float64 `json:"entry_price"`
	StopLoss            float64 `json:"stop_loss"`
	TakeProfit1         float64 `json:"take_profit_1"`
	TakeProfit2         float64 `json:"take_profit_2"`
	TakeProfit3         float64 `json:"take_profit_3"`
	PositionSizePercent float64 `json:"position_size_percent"`
	Reasoning           string  `json:"reasoning"`
	TimeHorizon         string  `json:"time_horizon"`
}

// Analyze builds the analysis prompt from the snapshot, queries the
// model and maps the reply to a signal. A HOLD verdict comes back as a
// NONE-direction signal with no error.
func (c *Client) Analyze(ctx context.Context, snapshot types.MarketSnapshot) (types.Signal, error) {
	prompt := buildPrompt(snapshot)

	reqBody, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: c.cfg.Temperature},
	})
	if err != nil {
		return types.Signal{}, boterrors.WrapError(err, boterrors.ErrorCategoryValidation, "gemini", "marshal_request")
	}

	var reply generateResponse
	err = c.guard.Do(ctx, "generate_content", func() error {
		return c.post(ctx, reqBody, &reply)
	})
	if err != nil {
		return types.Signal{}, err
	}

	text := replyText(reply)
	if text == "" {
		return types.Signal{}, boterrors.NewValidationError("gemini", "parse", "empty model reply")
	}

	var d decision
	if err := json.Unmarshal([]byte(stripFences(text)), &d); err != nil {
		c.log.Warning("Unparseable model reply for %s: %s", snapshot.Symbol, truncate(text, 200))
		return types.Signal{}, boterrors.NewValidationError("gemini", "parse",
			fmt.Sprintf("model reply is not valid JSON: %v", err))
	}

	return c.toSignal(snapshot.Symbol, d)
}

// toSignal maps a parsed decision onto the engine's signal type.
func (c *Client) toSignal(symbol string, d decision) (types.Signal, error) {
	sig := types.Signal{
		Symbol:               symbol,
		Confidence:           int(d.Confidence),
		Entry:                d.EntryPrice,
		StopLoss:             d.StopLoss,
		TakeProfit1:          d.TakeProfit1,
		TakeProfit2:          d.TakeProfit2,
		TakeProfit3:          d.TakeProfit3,
		SuggestedSizePercent: d.PositionSizePercent,
		TimeHorizon:          d.TimeHorizon,
		Reasoning:            d.Reasoning,
		IssuedAt:             time.Now(),
	}

	switch strings.ToUpper(strings.TrimSpace(d.Decision)) {
	case "BUY":
		sig.Direction = types.DirectionLong
	case "SELL":
		sig.Direction = types.DirectionShort
	case "HOLD", "":
		sig.Direction = types.DirectionNone
	default:
		return types.Signal{}, boterrors.NewValidationError("gemini", "parse",
			fmt.Sprintf("unknown decision %q", d.Decision))
	}
	return sig, nil
}

func (c *Client) post(ctx context.Context, body []byte, out *generateResponse) error {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.cfg.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return boterrors.WrapError(err, boterrors.ErrorCategoryConnectivity, "gemini", "generate_content")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return boterrors.WrapError(err, boterrors.ErrorCategoryConnectivity, "gemini", "generate_content")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return boterrors.WrapError(err, boterrors.ErrorCategoryConnectivity, "gemini", "generate_content")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return boterrors.NewCredentialsError("gemini", "generate_content",
			fmt.Sprintf("model API rejected credentials: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return boterrors.NewBotError(boterrors.ErrorCategoryRateLimit, "gemini", "generate_content",
			"model API rate limit exceeded")
	case resp.StatusCode >= 500:
		return boterrors.NewConnectivityError("gemini", "generate_content",
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	case resp.StatusCode != http.StatusOK:
		return boterrors.NewValidationError("gemini", "generate_content",
			fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return boterrors.NewConnectivityError("gemini", "generate_content",
			fmt.Errorf("malformed response: %w", err))
	}
	if out.Error != nil {
		return boterrors.NewValidationError("gemini", "generate_content",
			fmt.Sprintf("model API error %d (%s): %s", out.Error.Code, out.Error.Status, out.Error.Message))
	}
	return nil
}

// replyText concatenates the text parts of the first candidate.
func replyText(r generateResponse) string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence, preferring a
// ```json fence when both appear.
func stripFences(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

// buildPrompt renders the analysis prompt from the market snapshot.
// Indicators that need more history than the snapshot carries are
// omitted rather than faked.
func buildPrompt(snap types.MarketSnapshot) string {
	closes := indicators.Closes(snap.Candles)

	var b strings.Builder
	fmt.Fprintf(&b, "You are an elite trader with 20+ years of experience analyzing %s for a disciplined intraday system.\n\n", snap.Symbol)

	fmt.Fprintf(&b, "MARKET DATA:\n")
	fmt.Fprintf(&b, "- Bid/Ask: %.5f / %.5f (spread %.1f points)\n",
		snap.Quote.Bid, snap.Quote.Ask, snap.Quote.SpreadPoints(snap.Spec.Point))
	fmt.Fprintf(&b, "- Change 1h/4h/24h: %+.2f%% / %+.2f%% / %+.2f%%\n",
		indicators.PercentChange(closes, 1),
		indicators.PercentChange(closes, 4),
		indicators.PercentChange(closes, 24))

	if ema12, err := indicators.EMA(closes, 12); err == nil {
		if ema26, err := indicators.EMA(closes, 26); err == nil {
			fmt.Fprintf(&b, "- EMA12 vs EMA26: %.5f vs %.5f (%s)\n", ema12, ema26, trendLabel(ema12, ema26))
		}
	}
	if rsi, err := indicators.RSI(closes, 14); err == nil {
		fmt.Fprintf(&b, "- RSI(14): %.1f\n", rsi)
	}
	if atr, err := indicators.ATR(snap.Candles, 14); err == nil {
		fmt.Fprintf(&b, "- ATR(14): %.5f\n", atr)
	}
	if len(snap.Candles) > 0 {
		fmt.Fprintf(&b, "- Support/Resistance (20 bars): %.5f / %.5f\n",
			indicators.LowestLow(snap.Candles, 20), indicators.HighestHigh(snap.Candles, 20))
		fmt.Fprintf(&b, "- Session high/low (24 bars): %.5f / %.5f\n",
			indicators.HighestHigh(snap.Candles, 24), indicators.LowestLow(snap.Candles, 24))
	}

	b.WriteString(`
TRADING RULES:
1. Only take setups where trend, momentum and key levels agree.
2. Place the stop loss behind structure or 1.5x ATR, never wider than needed.
3. Take profits ladder at 1:1, 1:2 and 1:3 reward-to-risk.
4. Answer HOLD unless confluence reaches 60%+.

Provide your decision as JSON only:
{
    "decision": "BUY/SELL/HOLD",
    "confidence": 0-100,
    "entry_price": exact_price,
    "stop_loss": based_on_structure_or_atr,
    "take_profit_1": price_at_1_to_1,
    "take_profit_2": price_at_1_to_2,
    "take_profit_3": price_at_1_to_3,
    "position_size_percent": 0.5-2,
    "reasoning": "short confluence summary",
    "time_horizon": "SHORT/MEDIUM/LONG"
}
`)
	return b.String()
}

func trendLabel(fast, slow float64) string {
	switch {
	case fast > slow:
		return "BULLISH"
	case fast < slow:
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
