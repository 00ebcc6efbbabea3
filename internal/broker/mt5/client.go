// Package mt5 talks to a MetaTrader 5 terminal through its REST bridge
// gateway. Market data prefers the websocket tick stream and falls back
// to REST while the stream is cold; all order flow goes over REST with
// the trade retcodes mapped onto the shared error taxonomy.
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/safety"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// quoteFreshFor is how long a streamed tick serves Quote calls before
// the client falls back to REST.
const quoteFreshFor = 15 * time.Second

// Client is the MT5 gateway adapter.
type Client struct {
	cfg    config.MT5Config
	http   *http.Client
	log    *logger.Logger
	guard  *safety.Guard
	stream *tickStream

	mu    sync.RWMutex
	specs map[string]types.SymbolSpec
}

// New builds the adapter. Connect must be called before use.
func New(cfg config.MT5Config, log *logger.Logger, guards *safety.Manager) *Client {
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   log.Component("mt5"),
		guard: guards.Guard("mt5-rest"),
		specs: make(map[string]types.SymbolSpec),
	}
	if cfg.StreamURL != "" {
		c.stream = newTickStream(cfg.StreamURL, cfg.GatewayToken, c.log)
	}
	return c
}

func (c *Client) Name() string { return "mt5" }

// Connect verifies the gateway is reachable and starts the tick stream.
func (c *Client) Connect(ctx context.Context) error {
	var health struct {
		Connected bool   `json:"connected"`
		Account   int64  `json:"account"`
		Server    string `json:"server"`
	}
	if err := c.get(ctx, "/api/health", &health); err != nil {
		return err
	}
	if !health.Connected {
		return boterrors.NewConnectivityError("mt5", "connect",
			fmt.Errorf("gateway is up but terminal is not connected"))
	}
	c.log.Info("connected to MT5 gateway, account %d on %s", health.Account, health.Server)

	if c.stream != nil {
		c.stream.start()
	}
	return nil
}

// Disconnect stops the tick stream. REST needs no teardown.
func (c *Client) Disconnect() error {
	if c.stream != nil {
		c.stream.stop()
	}
	return nil
}

// Quote serves the freshest price available: the streamed tick when it
// is recent enough, REST otherwise.
func (c *Client) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	if c.stream != nil {
		c.stream.ensureSubscribed(symbol)
		if q, ok := c.stream.quote(symbol, quoteFreshFor); ok {
			return q, nil
		}
	}

	var dto struct {
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Time int64   `json:"time_msc"`
	}
	if err := c.get(ctx, "/api/quotes/"+symbol, &dto); err != nil {
		return types.Quote{}, err
	}
	return types.Quote{
		Symbol: symbol,
		Bid:    dto.Bid,
		Ask:    dto.Ask,
		Time:   time.UnixMilli(dto.Time),
	}, nil
}

// Candles fetches recent bars for a symbol and timeframe (M5, H1, ...).
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	var dto []struct {
		Time   int64   `json:"time"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"tick_volume"`
	}
	path := fmt.Sprintf("/api/candles/%s?timeframe=%s&limit=%d", symbol, timeframe, limit)
	if err := c.get(ctx, path, &dto); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(dto))
	for _, bar := range dto {
		candles = append(candles, types.Candle{
			Timestamp: time.Unix(bar.Time, 0),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}
	return candles, nil
}

// SymbolSpec returns the broker's contract terms for a symbol, cached
// after the first fetch.
func (c *Client) SymbolSpec(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	c.mu.RLock()
	spec, ok := c.specs[symbol]
	c.mu.RUnlock()
	if ok {
		return spec, nil
	}

	var dto struct {
		Digits       int     `json:"digits"`
		Point        float64 `json:"point"`
		VolumeMin    float64 `json:"volume_min"`
		VolumeMax    float64 `json:"volume_max"`
		VolumeStep   float64 `json:"volume_step"`
		ContractSize float64 `json:"trade_contract_size"`
		TickValue    float64 `json:"trade_tick_value"`
		StopsLevel   float64 `json:"trade_stops_level"`
	}
	if err := c.get(ctx, "/api/symbols/"+symbol, &dto); err != nil {
		return types.SymbolSpec{}, err
	}

	spec = types.SymbolSpec{
		Symbol:           symbol,
		Digits:           dto.Digits,
		Point:            dto.Point,
		VolumeMin:        dto.VolumeMin,
		VolumeMax:        dto.VolumeMax,
		VolumeStep:       dto.VolumeStep,
		ContractSize:     dto.ContractSize,
		UnitValue:        dto.TickValue,
		StopsLevelPoints: dto.StopsLevel,
	}
	c.mu.Lock()
	c.specs[symbol] = spec
	c.mu.Unlock()
	return spec, nil
}

// Account returns current balance and margin state.
func (c *Client) Account(ctx context.Context) (types.AccountInfo, error) {
	var dto struct {
		Balance    float64 `json:"balance"`
		Equity     float64 `json:"equity"`
		Margin     float64 `json:"margin"`
		FreeMargin float64 `json:"margin_free"`
		Currency   string  `json:"currency"`
	}
	if err := c.get(ctx, "/api/account", &dto); err != nil {
		return types.AccountInfo{}, err
	}
	return types.AccountInfo{
		Balance:    dto.Balance,
		Equity:     dto.Equity,
		Margin:     dto.Margin,
		FreeMargin: dto.FreeMargin,
		Currency:   dto.Currency,
	}, nil
}

// Positions lists the open positions carrying the engine's magic number.
func (c *Client) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	var dto []struct {
		Ticket    int64   `json:"ticket"`
		Symbol    string  `json:"symbol"`
		Type      int     `json:"type"` // 0 buy, 1 sell
		Volume    float64 `json:"volume"`
		PriceOpen float64 `json:"price_open"`
		SL        float64 `json:"sl"`
		TP        float64 `json:"tp"`
		Profit    float64 `json:"profit"`
		Magic     int64   `json:"magic"`
		Time      int64   `json:"time"`
	}
	path := fmt.Sprintf("/api/positions?magic=%d", c.cfg.Magic)
	if err := c.get(ctx, path, &dto); err != nil {
		return nil, err
	}

	snapshots := make([]types.PositionSnapshot, 0, len(dto))
	for _, p := range dto {
		if p.Magic != c.cfg.Magic {
			continue
		}
		direction := types.DirectionLong
		if p.Type == 1 {
			direction = types.DirectionShort
		}
		snapshots = append(snapshots, types.PositionSnapshot{
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			Direction:  direction,
			Volume:     p.Volume,
			OpenPrice:  p.PriceOpen,
			StopLoss:   p.SL,
			TakeProfit: p.TP,
			Profit:     p.Profit,
			OpenedAt:   time.Unix(p.Time, 0),
		})
	}
	return snapshots, nil
}

type tradeResult struct {
	Retcode int     `json:"retcode"`
	Ticket  int64   `json:"order"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Comment string  `json:"comment"`
}

// PlaceOrder sends a market order with protective levels attached.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	deviation := req.Deviation
	if deviation <= 0 {
		deviation = c.cfg.DeviationPoints
	}

	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"side":        orderSide(req.Direction),
		"volume":      req.Volume,
		"stop_loss":   req.StopLoss,
		"take_profit": req.TakeProfit,
		"deviation":   deviation,
		"magic":       c.cfg.Magic,
		"comment":     req.Comment,
		"client_id":   req.ClientID,
	}

	var result tradeResult
	if err := c.post(ctx, "/api/orders", body, &result); err != nil {
		return types.OrderResult{}, err
	}
	if err := retcodeError("place_order", result.Retcode, result.Comment); err != nil {
		return types.OrderResult{}, err
	}
	return types.OrderResult{
		Ticket:         result.Ticket,
		ExecutedPrice:  result.Price,
		ExecutedVolume: result.Volume,
	}, nil
}

// ModifyPosition updates a position's protective levels. Absent fields
// keep their current value on the terminal side.
func (c *Client) ModifyPosition(ctx context.Context, req types.ModifyRequest) error {
	body := map[string]interface{}{
		"symbol": req.Symbol,
	}
	if req.StopLoss != nil {
		body["stop_loss"] = *req.StopLoss
	}
	if req.TakeProfit != nil {
		body["take_profit"] = *req.TakeProfit
	}

	var result tradeResult
	path := fmt.Sprintf("/api/positions/%d/modify", req.Ticket)
	if err := c.post(ctx, path, body, &result); err != nil {
		return err
	}
	return retcodeError("modify_position", result.Retcode, result.Comment)
}

// ClosePosition closes the given volume of a position at market.
func (c *Client) ClosePosition(ctx context.Context, req types.CloseRequest) (types.OrderResult, error) {
	deviation := req.Deviation
	if deviation <= 0 {
		deviation = c.cfg.DeviationPoints
	}

	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"volume":    req.Volume,
		"deviation": deviation,
		"magic":     c.cfg.Magic,
	}

	var result tradeResult
	path := fmt.Sprintf("/api/positions/%d/close", req.Ticket)
	if err := c.post(ctx, path, body, &result); err != nil {
		return types.OrderResult{}, err
	}
	if err := retcodeError("close_position", result.Retcode, result.Comment); err != nil {
		return types.OrderResult{}, err
	}
	return types.OrderResult{
		Ticket:         result.Ticket,
		ExecutedPrice:  result.Price,
		ExecutedVolume: result.Volume,
	}, nil
}

func orderSide(d types.Direction) string {
	if d == types.DirectionShort {
		return "sell"
	}
	return "buy"
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.guard.Do(ctx, "GET "+path, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.GatewayURL+path, nil)
		if err != nil {
			return boterrors.NewConnectivityError("mt5", "request", err)
		}
		return c.send(req, out)
	})
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.guard.Do(ctx, "POST "+path, func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return boterrors.WrapError(err, boterrors.ErrorCategoryValidation, "mt5", "encode")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GatewayURL+path, bytes.NewReader(payload))
		if err != nil {
			return boterrors.NewConnectivityError("mt5", "request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.send(req, out)
	})
}

func (c *Client) send(req *http.Request, out interface{}) error {
	if c.cfg.GatewayToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.GatewayToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return boterrors.NewConnectivityError("mt5", "http", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return boterrors.NewConnectivityError("mt5", "read", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return boterrors.NewCredentialsError("mt5", "http", "gateway rejected the access token")
	case resp.StatusCode >= 500:
		return boterrors.NewConnectivityError("mt5", "http",
			fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(data, 200)))
	case resp.StatusCode >= 400:
		return boterrors.NewBrokerTerminalError("mt5", "http",
			fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return boterrors.NewConnectivityError("mt5", "decode", err)
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
