// Package bybit adapts Bybit's v5 unified trading API to the engine's
// broker interfaces for crypto symbols. Linear USDT-perpetual contracts
// only: quantity is in base units and one price unit of movement per
// unit of quantity is worth one USDT, so UnitValue is always 1.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/safety"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

const category = "linear"

// API error codes the adapter cares about.
const (
	codeInvalidAPIKey       = 10003
	codeInvalidSignature    = 10004
	codeInvalidTimestamp    = 10005
	codeRateLimitExceeded   = 10006
	codeOrderNotFound       = 110001
	codeInvalidOrderType    = 110004
	codeInsufficientBalance = 110007
	codeSymbolNotFound      = 110009
	codeInvalidQuantity     = 110020
	codeMarketClosed        = 110043
)

// Client is the Bybit adapter.
type Client struct {
	cfg   config.BybitConfig
	api   *bybit_api.Client
	log   *logger.Logger
	guard *safety.Guard
}

// New builds the adapter against demo, testnet or mainnet depending on
// configuration.
func New(cfg config.BybitConfig, log *logger.Logger, guards *safety.Manager) *Client {
	baseURL := bybit_api.MAINNET
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	}

	return &Client{
		cfg:   cfg,
		api:   bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(baseURL)),
		log:   log.Component("bybit"),
		guard: guards.Guard("bybit-rest"),
	}
}

func (c *Client) Name() string { return "bybit" }

// Connect validates the credentials with a wallet read.
func (c *Client) Connect(ctx context.Context) error {
	account, err := c.Account(ctx)
	if err != nil {
		return err
	}
	c.log.Info("connected to Bybit (%s), balance %.2f %s", c.environment(), account.Balance, account.Currency)
	return nil
}

func (c *Client) Disconnect() error { return nil }

func (c *Client) environment() string {
	switch {
	case c.cfg.Demo:
		return "demo"
	case c.cfg.Testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

// Quote returns the top-of-book prices for a symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	params := map[string]interface{}{"category": category, "symbol": symbol}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	err := c.call(ctx, "tickers", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	})
	if err != nil {
		return types.Quote{}, err
	}
	if len(result.List) == 0 {
		return types.Quote{}, boterrors.NewBrokerTerminalError("bybit", "quote",
			fmt.Errorf("no ticker for %s", symbol))
	}

	return types.Quote{
		Symbol: symbol,
		Bid:    num(result.List[0].Bid1Price),
		Ask:    num(result.List[0].Ask1Price),
		Time:   time.Now(),
	}, nil
}

// Candles fetches recent bars, oldest first.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"interval": interval(timeframe),
		"limit":    limit,
	}

	var result struct {
		List [][]string `json:"list"` // [startTime, open, high, low, close, volume, turnover]
	}
	err := c.call(ctx, "kline", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	})
	if err != nil {
		return nil, err
	}

	// Bybit returns newest first.
	candles := make([]types.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, types.Candle{
			Timestamp: time.UnixMilli(ms),
			Open:      num(row[1]),
			High:      num(row[2]),
			Low:       num(row[3]),
			Close:     num(row[4]),
			Volume:    num(row[5]),
		})
	}
	return candles, nil
}

// SymbolSpec reads the instrument's lot and price filters.
func (c *Client) SymbolSpec(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	params := map[string]interface{}{"category": category, "symbol": symbol}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			PriceScale    string `json:"priceScale"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	err := c.call(ctx, "instrument_info", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	})
	if err != nil {
		return types.SymbolSpec{}, err
	}
	if len(result.List) == 0 {
		return types.SymbolSpec{}, boterrors.NewBrokerTerminalError("bybit", "symbol_spec",
			fmt.Errorf("unknown instrument %s", symbol))
	}

	info := result.List[0]
	digits, _ := strconv.Atoi(info.PriceScale)
	return types.SymbolSpec{
		Symbol:       symbol,
		Digits:       digits,
		Point:        num(info.PriceFilter.TickSize),
		VolumeMin:    num(info.LotSizeFilter.MinOrderQty),
		VolumeMax:    num(info.LotSizeFilter.MaxOrderQty),
		VolumeStep:   num(info.LotSizeFilter.QtyStep),
		ContractSize: 1,
		UnitValue:    1,
	}, nil
}

// Account maps the unified wallet onto the shared account snapshot.
func (c *Client) Account(ctx context.Context) (types.AccountInfo, error) {
	params := map[string]interface{}{"accountType": "UNIFIED"}

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	err := c.call(ctx, "wallet", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	})
	if err != nil {
		return types.AccountInfo{}, err
	}
	if len(result.List) == 0 {
		return types.AccountInfo{}, boterrors.NewBrokerTerminalError("bybit", "account",
			fmt.Errorf("empty wallet response"))
	}

	wallet := result.List[0]
	return types.AccountInfo{
		Balance:    num(wallet.TotalWalletBalance),
		Equity:     num(wallet.TotalEquity),
		Margin:     num(wallet.TotalInitialMargin),
		FreeMargin: num(wallet.TotalAvailableBalance),
		Currency:   "USDT",
	}, nil
}

// Positions lists non-zero linear positions. Bybit has no numeric
// ticket; the position's creation timestamp stands in for one and stays
// stable for the position's lifetime.
func (c *Client) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	params := map[string]interface{}{"category": category, "settleCoin": "USDT"}

	list, err := c.positionList(ctx, params)
	if err != nil {
		return nil, err
	}

	snapshots := make([]types.PositionSnapshot, 0, len(list))
	for _, p := range list {
		size := num(p.Size)
		if size <= 0 {
			continue
		}
		direction := types.DirectionLong
		if p.Side == "Sell" {
			direction = types.DirectionShort
		}
		created, _ := strconv.ParseInt(p.CreatedTime, 10, 64)
		snapshots = append(snapshots, types.PositionSnapshot{
			Ticket:     created,
			Symbol:     p.Symbol,
			Direction:  direction,
			Volume:     size,
			OpenPrice:  num(p.AvgPrice),
			StopLoss:   num(p.StopLoss),
			TakeProfit: num(p.TakeProfit),
			Profit:     num(p.UnrealisedPnl),
			OpenedAt:   time.UnixMilli(created),
		})
	}
	return snapshots, nil
}

// PlaceOrder submits a market order with protective levels attached,
// then reads the resulting position back for the executed price.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        side(req.Direction),
		"orderType":   "Market",
		"qty":         qty(req.Volume),
		"timeInForce": "IOC",
	}
	if req.StopLoss > 0 {
		params["stopLoss"] = qty(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		params["takeProfit"] = qty(req.TakeProfit)
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	err := c.call(ctx, "place_order", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	})
	if err != nil {
		return types.OrderResult{}, err
	}

	out := types.OrderResult{ExecutedVolume: req.Volume}
	if pos, ok := c.positionFor(ctx, req.Symbol); ok {
		out.Ticket = pos.Ticket
		out.ExecutedPrice = pos.OpenPrice
		out.ExecutedVolume = pos.Volume
	}
	return out, nil
}

// ModifyPosition moves the position's protective levels.
func (c *Client) ModifyPosition(ctx context.Context, req types.ModifyRequest) error {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"positionIdx": 0,
	}
	if req.StopLoss != nil {
		params["stopLoss"] = qty(*req.StopLoss)
	}
	if req.TakeProfit != nil {
		params["takeProfit"] = qty(*req.TakeProfit)
	}

	return c.call(ctx, "trading_stop", nil, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).SetPositionTradingStop(ctx)
	})
}

// ClosePosition reduces the position with an opposite-side reduce-only
// market order; partial volumes leave the remainder open.
func (c *Client) ClosePosition(ctx context.Context, req types.CloseRequest) (types.OrderResult, error) {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        side(req.Direction.Opposite()),
		"orderType":   "Market",
		"qty":         qty(req.Volume),
		"reduceOnly":  true,
		"timeInForce": "IOC",
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	err := c.call(ctx, "close_position", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	})
	if err != nil {
		return types.OrderResult{}, err
	}
	return types.OrderResult{Ticket: req.Ticket, ExecutedVolume: req.Volume}, nil
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	CreatedTime   string `json:"createdTime"`
}

func (c *Client) positionList(ctx context.Context, params map[string]interface{}) ([]positionRow, error) {
	var result struct {
		List []positionRow `json:"list"`
	}
	err := c.call(ctx, "position_list", &result, func(ctx context.Context) (interface{}, error) {
		return c.api.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.List, nil
}

func (c *Client) positionFor(ctx context.Context, symbol string) (types.PositionSnapshot, bool) {
	snapshots, err := c.Positions(ctx)
	if err != nil {
		return types.PositionSnapshot{}, false
	}
	for _, s := range snapshots {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return types.PositionSnapshot{}, false
}

// call runs one API request through the safety guard and unpacks the
// ServerResponse envelope into out.
func (c *Client) call(ctx context.Context, operation string, out interface{}, fn func(ctx context.Context) (interface{}, error)) error {
	return c.guard.Do(ctx, operation, func() error {
		resp, err := fn(ctx)
		if err != nil {
			return boterrors.NewConnectivityError("bybit", operation, err)
		}

		server, ok := resp.(*bybit_api.ServerResponse)
		if !ok {
			return boterrors.NewConnectivityError("bybit", operation,
				fmt.Errorf("unexpected response type %T", resp))
		}
		if err := apiError(operation, server.RetCode, server.RetMsg); err != nil {
			return err
		}
		if out == nil {
			return nil
		}

		raw, err := json.Marshal(server.Result)
		if err != nil {
			return boterrors.NewConnectivityError("bybit", operation, err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return boterrors.NewConnectivityError("bybit", operation, err)
		}
		return nil
	})
}

// apiError maps a v5 retCode onto the shared taxonomy.
func apiError(operation string, retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}

	cause := fmt.Errorf("retCode %d: %s", retCode, retMsg)
	switch retCode {
	case codeInvalidAPIKey, codeInvalidSignature, codeInvalidTimestamp:
		return boterrors.NewCredentialsError("bybit", operation, cause.Error())
	case codeRateLimitExceeded:
		return boterrors.WrapError(cause, boterrors.ErrorCategoryRateLimit, "bybit", operation)
	case codeInsufficientBalance, codeInvalidOrderType, codeSymbolNotFound,
		codeInvalidQuantity, codeMarketClosed, codeOrderNotFound:
		return boterrors.NewBrokerTerminalError("bybit", operation, cause)
	default:
		return boterrors.NewBrokerTransientError("bybit", operation, cause)
	}
}

func side(d types.Direction) string {
	if d == types.DirectionShort {
		return "Sell"
	}
	return "Buy"
}

func qty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func num(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// interval maps engine timeframes (M5, H1, ...) onto v5 kline intervals.
func interval(timeframe string) string {
	switch timeframe {
	case "M1":
		return "1"
	case "M5":
		return "5"
	case "M15":
		return "15"
	case "M30":
		return "30"
	case "H1":
		return "60"
	case "H4":
		return "240"
	case "D1":
		return "D"
	default:
		return timeframe
	}
}
