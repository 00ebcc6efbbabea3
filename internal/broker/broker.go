// Package broker defines the narrow capability interfaces the engine
// trades through, so every consumer can be tested against fakes without
// a live account. Concrete adapters live in the vendor subpackages.
package broker

import (
	"context"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// PriceSource supplies market data for one or more symbols.
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)
	SymbolSpec(ctx context.Context, symbol string) (types.SymbolSpec, error)
}

// AccountSource reports balance and margin state.
type AccountSource interface {
	Account(ctx context.Context) (types.AccountInfo, error)
}

// PositionSource lists the broker's current open positions, the source
// of truth the ledger reconciles against.
type PositionSource interface {
	Positions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// OrderSink accepts the engine's order flow. Implementations map vendor
// retcodes onto the shared error taxonomy so callers can distinguish
// transient rejections from terminal ones.
type OrderSink interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	ModifyPosition(ctx context.Context, req types.ModifyRequest) error
	ClosePosition(ctx context.Context, req types.CloseRequest) (types.OrderResult, error)
}

// Broker bundles the full capability set a live adapter provides.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error

	PriceSource
	AccountSource
	PositionSource
	OrderSink
}
