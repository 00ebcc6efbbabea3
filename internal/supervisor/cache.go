package supervisor

import (
	"context"
	"sync"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// marketCache memoizes per-symbol broker reads for the duration of one
// cycle, so the analysis fan-out and the lifecycle pass share a single
// quote, spec and candle window per symbol. Lookups hold the lock,
// fetches do not; two goroutines racing on a cold symbol fetch twice
// and the second write wins, which is harmless for snapshot data.
type marketCache struct {
	src       broker.PriceSource
	timeframe string
	limit     int

	mu     sync.Mutex
	quotes map[string]types.Quote
	specs  map[string]types.SymbolSpec
	series map[string][]types.Candle
}

func newMarketCache(src broker.PriceSource, timeframe string, limit int) *marketCache {
	return &marketCache{
		src:       src,
		timeframe: timeframe,
		limit:     limit,
		quotes:    make(map[string]types.Quote),
		specs:     make(map[string]types.SymbolSpec),
		series:    make(map[string][]types.Candle),
	}
}

func (c *marketCache) quote(ctx context.Context, symbol string) (types.Quote, error) {
	c.mu.Lock()
	if q, ok := c.quotes[symbol]; ok {
		c.mu.Unlock()
		return q, nil
	}
	c.mu.Unlock()

	q, err := c.src.Quote(ctx, symbol)
	if err != nil {
		return types.Quote{}, err
	}
	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()
	return q, nil
}

func (c *marketCache) spec(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	c.mu.Lock()
	if spec, ok := c.specs[symbol]; ok {
		c.mu.Unlock()
		return spec, nil
	}
	c.mu.Unlock()

	spec, err := c.src.SymbolSpec(ctx, symbol)
	if err != nil {
		return types.SymbolSpec{}, err
	}
	c.mu.Lock()
	c.specs[symbol] = spec
	c.mu.Unlock()
	return spec, nil
}

func (c *marketCache) candles(ctx context.Context, symbol string) ([]types.Candle, error) {
	c.mu.Lock()
	if candles, ok := c.series[symbol]; ok {
		c.mu.Unlock()
		return candles, nil
	}
	c.mu.Unlock()

	candles, err := c.src.Candles(ctx, symbol, c.timeframe, c.limit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.series[symbol] = candles
	c.mu.Unlock()
	return candles, nil
}

// snapshot assembles the market view one analysis consumes.
func (c *marketCache) snapshot(ctx context.Context, symbol string) (types.MarketSnapshot, error) {
	quote, err := c.quote(ctx, symbol)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	spec, err := c.spec(ctx, symbol)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	candles, err := c.candles(ctx, symbol)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	return types.MarketSnapshot{Symbol: symbol, Quote: quote, Spec: spec, Candles: candles}, nil
}
