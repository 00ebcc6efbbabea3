// Package paper is an in-memory broker for tests and offline replays.
// Quotes are pushed in by the caller; orders fill instantly at the
// touch, and protective levels trigger as new quotes arrive.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// ClosedTrade records a fill that removed volume from a position.
type ClosedTrade struct {
	Ticket int64
	Symbol string
	Volume float64
	Price  float64
	Profit float64
	Reason string
	At     time.Time
}

type simPosition struct {
	ticket     int64
	symbol     string
	direction  types.Direction
	volume     float64
	openPrice  float64
	stopLoss   float64
	takeProfit float64
	openedAt   time.Time
}

// Broker simulates order execution against caller-supplied quotes.
type Broker struct {
	mu sync.Mutex

	log        *logger.Logger
	balance    float64
	quotes     map[string]types.Quote
	specs      map[string]types.SymbolSpec
	candles    map[string][]types.Candle
	positions  map[int64]*simPosition
	closed     []ClosedTrade
	nextTicket int64

	placeErr  error
	modifyErr error
	closeErr  error
}

// New builds an empty simulator with a 10000 starting balance.
func New(log *logger.Logger) *Broker {
	return &Broker{
		log:        log.Component("paper"),
		balance:    10000,
		quotes:     make(map[string]types.Quote),
		specs:      make(map[string]types.SymbolSpec),
		candles:    make(map[string][]types.Candle),
		positions:  make(map[int64]*simPosition),
		nextTicket: 1000,
	}
}

func (b *Broker) Name() string { return "paper" }

func (b *Broker) Connect(context.Context) error { return nil }

func (b *Broker) Disconnect() error { return nil }

// SetBalance overrides the account balance.
func (b *Broker) SetBalance(balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = balance
}

// SetSpec registers a symbol's contract terms.
func (b *Broker) SetSpec(spec types.SymbolSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs[spec.Symbol] = spec
}

// SetCandles seeds the bar history served by Candles.
func (b *Broker) SetCandles(symbol string, candles []types.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[symbol] = append([]types.Candle(nil), candles...)
}

// SetQuote publishes a new tick and triggers any protective levels it
// crosses, the way the real broker would fire server-side stops.
func (b *Broker) SetQuote(q types.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[q.Symbol] = q

	for _, pos := range b.snapshotPositions(q.Symbol) {
		price := b.closePrice(pos.direction, q.Symbol)
		sign := pos.direction.Sign()

		if pos.stopLoss > 0 && (price-pos.stopLoss)*sign <= 0 {
			b.fill(pos, pos.volume, pos.stopLoss, "stop loss")
			continue
		}
		if pos.takeProfit > 0 && (price-pos.takeProfit)*sign >= 0 {
			b.fill(pos, pos.volume, pos.takeProfit, "take profit")
		}
	}
}

// SetPlaceError injects a placement failure until cleared with nil.
func (b *Broker) SetPlaceError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErr = err
}

// SetModifyError injects a modification failure until cleared with nil.
func (b *Broker) SetModifyError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modifyErr = err
}

// SetCloseError injects a close failure until cleared with nil.
func (b *Broker) SetCloseError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeErr = err
}

// ClosedTrades returns every fill that reduced a position, in order.
func (b *Broker) ClosedTrades() []ClosedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ClosedTrade(nil), b.closed...)
}

func (b *Broker) Quote(_ context.Context, symbol string) (types.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return types.Quote{}, boterrors.NewConnectivityError("paper", "quote",
			fmt.Errorf("no quote for %s", symbol))
	}
	return q, nil
}

func (b *Broker) Candles(_ context.Context, symbol, _ string, limit int) ([]types.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bars := b.candles[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]types.Candle(nil), bars...), nil
}

func (b *Broker) SymbolSpec(_ context.Context, symbol string) (types.SymbolSpec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if spec, ok := b.specs[symbol]; ok {
		return spec, nil
	}
	// Five-digit forex terms keep replays usable without explicit setup.
	return types.SymbolSpec{
		Symbol:       symbol,
		Digits:       5,
		Point:        0.00001,
		VolumeMin:    0.01,
		VolumeMax:    100,
		VolumeStep:   0.01,
		ContractSize: 100000,
		UnitValue:    1,
	}, nil
}

func (b *Broker) Account(context.Context) (types.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.balance
	for _, pos := range b.positions {
		equity += b.unrealized(pos)
	}
	return types.AccountInfo{
		Balance:    b.balance,
		Equity:     equity,
		FreeMargin: equity,
		Currency:   "USD",
	}, nil
}

func (b *Broker) Positions(context.Context) ([]types.PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshots := make([]types.PositionSnapshot, 0, len(b.positions))
	for _, pos := range b.positions {
		snapshots = append(snapshots, types.PositionSnapshot{
			Ticket:     pos.ticket,
			Symbol:     pos.symbol,
			Direction:  pos.direction,
			Volume:     pos.volume,
			OpenPrice:  pos.openPrice,
			StopLoss:   pos.stopLoss,
			TakeProfit: pos.takeProfit,
			Profit:     b.unrealized(pos),
			OpenedAt:   pos.openedAt,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Ticket < snapshots[j].Ticket })
	return snapshots, nil
}

func (b *Broker) PlaceOrder(_ context.Context, req types.OrderRequest) (types.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.placeErr != nil {
		return types.OrderResult{}, b.placeErr
	}
	quote, ok := b.quotes[req.Symbol]
	if !ok {
		return types.OrderResult{}, boterrors.NewBrokerTransientError("paper", "place_order",
			fmt.Errorf("no price for %s", req.Symbol))
	}

	price := quote.Ask
	if req.Direction == types.DirectionShort {
		price = quote.Bid
	}

	b.nextTicket++
	pos := &simPosition{
		ticket:     b.nextTicket,
		symbol:     req.Symbol,
		direction:  req.Direction,
		volume:     req.Volume,
		openPrice:  price,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
		openedAt:   quote.Time,
	}
	b.positions[pos.ticket] = pos

	return types.OrderResult{
		Ticket:         pos.ticket,
		ExecutedPrice:  price,
		ExecutedVolume: req.Volume,
	}, nil
}

func (b *Broker) ModifyPosition(_ context.Context, req types.ModifyRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.modifyErr != nil {
		return b.modifyErr
	}
	pos, ok := b.positions[req.Ticket]
	if !ok {
		return boterrors.NewBrokerTerminalError("paper", "modify",
			fmt.Errorf("position %d not found", req.Ticket))
	}

	if req.StopLoss != nil {
		if spec, ok := b.specs[pos.symbol]; ok && spec.MinStopDistance() > 0 {
			price := b.closePrice(pos.direction, pos.symbol)
			if (price-*req.StopLoss)*pos.direction.Sign() < spec.MinStopDistance() {
				return boterrors.NewBrokerTransientError("paper", "modify",
					fmt.Errorf("invalid stops: %.5f too close to market", *req.StopLoss))
			}
		}
		pos.stopLoss = *req.StopLoss
	}
	if req.TakeProfit != nil {
		pos.takeProfit = *req.TakeProfit
	}
	return nil
}

func (b *Broker) ClosePosition(_ context.Context, req types.CloseRequest) (types.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closeErr != nil {
		return types.OrderResult{}, b.closeErr
	}
	pos, ok := b.positions[req.Ticket]
	if !ok {
		return types.OrderResult{}, boterrors.NewBrokerTerminalError("paper", "close",
			fmt.Errorf("position %d not found", req.Ticket))
	}

	volume := req.Volume
	if volume <= 0 || volume > pos.volume {
		volume = pos.volume
	}
	price := b.closePrice(pos.direction, pos.symbol)
	b.fill(pos, volume, price, "market close")

	return types.OrderResult{
		Ticket:         pos.ticket,
		ExecutedPrice:  price,
		ExecutedVolume: volume,
	}, nil
}

// fill executes a (partial) close at the given price. Caller holds the
// lock.
func (b *Broker) fill(pos *simPosition, volume, price float64, reason string) {
	unitValue := b.unitValue(pos.symbol)
	profit := (price - pos.openPrice) * pos.direction.Sign() * volume * unitValue

	b.balance += profit
	b.closed = append(b.closed, ClosedTrade{
		Ticket: pos.ticket,
		Symbol: pos.symbol,
		Volume: volume,
		Price:  price,
		Profit: profit,
		Reason: reason,
		At:     b.quotes[pos.symbol].Time,
	})

	pos.volume -= volume
	if pos.volume <= 1e-9 {
		delete(b.positions, pos.ticket)
	}
}

func (b *Broker) snapshotPositions(symbol string) []*simPosition {
	out := make([]*simPosition, 0, len(b.positions))
	for _, pos := range b.positions {
		if pos.symbol == symbol {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ticket < out[j].ticket })
	return out
}

func (b *Broker) unrealized(pos *simPosition) float64 {
	quote, ok := b.quotes[pos.symbol]
	if !ok {
		return 0
	}
	price := quote.Bid
	if pos.direction == types.DirectionShort {
		price = quote.Ask
	}
	return (price - pos.openPrice) * pos.direction.Sign() * pos.volume * b.unitValue(pos.symbol)
}

func (b *Broker) closePrice(d types.Direction, symbol string) float64 {
	quote := b.quotes[symbol]
	if d == types.DirectionShort {
		return quote.Ask
	}
	return quote.Bid
}

func (b *Broker) unitValue(symbol string) float64 {
	if spec, ok := b.specs[symbol]; ok && spec.UnitValue > 0 {
		return spec.UnitValue
	}
	return 1
}
