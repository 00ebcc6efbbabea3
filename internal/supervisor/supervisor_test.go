package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker/paper"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/journal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/notify"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/position"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/session"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/signal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/state"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// testStart is a Wednesday noon, well inside the trading week.
var testStart = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

// fakeClock hands the supervisor a controllable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureNotifier records every delivered message.
type captureNotifier struct {
	mu       sync.Mutex
	levels   []string
	messages []string
}

func (c *captureNotifier) Send(level, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels = append(c.levels, level)
	c.messages = append(c.messages, message)
	return nil
}

func (c *captureNotifier) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.messages, "\n---\n")
}

// countingSource counts Analyze calls before delegating.
type countingSource struct {
	inner signal.Source
	mu    sync.Mutex
	calls int
}

func (c *countingSource) Name() string { return c.inner.Name() }

func (c *countingSource) Analyze(ctx context.Context, snapshot types.MarketSnapshot) (types.Signal, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Analyze(ctx, snapshot)
}

func (c *countingSource) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// flakyBroker wraps the paper broker with an injectable account error.
type flakyBroker struct {
	*paper.Broker
	mu         sync.Mutex
	accountErr error
}

func (f *flakyBroker) setAccountError(err error) {
	f.mu.Lock()
	f.accountErr = err
	f.mu.Unlock()
}

func (f *flakyBroker) Account(ctx context.Context) (types.AccountInfo, error) {
	f.mu.Lock()
	err := f.accountErr
	f.mu.Unlock()
	if err != nil {
		return types.AccountInfo{}, err
	}
	return f.Broker.Account(ctx)
}

func loadConfig(t *testing.T, raw map[string]interface{}) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if bot, ok := raw["bot"].(map[string]interface{}); ok {
		if _, ok := bot["state_file"]; !ok {
			bot["state_file"] = filepath.Join(dir, "state.json")
		}
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	path := filepath.Join(dir, "engine.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func testConfig(t *testing.T, symbols ...string) *config.Config {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{"EURUSD"}
	}
	return loadConfig(t, map[string]interface{}{
		"bot":    map[string]interface{}{"symbols": symbols, "timezone": "UTC"},
		"broker": map[string]interface{}{"name": "paper"},
	})
}

func forexSpec(symbol string) types.SymbolSpec {
	return types.SymbolSpec{
		Symbol:       symbol,
		Digits:       5,
		Point:        0.00001,
		VolumeMin:    0.01,
		VolumeMax:    5,
		VolumeStep:   0.01,
		ContractSize: 100000,
		UnitValue:    100000,
	}
}

func forexQuote(symbol string, bid float64) types.Quote {
	return types.Quote{Symbol: symbol, Bid: bid, Ask: bid + 0.00002, Time: testStart}
}

// longSignal builds a valid long setup with 1.6R to the first target.
func longSignal(symbol string, entry, stop float64) types.Signal {
	dist := entry - stop
	return types.Signal{
		Symbol:      symbol,
		Direction:   types.DirectionLong,
		Confidence:  80,
		Entry:       entry,
		StopLoss:    stop,
		TakeProfit1: entry + 1.6*dist,
		TakeProfit2: entry + 2.4*dist,
		TakeProfit3: entry + 3.2*dist,
		Reasoning:   "momentum continuation",
		IssuedAt:    testStart,
	}
}

type engineFixture struct {
	sup        *Supervisor
	broker     *paper.Broker
	signals    *signal.Scripted
	capture    *captureNotifier
	clock      *fakeClock
	dispatcher *notify.Dispatcher
}

func newFixture(t *testing.T, cfg *config.Config, mutate func(*Deps)) *engineFixture {
	t.Helper()

	log := logger.Nop()
	pb := paper.New(log)
	scripted := signal.NewScripted()
	capture := &captureNotifier{}
	dispatcher := notify.NewDispatcher(capture, 32, log)
	t.Cleanup(dispatcher.Close)

	policy, err := risk.NewPolicy(cfg.Risk)
	require.NoError(t, err)

	clk := newFakeClock(testStart)

	deps := Deps{
		Config:  cfg,
		Log:     log,
		Broker:  pb,
		Signals: scripted,
		Policy:  policy,
		Notify:  dispatcher,
		Clock:   clk.Now,
	}
	if mutate != nil {
		mutate(&deps)
	}

	sup, err := New(deps)
	require.NoError(t, err)

	return &engineFixture{
		sup:        sup,
		broker:     pb,
		signals:    scripted,
		capture:    capture,
		clock:      clk,
		dispatcher: dispatcher,
	}
}

func (f *engineFixture) seedMarket(symbol string, bid float64) {
	f.broker.SetSpec(forexSpec(symbol))
	f.broker.SetQuote(forexQuote(symbol, bid))
}

// drainNotifications closes the dispatcher so every queued message is
// delivered, then returns the capture as one string.
func (f *engineFixture) drainNotifications() string {
	f.dispatcher.Close()
	return f.capture.joined()
}

func onlyPosition(t *testing.T, sup *Supervisor) *position.Position {
	t.Helper()
	require.Len(t, sup.positions, 1)
	for _, pos := range sup.positions {
		return pos
	}
	return nil
}

// TestNewValidatesDeps checks that the constructor refuses incomplete
// dependency sets and bad timezones.
func TestNewValidatesDeps(t *testing.T) {
	cfg := testConfig(t)
	log := logger.Nop()
	pb := paper.New(log)
	policy, err := risk.NewPolicy(cfg.Risk)
	require.NoError(t, err)
	dispatcher := notify.NewDispatcher(notify.Discard{}, 8, log)
	t.Cleanup(dispatcher.Close)

	valid := Deps{
		Config:  cfg,
		Log:     log,
		Broker:  pb,
		Signals: signal.NewScripted(),
		Policy:  policy,
		Notify:  dispatcher,
	}
	_, err = New(valid)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Deps)
		wantErr string
	}{
		{name: "missing config", mutate: func(d *Deps) { d.Config = nil }, wantErr: "configuration is required"},
		{name: "missing logger", mutate: func(d *Deps) { d.Log = nil }, wantErr: "logger is required"},
		{name: "missing broker", mutate: func(d *Deps) { d.Broker = nil }, wantErr: "broker is required"},
		{name: "missing signal source", mutate: func(d *Deps) { d.Signals = nil }, wantErr: "signal source is required"},
		{name: "missing risk policy", mutate: func(d *Deps) { d.Policy = nil }, wantErr: "risk policy is required"},
		{name: "missing dispatcher", mutate: func(d *Deps) { d.Notify = nil }, wantErr: "dispatcher is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := valid
			tt.mutate(&deps)
			_, err := New(deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	badCfg := *cfg
	badCfg.Bot.Timezone = "Mars/Olympus"
	bad := valid
	bad.Config = &badCfg
	_, err = New(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

// TestCycleAdmitsSignalAndPlacesOrder runs one cycle end to end: a
// scripted signal passes validation and admission, gets sized off the
// paper account and lands as a broker order with the engine's stop and
// final target attached.
func TestCycleAdmitsSignalAndPlacesOrder(t *testing.T) {
	cfg := testConfig(t)
	fx := newFixture(t, cfg, nil)
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	ctx := context.Background()
	fx.sup.RunCycle(ctx)

	live, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(1001), live[0].Ticket)
	assert.InDelta(t, 0.15, live[0].Volume, 1e-9)
	assert.InDelta(t, 1.0950, live[0].StopLoss, 1e-9)
	assert.InDelta(t, 1.1160, live[0].TakeProfit, 1e-9)

	pos := onlyPosition(t, fx.sup)
	assert.Equal(t, int64(1001), pos.Ticket)
	assert.InDelta(t, 1.10002, pos.EntryPrice, 1e-9)
	assert.Equal(t, 80, pos.Confidence)
	assert.Equal(t, position.PhaseOpen, pos.Phase)

	snap := fx.sup.ledger.Snapshot(fx.clock.Now())
	assert.Equal(t, 1, snap.OpenCount)
	assert.InDelta(t, 10000, snap.Balance, 1e-9)

	msgs := fx.drainNotifications()
	assert.Contains(t, msgs, "SIGNAL DETECTED")
	assert.Contains(t, msgs, "TRADE OPENED")
}

// TestCycleSkipsSymbolWithOpenPosition keeps one position per symbol:
// while EURUSD is open the next cycle does not even analyze it.
func TestCycleSkipsSymbolWithOpenPosition(t *testing.T) {
	cfg := testConfig(t)
	scripted := signal.NewScripted()
	scripted.Push(longSignal("EURUSD", 1.1000, 1.0950))
	counter := &countingSource{inner: scripted}
	fx := newFixture(t, cfg, func(d *Deps) { d.Signals = counter })
	fx.seedMarket("EURUSD", 1.1000)

	ctx := context.Background()
	fx.sup.RunCycle(ctx)
	require.Equal(t, 1, counter.count())

	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	assert.Equal(t, 1, counter.count())
	live, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

// TestCycleAppliesBreakevenThenTrailing walks a winner through the
// ladder: breakeven once price covers half the distance to the first
// target, then a partial fill and a trailing stop when the target is
// touched. The realized slice lands in the journal.
func TestCycleAppliesBreakevenThenTrailing(t *testing.T) {
	cfg := testConfig(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	fx := newFixture(t, cfg, func(d *Deps) { d.Journal = j })
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	ctx := context.Background()
	fx.sup.RunCycle(ctx) // fills at 1.10002

	fx.broker.SetQuote(forexQuote("EURUSD", 1.1050))
	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	pos := onlyPosition(t, fx.sup)
	assert.Equal(t, position.PhaseBreakeven, pos.Phase)
	assert.True(t, pos.BreakevenSet)
	assert.InDelta(t, 1.10004, pos.StopLoss, 1e-9)

	fx.broker.SetQuote(forexQuote("EURUSD", 1.1080))
	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	pos = onlyPosition(t, fx.sup)
	assert.Equal(t, position.PhaseTrailing, pos.Phase)
	assert.True(t, pos.TrailingOn)
	assert.True(t, pos.FilledRungs[0])
	assert.InDelta(t, 0.08, pos.Volume, 1e-9)
	assert.InDelta(t, 1.10401, pos.StopLoss, 1e-9)

	trades := fx.broker.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 0.07, trades[0].Volume, 1e-9)
	assert.InDelta(t, 55.86, trades[0].Profit, 0.01)

	records, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "take-profit rung 1 reached", records[0].CloseReason)
	assert.InDelta(t, 0.07, records[0].Volume, 1e-9)
	assert.InDelta(t, 55.86, records[0].PnL, 0.01)
	assert.Equal(t, 80, records[0].Confidence)

	snap := fx.sup.ledger.Snapshot(fx.clock.Now())
	assert.InDelta(t, 119.70, snap.DailyPnL, 0.01)
}

// TestCycleAdoptsExternalPosition picks up a position opened outside
// the engine, warns about it, and manages it on the R-multiple ladder
// since no targets are known.
func TestCycleAdoptsExternalPosition(t *testing.T) {
	cfg := testConfig(t)
	fx := newFixture(t, cfg, nil)
	fx.seedMarket("EURUSD", 1.1000)

	ctx := context.Background()
	_, err := fx.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol:    "EURUSD",
		Direction: types.DirectionLong,
		Volume:    0.20,
		StopLoss:  1.0950,
	})
	require.NoError(t, err)

	fx.sup.RunCycle(ctx)

	pos := onlyPosition(t, fx.sup)
	assert.Equal(t, int64(1001), pos.Ticket)
	assert.Equal(t, 0, pos.Confidence)
	assert.InDelta(t, 1.10002, pos.EntryPrice, 1e-9)
	assert.Equal(t, 1, fx.sup.ledger.Snapshot(fx.clock.Now()).OpenCount)

	// One full risk unit in profit trips the first R rung and the
	// breakeven move.
	fx.broker.SetQuote(forexQuote("EURUSD", 1.1051))
	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	pos = onlyPosition(t, fx.sup)
	assert.True(t, pos.FilledRungs[0])
	assert.InDelta(t, 0.10, pos.Volume, 1e-9)
	assert.Equal(t, position.PhaseBreakeven, pos.Phase)
	assert.InDelta(t, 1.10004, pos.StopLoss, 1e-9)

	trades := fx.broker.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 50.80, trades[0].Profit, 0.01)

	msgs := fx.drainNotifications()
	assert.Contains(t, msgs, "adopted unmanaged position")
}

// TestCycleBooksExternalCloseFromLastMark handles a position the
// broker closed between cycles: the engine books its last known mark
// as the realized outcome and stops tracking it.
func TestCycleBooksExternalCloseFromLastMark(t *testing.T) {
	cfg := testConfig(t)
	fx := newFixture(t, cfg, nil)
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	ctx := context.Background()
	fx.sup.RunCycle(ctx) // opens and marks at -0.30

	// The next tick trips the broker-side stop before the engine sees it.
	fx.broker.SetQuote(forexQuote("EURUSD", 1.0950))
	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	assert.Empty(t, fx.sup.positions)
	snap := fx.sup.ledger.Snapshot(fx.clock.Now())
	assert.Equal(t, 0, snap.OpenCount)
	assert.InDelta(t, -0.30, snap.DailyPnL, 0.001)

	trades := fx.broker.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "stop loss", trades[0].Reason)

	msgs := fx.drainNotifications()
	assert.Contains(t, msgs, "closed at broker")
}

// TestCycleRejectsWhenDailyLossCapReached seeds a day already past the
// loss cap and checks that a valid signal is refused admission.
func TestCycleRejectsWhenDailyLossCapReached(t *testing.T) {
	cfg := testConfig(t)
	fx := newFixture(t, cfg, nil)
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	fx.sup.ledger.Restore(risk.PersistedState{
		DayAnchor:      day,
		WeekAnchor:     day.AddDate(0, 0, -2),
		DailyRealized:  -400,
		WeeklyRealized: -400,
		PeakBalance:    10400,
	}, fx.clock.Now())

	ctx := context.Background()
	fx.sup.RunCycle(ctx)

	live, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Empty(t, fx.sup.positions)

	msgs := fx.drainNotifications()
	assert.Contains(t, msgs, "SIGNAL DETECTED")
	assert.NotContains(t, msgs, "TRADE OPENED")
}

// TestCycleEntersAndLeavesSafeMode drops broker connectivity for one
// cycle: admission pauses, and the queued signal is only admitted once
// the connection comes back.
func TestCycleEntersAndLeavesSafeMode(t *testing.T) {
	cfg := testConfig(t)
	var flaky *flakyBroker
	fx := newFixture(t, cfg, func(d *Deps) {
		flaky = &flakyBroker{Broker: d.Broker.(*paper.Broker)}
		d.Broker = flaky
	})
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	flaky.setAccountError(boterrors.NewConnectivityError("paper", "account", errors.New("gateway unreachable")))

	ctx := context.Background()
	fx.sup.RunCycle(ctx)

	assert.True(t, fx.sup.inSafeMode())
	live, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	flaky.setAccountError(nil)
	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	assert.False(t, fx.sup.inSafeMode())
	live, err = fx.broker.Positions(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	msgs := fx.drainNotifications()
	assert.Contains(t, msgs, "SAFE MODE")
	assert.Contains(t, msgs, "CONNECTIVITY RESTORED")
}

// TestCycleEscalatesRepeatedModifyRejections counts consecutive stop
// modification failures, escalates exactly once at the threshold and
// resets the streak after the next accepted modification.
func TestCycleEscalatesRepeatedModifyRejections(t *testing.T) {
	cfg := testConfig(t)
	fx := newFixture(t, cfg, nil)
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	ctx := context.Background()
	fx.sup.RunCycle(ctx)

	fx.broker.SetQuote(forexQuote("EURUSD", 1.1050))
	fx.broker.SetModifyError(boterrors.NewBrokerTransientError("paper", "modify", errors.New("requote")))

	for i := 0; i < 3; i++ {
		fx.clock.Advance(5 * time.Minute)
		fx.sup.RunCycle(ctx)
	}

	pos := onlyPosition(t, fx.sup)
	assert.Equal(t, 3, pos.RejectedModifyCycles)
	assert.True(t, pos.Escalated)
	assert.InDelta(t, 1.0950, pos.StopLoss, 1e-9)
	assert.Equal(t, position.PhaseOpen, pos.Phase)

	fx.broker.SetModifyError(nil)
	fx.clock.Advance(5 * time.Minute)
	fx.sup.RunCycle(ctx)

	pos = onlyPosition(t, fx.sup)
	assert.InDelta(t, 1.10004, pos.StopLoss, 1e-9)
	assert.Equal(t, position.PhaseBreakeven, pos.Phase)
	assert.Zero(t, pos.RejectedModifyCycles)
	assert.False(t, pos.Escalated)

	msgs := fx.drainNotifications()
	assert.Equal(t, 1, strings.Count(msgs, "rejected 3 cycles in a row"))
}

// TestCycleEnforcesGroupCapAcrossSameCycle admits signals one at a
// time, so the third USD major in a single cycle already sees two open
// group slots and is refused.
func TestCycleEnforcesGroupCapAcrossSameCycle(t *testing.T) {
	cfg := testConfig(t, "EURUSD", "GBPUSD", "AUDUSD")
	fx := newFixture(t, cfg, nil)
	fx.seedMarket("EURUSD", 1.1000)
	fx.seedMarket("GBPUSD", 1.2700)
	fx.seedMarket("AUDUSD", 0.6600)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))
	fx.signals.Push(longSignal("GBPUSD", 1.2700, 1.2650))
	fx.signals.Push(longSignal("AUDUSD", 0.6600, 0.6550))

	ctx := context.Background()
	fx.sup.RunCycle(ctx)

	live, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	got := []string{live[0].Symbol, live[1].Symbol}
	assert.ElementsMatch(t, []string{"EURUSD", "GBPUSD"}, got)

	snap := fx.sup.ledger.Snapshot(fx.clock.Now())
	assert.Equal(t, 2, snap.OpenCount)
	assert.Equal(t, 2, snap.GroupCounts["USD_majors"])
}

// TestCycleSkipsSymbolOutsidePreferredSessions leaves a symbol alone
// when the clock is outside its preferred session windows.
func TestCycleSkipsSymbolOutsidePreferredSessions(t *testing.T) {
	cfg := loadConfig(t, map[string]interface{}{
		"bot":    map[string]interface{}{"symbols": []string{"EURUSD"}, "timezone": "UTC"},
		"broker": map[string]interface{}{"name": "paper"},
		"sessions": map[string]interface{}{
			"enabled":         true,
			"symbol_sessions": map[string][]string{"EURUSD": {"US"}},
		},
	})
	counter := &countingSource{inner: signal.NewScripted()}
	fx := newFixture(t, cfg, func(d *Deps) {
		d.Signals = counter
		d.Schedule = session.NewSchedule(cfg.Sessions, time.UTC)
	})
	fx.seedMarket("EURUSD", 1.1000)

	// Noon UTC is outside the US window (20:00 through 04:59).
	fx.sup.RunCycle(context.Background())

	assert.Zero(t, counter.count())
	assert.Empty(t, fx.sup.positions)
}

// TestStartStopRestoresAcrossRestart opens a position under one
// supervisor, stops it, and checks a second supervisor rebuilds the
// same book from the state file and the broker's live positions.
func TestStartStopRestoresAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	log := logger.Nop()
	fx := newFixture(t, cfg, func(d *Deps) {
		d.Store = state.NewStore(cfg.Bot.StateFile, log)
	})
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	ctx := context.Background()
	require.NoError(t, fx.sup.Start(ctx))
	require.Eventually(t, func() bool {
		live, err := fx.broker.Positions(ctx)
		return err == nil && len(live) == 1
	}, 2*time.Second, 10*time.Millisecond)
	fx.sup.Stop()

	saved, err := state.NewStore(cfg.Bot.StateFile, log).Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Len(t, saved.Positions, 1)
	assert.Equal(t, int64(1001), saved.Positions[0].Ticket)
	assert.Equal(t, 80, saved.Positions[0].Confidence)

	dispatcher := notify.NewDispatcher(notify.Discard{}, 8, log)
	t.Cleanup(dispatcher.Close)
	policy, err := risk.NewPolicy(cfg.Risk)
	require.NoError(t, err)
	sup2, err := New(Deps{
		Config:  cfg,
		Log:     log,
		Broker:  fx.broker,
		Signals: signal.NewScripted(),
		Policy:  policy,
		Notify:  dispatcher,
		Store:   state.NewStore(cfg.Bot.StateFile, log),
		Clock:   fx.clock.Now,
	})
	require.NoError(t, err)

	require.NoError(t, sup2.Start(ctx))
	sup2.Stop()

	pos := onlyPosition(t, sup2)
	assert.Equal(t, int64(1001), pos.Ticket)
	assert.Equal(t, 80, pos.Confidence)
	assert.InDelta(t, 1.10002, pos.EntryPrice, 1e-9)
	assert.Equal(t, 1, sup2.ledger.Snapshot(fx.clock.Now()).OpenCount)
}

// TestEmergencyStopClosesEverything flattens the book, halts the
// ledger and persists the halt, and is a no-op when nothing runs.
func TestEmergencyStopClosesEverything(t *testing.T) {
	cfg := testConfig(t)
	log := logger.Nop()
	fx := newFixture(t, cfg, func(d *Deps) {
		d.Store = state.NewStore(cfg.Bot.StateFile, log)
	})
	fx.seedMarket("EURUSD", 1.1000)
	fx.signals.Push(longSignal("EURUSD", 1.1000, 1.0950))

	fx.sup.EmergencyStop() // nothing running yet

	ctx := context.Background()
	require.NoError(t, fx.sup.Start(ctx))
	require.Eventually(t, func() bool {
		live, err := fx.broker.Positions(ctx)
		return err == nil && len(live) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fx.sup.EmergencyStop()

	live, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Empty(t, fx.sup.positions)

	trades := fx.broker.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "market close", trades[0].Reason)

	snap := fx.sup.ledger.Snapshot(fx.clock.Now())
	assert.True(t, snap.Halted)
	assert.Equal(t, 0, snap.OpenCount)

	saved, err := state.NewStore(cfg.Bot.StateFile, log).Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Empty(t, saved.Positions)
	assert.Equal(t, "emergency stop", saved.Ledger.HaltReason)

	fx.sup.EmergencyStop() // second call is a no-op

	msgs := fx.drainNotifications()
	assert.Contains(t, msgs, "emergency stop")
}
