// Package supervisor runs the engine's control loop. One goroutine
// owns every mutable piece of trading state, the exposure ledger and
// the tracked positions, and executes a fixed-interval cycle: broker
// sync, risk alerts, admission of new signals, lifecycle transitions
// for open positions, then persistence. Collaborators are reached
// through narrow interfaces, so the same loop drives a live broker, a
// paper account or a scripted replay.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/journal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/monitoring"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/news"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/notify"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/position"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/session"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/signal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/state"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/id"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

const (
	// stopDrainTimeout bounds how long Stop waits for the in-flight
	// cycle to drain its lifecycle work.
	stopDrainTimeout = 15 * time.Second

	// emergencyDrainTimeout bounds how long EmergencyStop waits before
	// closing positions regardless of loop state.
	emergencyDrainTimeout = 5 * time.Second

	// newsHorizon is how far ahead Start looks when logging upcoming
	// high-impact events.
	newsHorizon = 24 * time.Hour
)

// Deps bundles everything the supervisor needs. Config, Log, Broker,
// Signals, Policy and Notify are required; News, Schedule, Store,
// Journal and Health may be nil to run without the matching concern.
// Clock defaults to time.Now and exists so replays and tests can pin
// the wall clock.
type Deps struct {
	Config   *config.Config
	Log      *logger.Logger
	Broker   broker.Broker
	Signals  signal.Source
	News     *news.Gate
	Schedule *session.Schedule
	Policy   *risk.Policy
	Notify   *notify.Dispatcher
	Store    *state.Store
	Journal  *journal.Journal
	Health   *monitoring.HealthChecker
	Clock    func() time.Time
}

// Supervisor owns the trading loop. All trading state is mutated only
// from the loop goroutine (or from RunCycle when driven manually);
// Stop and EmergencyStop coordinate through the stop channel and touch
// positions only after the loop has exited.
type Supervisor struct {
	cfg      *config.Config
	log      *logger.Logger
	broker   broker.Broker
	signals  signal.Source
	news     *news.Gate
	schedule *session.Schedule
	policy   *risk.Policy
	notify   *notify.Dispatcher
	store    *state.Store
	journal  *journal.Journal
	health   *monitoring.HealthChecker
	clock    func() time.Time

	guard   *risk.Guard
	sizer   *risk.Sizer
	ledger  *risk.Ledger
	monitor *risk.Monitor
	manager *position.Manager

	// positions is keyed by engine id and owned by the loop goroutine.
	positions map[string]*position.Position

	interval time.Duration
	timeout  time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	running     bool
	safeMode    bool
	cycleCancel context.CancelFunc

	cycles      int
	lastAccount types.AccountInfo
}

// New wires a supervisor from its dependencies.
func New(deps Deps) (*Supervisor, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("configuration is required")
	case deps.Log == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Broker == nil:
		return nil, fmt.Errorf("broker is required")
	case deps.Signals == nil:
		return nil, fmt.Errorf("signal source is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("risk policy is required")
	case deps.Notify == nil:
		return nil, fmt.Errorf("notification dispatcher is required")
	}

	loc, err := time.LoadLocation(deps.Config.Bot.Timezone)
	if err != nil {
		return nil, boterrors.NewConfigurationError("supervisor", "new",
			fmt.Sprintf("invalid timezone %q", deps.Config.Bot.Timezone))
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Supervisor{
		cfg:      deps.Config,
		log:      deps.Log.Component("supervisor"),
		broker:   deps.Broker,
		signals:  deps.Signals,
		news:     deps.News,
		schedule: deps.Schedule,
		policy:   deps.Policy,
		notify:   deps.Notify,
		store:    deps.Store,
		journal:  deps.Journal,
		health:   deps.Health,
		clock:    clock,

		guard:   risk.NewGuard(deps.Policy),
		sizer:   risk.NewSizer(deps.Policy),
		ledger:  risk.NewLedger(loc, clock()),
		monitor: risk.NewMonitor(deps.Policy),
		manager: position.NewManager(deps.Policy),

		positions: make(map[string]*position.Position),

		interval: time.Duration(deps.Config.Bot.CheckIntervalSec) * time.Second,
		timeout:  time.Duration(deps.Config.Bot.CycleTimeoutSec) * time.Second,

		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	return s, nil
}

// Start connects to the broker, restores persisted state against the
// broker's live positions and launches the control loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.running = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	if err := s.broker.Connect(ctx); err != nil {
		return fail(boterrors.CategorizeError(err, "supervisor", "connect"))
	}

	account, err := s.broker.Account(ctx)
	if err != nil {
		return fail(boterrors.CategorizeError(err, "supervisor", "account_sync"))
	}
	s.lastAccount = account
	s.ledger.UpdateBalance(account.Balance)
	s.log.Info("Account balance %.2f %s, equity %.2f", account.Balance, account.Currency, account.Equity)

	if err := s.restoreState(ctx); err != nil {
		return fail(err)
	}

	if err := s.ledger.Validate(); err != nil {
		s.ledger.Halt(err.Error())
		s.log.LogError("ledger validation", err)
		s.notify.Post(notify.LevelError, notify.FormatError("ledger", err))
	}

	if s.news != nil {
		events := s.news.Upcoming(ctx, s.clock(), newsHorizon)
		for _, ev := range events {
			s.log.Info("Upcoming high impact: %s (%s) at %s", ev.Title, ev.Currency, ev.Time.Format("15:04 MST"))
		}
	}

	if s.health != nil {
		s.health.SetConnected(true)
	}
	s.notify.Post(notify.LevelInfo, notify.FormatStartup(s.broker.Name(), s.cfg.Bot.Symbols, s.clock()))
	s.log.Status("Connected to %s, watching %v every %s", s.broker.Name(), s.cfg.Bot.Symbols, s.interval)

	go s.loop()
	return nil
}

// restoreState loads the persisted snapshot and reconciles it against
// the broker's live positions, which are the source of truth for what
// exists. Saved positions keep their ladder progress; broker-only
// positions are adopted; snapshot-only positions were closed while the
// engine was down and are dropped, as no exit price is known.
func (s *Supervisor) restoreState(ctx context.Context) error {
	live, err := s.broker.Positions(ctx)
	if err != nil {
		return boterrors.CategorizeError(err, "supervisor", "position_sync")
	}

	var savedPositions []state.PositionState
	if s.store != nil {
		saved, err := s.store.Load()
		if err != nil {
			return err
		}
		if saved != nil {
			s.ledger.Restore(saved.Ledger, s.clock())
			savedPositions = saved.Positions
			s.log.Info("Restored ledger state saved %s", saved.SavedAt.Format(time.RFC3339))
		}
	}

	res := state.Reconcile(savedPositions, live)

	for _, p := range res.Restored {
		s.positions[p.ID] = p
		s.ledger.Adopt(p.ID, p.Ticket, p.Symbol, p.Groups, p.UnrealizedPnL)
		s.log.Info("Restored %s ticket %d in phase %s, %.2f lots", p.Symbol, p.Ticket, p.Phase, p.Volume)
	}
	for _, snap := range res.Adopted {
		s.adopt(snap)
	}
	for _, ps := range res.Vanished {
		s.log.Warning("Ticket %d %s was closed while the engine was down, realized P&L unknown", ps.Ticket, ps.Symbol)
	}
	return nil
}

// adopt registers a broker position the engine has no record of. The
// broker's book is the truth, so the position is tracked and counted;
// the gap still surfaces as a ledger warning because it means an order
// path bypassed the engine.
func (s *Supervisor) adopt(snap types.PositionSnapshot) {
	groups := s.policy.GroupsOf(snap.Symbol)
	p := position.Adopt(id.New(), snap, groups, s.policy.TPAllocations)
	s.positions[p.ID] = p
	s.ledger.Adopt(p.ID, snap.Ticket, snap.Symbol, groups, snap.Profit)

	err := boterrors.NewLedgerError("supervisor", "reconcile",
		fmt.Sprintf("adopted unmanaged position: ticket %d %s %.2f lots", snap.Ticket, snap.Symbol, snap.Volume))
	s.log.LogError("position reconciliation", err)
	s.notify.Post(notify.LevelWarning, notify.FormatError(snap.Symbol, err))
}

// loop is the control loop goroutine. The first cycle runs
// immediately so a restart resumes protection without waiting a full
// interval.
func (s *Supervisor) loop() {
	defer close(s.doneChan)

	s.RunCycle(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.stopRequested() {
				s.log.Info("Stop signal detected, ending control loop")
				return
			}
			s.RunCycle(context.Background())
		case <-s.stopChan:
			s.log.Info("Stop signal received, ending control loop")
			return
		}
	}
}

// Stop halts the loop and shuts down in order: the in-flight cycle
// drains its lifecycle work, state is saved and the broker connection
// is released. Open positions stay under broker-side protection.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.signalStop()

	select {
	case <-s.doneChan:
	case <-time.After(stopDrainTimeout):
		s.log.Warning("Control loop did not drain within %s", stopDrainTimeout)
	}

	s.saveState(s.clock())

	if s.health != nil {
		s.health.SetConnected(false)
	}
	if err := s.broker.Disconnect(); err != nil {
		s.log.LogError("broker disconnect", err)
	}
	s.log.Status("Supervisor stopped, %d cycles run", s.cycles)
}

/// EmergencyStop bypasses the orderly drain: it aborts the in-flight
// cycle, halts admission, closes every tracked position at market and
// disconnects.
func (s *Supervisor) EmergencyStop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cycleCancel
	s.mu.Unlock()

	s.log.Status("EMERGENCY STOP requested")
	s.signalStop()
	if cancel != nil {
		cancel()
	}

	select {
	case <-s.doneChan:
	case <-time.After(emergencyDrainTimeout):
		s.log.Warning("Control loop still busy after %s, closing positions anyway", emergencyDrainTimeout)
	}

	s.ledger.Halt("emergency stop")
	s.closeAll("emergency stop")
	s.saveState(s.clock())

	if s.health != nil {
		s.health.SetConnected(false)
	}
	if err := s.broker.Disconnect(); err != nil {
		s.log.LogError("broker disconnect", err)
	}
	s.log.Status("Emergency stop complete")
}

// closeAll market-closes every tracked position with a fresh context,
// independent of any cancelled cycle.
func (s *Supervisor) closeAll(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := s.clock()
	for _, pos := range s.sortedPositions() {
		if pos.Closed() {
			continue
		}
		spec, err := s.broker.SymbolSpec(ctx, pos.Symbol)
		if err != nil {
			s.log.LogError(fmt.Sprintf("spec for %s", pos.Symbol), err)
		}
		action := s.manager.FullClose(pos, reason)
		if err := s.applyClose(ctx, now, pos, action, spec); err != nil {
			s.log.LogError(fmt.Sprintf("close %s ticket %d", pos.Symbol, pos.Ticket), err)
		}
	}
}

func (s *Supervisor) signalStop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Supervisor) setCycleCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cycleCancel = cancel
	s.mu.Unlock()
}

func (s *Supervisor) inSafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeMode
}

// enterSafeMode pauses admission and lifecycle mutation after a
// connectivity failure. Broker-side stops keep protecting open
// positions; every cycle keeps probing the account endpoint until it
// answers again.
func (s *Supervisor) enterSafeMode(err error) {
	s.mu.Lock()
	already := s.safeMode
	s.safeMode = true
	s.mu.Unlock()

	if s.health != nil {
		s.health.SetSafeMode(true)
	}
	if already {
		return
	}
	s.log.Error("Entering read-only safe mode: %v", err)
	s.notify.Post(notify.LevelError, notify.FormatSafeMode(err))
}

func (s *Supervisor) exitSafeMode() {
	s.mu.Lock()
	was := s.safeMode
	s.safeMode = false
	s.mu.Unlock()

	if !was {
		return
	}
	if s.health != nil {
		s.health.SetSafeMode(false)
	}
	s.log.Status("Connectivity restored, leaving safe mode")
	s.notify.Post(notify.LevelSuccess, notify.FormatResumed())
}

// sortedPositions returns the tracked positions in ticket order so
// cycles process them deterministically.
func (s *Supervisor) sortedPositions() []*position.Position {
	out := make([]*position.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// saveState persists the ledger and every tracked position. A save
// failure is logged and never interrupts trading.
func (s *Supervisor) saveState(now time.Time) {
	if s.store == nil {
		return
	}
	st := &state.EngineState{
		LastCycle: now,
		Ledger:    s.ledger.Export(),
	}
	for _, pos := range s.sortedPositions() {
		st.Positions = append(st.Positions, state.FromPosition(pos))
	}
	if err := s.store.Save(st); err != nil {
		s.log.LogError("state save", err)
	}
}
