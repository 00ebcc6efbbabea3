package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/indicators"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/journal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/monitoring"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/notify"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/position"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/signal"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/id"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// atrPeriod is the ATR window feeding the trailing-stop distance.
const atrPeriod = 14

// RunCycle executes one full engine cycle: broker sync, risk alerts,
// admission of new signals, then lifecycle transitions for every
// tracked position. Admission resolves first so ladder exits and stop
// moves act on the cycle's final exposure picture. The control loop
// calls it on the configured interval; the replay tool calls it
// directly to step the engine deterministically.
func (s *Supervisor) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Cycle panic recovered: %v", r)
		}
	}()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	s.setCycleCancel(cancel)
	defer func() {
		s.setCycleCancel(nil)
		cancel()
	}()

	// One wall-clock sample per cycle. Every decision inside the cycle
	// shares it, so a midnight boundary cannot split the cycle in two.
	now := s.clock()
	s.ledger.Roll(now)

	if !s.syncBroker(ctx, now) {
		monitoring.RecordCycle(time.Since(started))
		return
	}

	for _, alert := range s.monitor.Check(s.ledger.Snapshot(now)) {
		level := notify.LevelWarning
		if alert.Severity == types.SeverityCritical {
			level = notify.LevelError
		}
		s.log.Warning("Risk alert: %s", alert.Message)
		s.notify.Post(level, notify.FormatRiskAlert(alert))
	}

	cache := newMarketCache(s.broker, s.cfg.Bot.Timeframe, s.candleLimit())

	if !s.stopRequested() {
		s.admitSignals(ctx, now, cache)
	}
	s.advancePositions(ctx, now, cache)

	s.finishCycle(now, started)
}

// candleLimit is the analysis window, widened when needed so the ATR
// always has enough bars.
func (s *Supervisor) candleLimit() int {
	limit := s.cfg.AI.CandleCount
	if limit < atrPeriod+1 {
		limit = atrPeriod + 1
	}
	return limit
}

// syncBroker refreshes the account and reconciles tracked positions
// against the broker's book. A failure here flips the engine into safe
// mode and skips the rest of the cycle; the next tick retries.
func (s *Supervisor) syncBroker(ctx context.Context, now time.Time) bool {
	account, err := s.broker.Account(ctx)
	if err != nil {
		err = boterrors.CategorizeError(err, "supervisor", "account_sync")
		s.noteBrokerError("account sync", err)
		if pausesLoop(err) {
			s.enterSafeMode(err)
		}
		return false
	}
	s.exitSafeMode()
	s.lastAccount = account
	s.ledger.UpdateBalance(account.Balance)

	live, err := s.broker.Positions(ctx)
	if err != nil {
		err = boterrors.CategorizeError(err, "supervisor", "position_sync")
		s.noteBrokerError("position sync", err)
		if pausesLoop(err) {
			s.enterSafeMode(err)
		}
		return false
	}
	s.reconcileLive(ctx, now, live)
	return true
}

// reconcileLive folds the broker's position list into the tracked set.
// The broker is authoritative for existence and volume: tracked
// positions absent at the broker are booked closed at their last mark,
// unknown broker tickets are adopted.
func (s *Supervisor) reconcileLive(ctx context.Context, now time.Time, live []types.PositionSnapshot) {
	byTicket := make(map[int64]types.PositionSnapshot, len(live))
	for _, snap := range live {
		byTicket[snap.Ticket] = snap
	}

	for _, pos := range s.sortedPositions() {
		snap, ok := byTicket[pos.Ticket]
		if !ok {
			s.externallyClosed(ctx, now, pos)
			continue
		}
		delete(byTicket, pos.Ticket)

		if snap.Volume > 0 && snap.Volume < pos.Volume {
			s.log.Warning("%s ticket %d volume shrank %.2f -> %.2f outside the engine",
				pos.Symbol, pos.Ticket, pos.Volume, snap.Volume)
		}
		if snap.Volume > 0 {
			pos.Volume = snap.Volume
		}
		if snap.StopLoss > 0 {
			pos.StopLoss = snap.StopLoss
		}
		pos.UnrealizedPnL = snap.Profit
		s.ledger.UpdateMark(pos.ID, snap.Profit)
	}

	leftovers := make([]types.PositionSnapshot, 0, len(byTicket))
	for _, snap := range byTicket {
		leftovers = append(leftovers, snap)
	}
	sort.Slice(leftovers, func(i, j int) bool { return leftovers[i].Ticket < leftovers[j].Ticket })
	for _, snap := range leftovers {
		s.adopt(snap)
	}
}

// externallyClosed books a position that vanished from the broker,
// typically a server-side stop or take-profit fill. The exact fill is
// unknown, so the last synced mark stands in for the realized amount.
func (s *Supervisor) externallyClosed(ctx context.Context, now time.Time, pos *position.Position) {
	closedVolume := pos.Volume
	realized := pos.UnrealizedPnL
	exitPrice := s.estimateExitPrice(ctx, pos, realized, closedVolume)

	pos.ApplyClosed(realized)
	s.ledger.Close(pos.ID, realized, now)
	delete(s.positions, pos.ID)

	s.log.Trade("%s ticket %d closed at the broker, booking %.2f from the last mark",
		pos.Symbol, pos.Ticket, realized)
	s.recordClosure(ctx, now, pos, closedVolume, exitPrice, realized, "closed at broker")
}

// estimateExitPrice back-solves a fill price from the realized amount.
// It only feeds the journal row; 0 marks the price unknown.
func (s *Supervisor) estimateExitPrice(ctx context.Context, pos *position.Position, realized, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	spec, err := s.broker.SymbolSpec(ctx, pos.Symbol)
	if err != nil || spec.UnitValue <= 0 {
		return 0
	}
	return pos.EntryPrice + pos.Direction.Sign()*realized/(volume*spec.UnitValue)
}

// admitSignals runs the admission phase. Analysis fans out across the
// eligible symbols concurrently, then the results funnel through
// admission one at a time in configuration order, so every decision
// sees the ledger exactly as the previous admission left it.
func (s *Supervisor) admitSignals(ctx context.Context, now time.Time, cache *marketCache) {
	symbols := s.analysisSymbols(now)
	if len(symbols) == 0 {
		return
	}

	for _, res := range s.analyzeConcurrently(ctx, symbols, cache) {
		if s.inSafeMode() {
			return
		}
		if res.err != nil {
			monitoring.RecordSignal("error")
			s.log.LogError(fmt.Sprintf("analysis %s", res.symbol), res.err)
			continue
		}
		s.admitOne(ctx, now, res)
	}
}

// analysisSymbols returns the symbols worth analyzing this cycle. A
// symbol with an open position is skipped, the engine holds at most
// one position per symbol; symbols outside their preferred trading
// sessions are skipped too.
func (s *Supervisor) analysisSymbols(now time.Time) []string {
	open := make(map[string]bool, len(s.positions))
	for _, pos := range s.positions {
		if !pos.Closed() {
			open[pos.Symbol] = true
		}
	}

	symbols := make([]string, 0, len(s.cfg.Bot.Symbols))
	for _, symbol := range s.cfg.Bot.Symbols {
		if open[symbol] {
			s.log.Debug("%s already has an open position, skipping analysis", symbol)
			continue
		}
		if s.schedule != nil && !s.schedule.SymbolActive(symbol, now) {
			s.log.Debug("%s is outside its preferred sessions, skipping analysis", symbol)
			continue
		}
		symbols = append(symbols, symbol)
	}
	return symbols
}

type analysisResult struct {
	symbol   string
	snapshot types.MarketSnapshot
	sig      types.Signal
	err      error
}

// analyzeConcurrently gathers one analysis per symbol in parallel and
// returns the results in the caller's symbol order.
func (s *Supervisor) analyzeConcurrently(ctx context.Context, symbols []string, cache *marketCache) []analysisResult {
	results := make([]analysisResult, len(symbols))
	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			results[i] = s.analyzeSymbol(ctx, symbol, cache)
		}(i, symbol)
	}
	wg.Wait()
	return results
}

func (s *Supervisor) analyzeSymbol(ctx context.Context, symbol string, cache *marketCache) analysisResult {
	res := analysisResult{symbol: symbol}
	snapshot, err := cache.snapshot(ctx, symbol)
	if err != nil {
		res.err = boterrors.CategorizeError(err, "supervisor", "market_data")
		return res
	}
	res.snapshot = snapshot
	res.sig, res.err = s.signals.Analyze(ctx, snapshot)
	return res
}

// admitOne walks a single signal through validation, the news veto,
// admission, the spread gate, sizing, slot reservation and order
// placement. The ledger slot is reserved before the order goes out and
// released on rejection, so exposure is never undercounted while an
// order is in flight.
func (s *Supervisor) admitOne(ctx context.Context, now time.Time, res analysisResult) {
	sig := res.sig
	if !sig.Direction.Tradeable() {
		monitoring.RecordSignal("none")
		s.log.Debug("%s: no trade signal", res.symbol)
		return
	}
	if err := signal.Validate(sig, s.policy.MinConfidence); err != nil {
		monitoring.RecordSignal("invalid")
		s.log.LogError(fmt.Sprintf("signal %s", res.symbol), err)
		return
	}
	monitoring.RecordSignal("valid")
	s.log.Trade("Signal %s %s confidence %d, entry %.5f stop %.5f",
		sig.Symbol, sig.Direction, sig.Confidence, sig.Entry, sig.StopLoss)
	s.notify.Post(notify.LevelInfo, notify.FormatSignal(sig))

	var veto risk.NewsVeto
	if s.news != nil {
		avoid, reason := s.news.Avoid(ctx, sig.Symbol, now)
		veto = risk.NewsVeto{Avoid: avoid, Reason: reason}
	}

	decision := s.guard.Decide(sig, s.ledger.Snapshot(now), veto)
	monitoring.RecordAdmission(string(decision.Verdict))
	if !decision.Admitted() {
		s.log.Info("Rejected %s: %s", sig.Symbol, decision.Reason)
		return
	}
	if decision.Verdict == risk.VerdictReduced {
		s.log.Info("Admitting %s at %.0f%% size: %s", sig.Symbol, decision.Factor*100, decision.Reason)
	}

	quote := res.snapshot.Quote
	spec := res.snapshot.Spec
	if maxSpread := s.policy.MaxSpreadFor(sig.Symbol); maxSpread > 0 && spec.Point > 0 {
		if points := quote.SpreadPoints(spec.Point); points > maxSpread*2 {
			err := boterrors.NewAdmissionError("supervisor", "spread_gate",
				fmt.Sprintf("%s spread %.1f points exceeds limit %.1f", sig.Symbol, points, maxSpread*2))
			s.log.LogError("spread gate", err)
			return
		}
	}

	volume, err := s.sizer.Size(risk.SizeRequest{
		Signal:          sig,
		Balance:         s.lastAccount.Balance,
		Spec:            spec,
		ReductionFactor: decision.Factor,
	})
	if err != nil {
		s.log.LogError(fmt.Sprintf("sizing %s", sig.Symbol), err)
		return
	}

	posID := id.New()
	groups := s.policy.GroupsOf(sig.Symbol)
	if err := s.ledger.Reserve(posID, sig.Symbol, groups,
		s.policy.MaxOpenPositions, s.policy.MaxPerCorrelationGroup); err != nil {
		s.log.Info("Reservation refused for %s: %v", sig.Symbol, err)
		return
	}

	// The broker carries the initial stop and the final take-profit as
	// a backstop; the inner ladder rungs are executed engine-side.
	result, err := s.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit3,
		ClientID:   posID,
		Comment:    "mt5-gemini-bot",
	})
	if err != nil {
		s.ledger.Release(posID)
		err = boterrors.CategorizeError(err, "supervisor", "place_order")
		monitoring.RecordOrder("rejected")
		s.noteBrokerError(fmt.Sprintf("order %s", sig.Symbol), err)
		s.notify.Post(notify.LevelError, notify.FormatError(sig.Symbol, err))
		if pausesLoop(err) {
			s.enterSafeMode(err)
		}
		return
	}

	filled := sig
	if result.ExecutedPrice > 0 {
		filled.Entry = result.ExecutedPrice
	}
	executed := result.ExecutedVolume
	if executed <= 0 {
		executed = volume
	}

	pos := position.New(posID, result.Ticket, filled, executed, groups, s.policy.TPAllocations, now)
	s.positions[pos.ID] = pos
	s.ledger.Confirm(posID, result.Ticket)

	monitoring.RecordOrder("filled")
	s.log.Trade("Opened %s %s %.2f lots at %.5f, ticket %d",
		sig.Symbol, sig.Direction, executed, filled.Entry, result.Ticket)
	s.notify.Post(notify.LevelSuccess, notify.FormatOpened(filled, executed, result, spec))
}

// advancePositions runs the lifecycle pass over every tracked position
// in ticket order: refresh the mark, then apply whatever transitions
// the manager proposes.
func (s *Supervisor) advancePositions(ctx context.Context, now time.Time, cache *marketCache) {
	for _, pos := range s.sortedPositions() {
		if pos.Closed() {
			continue
		}
		if s.inSafeMode() {
			return
		}
		s.advanceOne(ctx, now, pos, cache)
	}
}

func (s *Supervisor) advanceOne(ctx context.Context, now time.Time, pos *position.Position, cache *marketCache) {
	quote, err := cache.quote(ctx, pos.Symbol)
	if err != nil {
		s.noteBrokerError(fmt.Sprintf("quote %s", pos.Symbol),
			boterrors.CategorizeError(err, "supervisor", "quote"))
		return
	}
	spec, err := cache.spec(ctx, pos.Symbol)
	if err != nil {
		s.noteBrokerError(fmt.Sprintf("spec %s", pos.Symbol),
			boterrors.CategorizeError(err, "supervisor", "spec"))
		return
	}

	price := quote.Bid
	if pos.Direction == types.DirectionShort {
		price = quote.Ask
	}
	if spec.UnitValue > 0 {
		pos.UnrealizedPnL = pos.FavorableMove(price) * pos.Volume * spec.UnitValue
		s.ledger.UpdateMark(pos.ID, pos.UnrealizedPnL)
	}

	atr := s.latestATR(ctx, pos.Symbol, cache)
	for _, action := range s.manager.Evaluate(pos, quote, spec, atr) {
		s.applyAction(ctx, now, pos, action, spec)
		if pos.Closed() {
			return
		}
	}
}

// latestATR computes the trailing-distance ATR. Any data shortfall
// degrades to 0, which leaves trailing on the R-multiple fraction
// alone.
func (s *Supervisor) latestATR(ctx context.Context, symbol string, cache *marketCache) float64 {
	candles, err := cache.candles(ctx, symbol)
	if err != nil {
		return 0
	}
	atr, err := indicators.ATR(candles, atrPeriod)
	if err != nil {
		return 0
	}
	return atr
}

func (s *Supervisor) applyAction(ctx context.Context, now time.Time, pos *position.Position, action position.Action, spec types.SymbolSpec) {
	switch action.Kind {
	case position.ActionModifyStop:
		s.applyStopMove(ctx, pos, action)
	case position.ActionPartialClose, position.ActionFullClose:
		_ = s.applyClose(ctx, now, pos, action, spec)
	}
}

// applyStopMove pushes a protective-stop change to the broker and
// commits the phase transition only on acceptance. A rejection adds to
// the position's retry streak; once the streak reaches the policy's
// cycle count it escalates to an alert, while other positions carry on
// unaffected.
func (s *Supervisor) applyStopMove(ctx context.Context, pos *position.Position, action position.Action) {
	err := s.broker.ModifyPosition(ctx, types.ModifyRequest{
		Ticket:   pos.Ticket,
		Symbol:   pos.Symbol,
		StopLoss: types.Float64(action.NewStopLoss),
	})
	if err != nil {
		err = boterrors.CategorizeError(err, "supervisor", "modify_position")
		s.noteBrokerError(fmt.Sprintf("modify %s ticket %d", pos.Symbol, pos.Ticket), err)
		streak := pos.NoteModifyRejected()
		if s.manager.ShouldEscalate(streak) && !pos.Escalated {
			pos.Escalated = true
			alert := boterrors.NewBotError(boterrors.ErrorCategoryBrokerTransient, "supervisor", "modify_position",
				fmt.Sprintf("stop modification for ticket %d rejected %d cycles in a row", pos.Ticket, streak))
			s.log.Error("%v", alert)
			s.notify.Post(notify.LevelError, notify.FormatError(pos.Symbol, alert))
		}
		if pausesLoop(err) {
			s.enterSafeMode(err)
		}
		return
	}

	pos.ApplyStopModified(action.NewStopLoss, action.Phase)
	monitoring.RecordModification()
	s.log.Trade("Moved stop on %s ticket %d to %.5f (%s)",
		pos.Symbol, pos.Ticket, action.NewStopLoss, action.Phase)
	s.notify.Post(notify.LevelInfo,
		notify.FormatModified(pos.Symbol, pos.Ticket, action.NewStopLoss, string(action.Phase)))
}

// applyClose executes a ladder exit or a full close, books the
// realized amount into the ledger and journals the fill. A partial
// fill that empties the position folds into a full close so the ledger
// slot is released exactly once.
func (s *Supervisor) applyClose(ctx context.Context, now time.Time, pos *position.Position, action position.Action, spec types.SymbolSpec) error {
	result, err := s.broker.ClosePosition(ctx, types.CloseRequest{
		Ticket:    pos.Ticket,
		Symbol:    pos.Symbol,
		Direction: pos.Direction,
		Volume:    action.Volume,
	})
	if err != nil {
		err = boterrors.CategorizeError(err, "supervisor", "close_position")
		monitoring.RecordOrder("close_rejected")
		s.noteBrokerError(fmt.Sprintf("close %s ticket %d", pos.Symbol, pos.Ticket), err)
		s.notify.Post(notify.LevelError, notify.FormatError(pos.Symbol, err))
		if pausesLoop(err) {
			s.enterSafeMode(err)
		}
		return err
	}

	closedVolume := result.ExecutedVolume
	if closedVolume <= 0 {
		closedVolume = action.Volume
	}
	exitPrice := result.ExecutedPrice
	realized := (exitPrice - pos.EntryPrice) * pos.Direction.Sign() * closedVolume * spec.UnitValue

	if action.Kind == position.ActionPartialClose {
		rung := action.Rung - 1
		if rung < 0 {
			rung = 0
		}
		pos.ApplyRungFilled(rung, closedVolume, realized)
		if pos.Closed() {
			s.ledger.Close(pos.ID, realized, now)
			delete(s.positions, pos.ID)
		} else {
			// The remaining volume's mark shrank with the fill; refresh
			// it so the running totals stay consistent.
			pos.UnrealizedPnL = pos.FavorableMove(exitPrice) * pos.Volume * spec.UnitValue
			s.ledger.UpdateMark(pos.ID, pos.UnrealizedPnL)
			s.ledger.RealizePartial(pos.ID, realized, now)
		}
	} else {
		pos.ApplyClosed(realized)
		s.ledger.Close(pos.ID, realized, now)
		delete(s.positions, pos.ID)
	}

	monitoring.RecordOrder("closed")
	s.log.Trade("Closed %.2f lots of %s ticket %d at %.5f for %.2f: %s",
		closedVolume, pos.Symbol, pos.Ticket, exitPrice, realized, action.Reason)
	s.recordClosure(ctx, now, pos, closedVolume, exitPrice, realized, action.Reason)
	return nil
}

// recordClosure writes the journal row and sends the close
// notification with the post-close running totals.
func (s *Supervisor) recordClosure(ctx context.Context, now time.Time, pos *position.Position, closedVolume, exitPrice, realized float64, reason string) {
	if s.journal != nil {
		rec := journal.FromClose(pos, closedVolume, exitPrice, realized, reason, now)
		if err := s.journal.Record(ctx, rec); err != nil {
			s.log.LogError("journal write", err)
		}
	}

	snap := s.ledger.Snapshot(now)
	level := notify.LevelSuccess
	if realized < 0 {
		level = notify.LevelWarning
	}
	s.notify.Post(level, notify.FormatClosed(pos.Symbol, pos.Ticket, realized, exitPrice, reason, snap.DailyPnL, snap.WeeklyPnL))
}

// finishCycle publishes the gauges, persists state and emits the
// periodic account summary.
func (s *Supervisor) finishCycle(now time.Time, started time.Time) {
	snap := s.ledger.Snapshot(now)
	monitoring.SetOpenPositions(snap.OpenCount)
	monitoring.SetPnL(snap.DailyPnL, snap.WeeklyPnL)
	monitoring.SetNotifyDropped(s.notify.Dropped())
	if s.health != nil {
		s.health.MarkCycle(now, snap.OpenCount)
	}
	s.saveState(now)

	s.cycles++
	if n := s.summaryEvery(); n > 0 && s.cycles%n == 0 {
		s.postSummary()
	}

	monitoring.RecordCycle(time.Since(started))
	s.log.Debug("Cycle %d done in %s: %d open, daily %.2f, weekly %.2f",
		s.cycles, time.Since(started).Round(time.Millisecond), snap.OpenCount, snap.DailyPnL, snap.WeeklyPnL)
}

func (s *Supervisor) summaryEvery() int {
	if s.cfg.Notifications == nil {
		return 0
	}
	return s.cfg.Notifications.SummaryEveryCycles
}

func (s *Supervisor) postSummary() {
	snaps := make([]types.PositionSnapshot, 0, len(s.positions))
	for _, pos := range s.sortedPositions() {
		snaps = append(snaps, types.PositionSnapshot{
			Ticket:    pos.Ticket,
			Symbol:    pos.Symbol,
			Direction: pos.Direction,
			Volume:    pos.Volume,
			OpenPrice: pos.EntryPrice,
			StopLoss:  pos.StopLoss,
			Profit:    pos.UnrealizedPnL,
			OpenedAt:  pos.OpenedAt,
		})
	}
	s.notify.Post(notify.LevelInfo, notify.FormatSummary(s.lastAccount, snaps))
}

// noteBrokerError records a broker failure in the metrics and the log.
func (s *Supervisor) noteBrokerError(op string, err error) {
	kind := "unknown"
	var botErr *boterrors.BotError
	if stderrors.As(err, &botErr) {
		kind = string(botErr.Category)
	}
	monitoring.RecordBrokerError(kind)
	s.log.LogError(op, err)
}

// pausesLoop reports whether a failure warrants safe mode. Only
// connectivity loss qualifies; a timeout or a rejected order retries
// on the next cycle without pausing anything.
func pausesLoop(err error) bool {
	var botErr *boterrors.BotError
	if stderrors.As(err, &botErr) {
		return botErr.PausesLoop()
	}
	return false
}
