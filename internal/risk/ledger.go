package risk

import (
	"fmt"
	"sync"
	"time"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
)

// OpenEntry is the ledger's view of one open position.
type OpenEntry struct {
	ID         string // engine-side id (ULID)
	Ticket     int64
	Symbol     string
	Groups     []string
	Unrealized float64 // latest mark, account currency
	Reserved   bool    // slot reserved, broker confirmation pending
}

// Snapshot is a consistent per-cycle view of the ledger. Admission
// decisions read the snapshot, never the live ledger.
type Snapshot struct {
	At          time.Time
	Balance     float64
	PeakBalance float64
	DailyPnL    float64 // realized since day boundary + open mark-to-market
	WeeklyPnL   float64
	OpenCount   int
	GroupCounts map[string]int
	Strict      bool // stricter confidence floor active for the day
	Halted      bool // admission disabled until reconciled
	HaltReason  string
}

// DailyLossFraction returns today's loss as a positive fraction of
// balance, 0 when the day is profitable.
func (s Snapshot) DailyLossFraction() float64 {
	if s.DailyPnL >= 0 || s.Balance <= 0 {
		return 0
	}
	return -s.DailyPnL / s.Balance
}

// WeeklyLossFraction returns this week's loss as a positive fraction of
// balance, 0 when the week is profitable.
func (s Snapshot) WeeklyLossFraction() float64 {
	if s.WeeklyPnL >= 0 || s.Balance <= 0 {
		return 0
	}
	return -s.WeeklyPnL / s.Balance
}

// Ledger is the single-owner record of exposure: realized P&L for the
// current day and week, open marks, and correlation-group membership.
// The supervisor goroutine is the only writer; the mutex exists for
// read-only observers (health endpoint, console status).
//
// Daily and weekly P&L follow the mark-to-market rollover rule: at a
// boundary the realized total resets and open positions carry their
// full current unrealized P&L into the new period.
type Ledger struct {
	mu  sync.RWMutex
	loc *time.Location

	dayAnchor  time.Time
	weekAnchor time.Time

	dailyRealized  float64
	weeklyRealized float64

	balance     float64
	peakBalance float64

	open       map[string]*OpenEntry
	groupOpen  map[string]map[string]bool // group -> set of position ids
	strict     bool
	haltReason string
}

// NewLedger creates an empty ledger anchored at now's day and week.
func NewLedger(loc *time.Location, now time.Time) *Ledger {
	l := &Ledger{
		loc:       loc,
		open:      make(map[string]*OpenEntry),
		groupOpen: make(map[string]map[string]bool),
	}
	local := now.In(loc)
	l.dayAnchor = dayStart(local)
	l.weekAnchor = weekStart(local)
	return l
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// weekStart returns Monday 00:00 of t's week.
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return d.AddDate(0, 0, -(weekday - 1))
}

// rollBoundaries resets period totals when now has crossed a day or
// week boundary. Caller holds the write lock.
func (l *Ledger) rollBoundaries(now time.Time) {
	local := now.In(l.loc)

	if day := dayStart(local); day.After(l.dayAnchor) {
		l.dayAnchor = day
		l.dailyRealized = 0
		l.strict = false
	}
	if week := weekStart(local); week.After(l.weekAnchor) {
		l.weekAnchor = week
		l.weeklyRealized = 0
	}
}

// Roll advances period boundaries against the cycle clock. The
// supervisor calls this once per cycle before taking the snapshot.
func (l *Ledger) Roll(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollBoundaries(now)
}

// UpdateBalance records the latest account balance and maintains the
// peak used for drawdown alerts.
func (l *Ledger) UpdateBalance(balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = balance
	if balance > l.peakBalance {
		l.peakBalance = balance
	}
}

// UpdateMark stores a position's latest unrealized P&L.
func (l *Ledger) UpdateMark(id string, unrealized float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.open[id]; ok {
		e.Unrealized = unrealized
	}
}

// Snapshot returns a consistent view for admission decisions.
func (l *Ledger) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollBoundaries(now)

	var openPnL float64
	for _, e := range l.open {
		openPnL += e.Unrealized
	}

	groupCounts := make(map[string]int, len(l.groupOpen))
	for group, ids := range l.groupOpen {
		groupCounts[group] = len(ids)
	}

	return Snapshot{
		At:          now,
		Balance:     l.balance,
		PeakBalance: l.peakBalance,
		DailyPnL:    l.dailyRealized + openPnL,
		WeeklyPnL:   l.weeklyRealized + openPnL,
		OpenCount:   len(l.open),
		GroupCounts: groupCounts,
		Strict:      l.strict,
		Halted:      l.haltReason != "",
		HaltReason:  l.haltReason,
	}
}

// Reserve claims an open-position slot for an admitted signal before
// the order reaches the broker. It re-checks the count and group caps
// under the lock so that two same-cycle admissions can never both take
// the last slot of a group. Release undoes a reservation whose order
// failed; Confirm finalizes it with the broker ticket.
func (l *Ledger) Reserve(id, symbol string, groups []string, maxOpen, maxPerGroup int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.haltReason != "" {
		return boterrors.NewLedgerError("ledger", "reserve", "admission halted: "+l.haltReason)
	}
	if len(l.open) >= maxOpen {
		return boterrors.NewAdmissionError("ledger", "reserve", "maximum open positions reached")
	}
	for _, g := range groups {
		if len(l.groupOpen[g]) >= maxPerGroup {
			return boterrors.NewAdmissionError("ledger", "reserve",
				fmt.Sprintf("correlation limit reached for group %s", g))
		}
	}

	l.open[id] = &OpenEntry{ID: id, Symbol: symbol, Groups: groups, Reserved: true}
	for _, g := range groups {
		if l.groupOpen[g] == nil {
			l.groupOpen[g] = make(map[string]bool)
		}
		l.groupOpen[g][id] = true
	}
	return nil
}

// Confirm attaches the broker ticket to a reserved slot.
func (l *Ledger) Confirm(id string, ticket int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.open[id]; ok {
		e.Ticket = ticket
		e.Reserved = false
	}
}

// Release removes a reservation whose order was never filled.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remove(id)
}

// Adopt registers a broker-reported position that the engine did not
// place this run (restart reconciliation). Caps are not enforced; the
// broker's book is the truth.
func (l *Ledger) Adopt(id string, ticket int64, symbol string, groups []string, unrealized float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[id] = &OpenEntry{ID: id, Ticket: ticket, Symbol: symbol, Groups: groups, Unrealized: unrealized}
	for _, g := range groups {
		if l.groupOpen[g] == nil {
			l.groupOpen[g] = make(map[string]bool)
		}
		l.groupOpen[g][id] = true
	}
}

// RealizePartial books the realized P&L of a partial close into the
// period totals. The position stays open with its remaining volume.
func (l *Ledger) RealizePartial(id string, realized float64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollBoundaries(now)
	l.dailyRealized += realized
	l.weeklyRealized += realized
}

// Close commits a position's final realized P&L and frees its slots.
func (l *Ledger) Close(id string, realized float64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollBoundaries(now)
	l.dailyRealized += realized
	l.weeklyRealized += realized
	l.remove(id)
}

// remove drops a position from the open and group sets. Caller holds
// the write lock.
func (l *Ledger) remove(id string) {
	e, ok := l.open[id]
	if !ok {
		return
	}
	delete(l.open, id)
	for _, g := range e.Groups {
		delete(l.groupOpen[g], id)
		if len(l.groupOpen[g]) == 0 {
			delete(l.groupOpen, g)
		}
	}
}

// Open returns the ledger entries, for reconciliation and status.
func (l *Ledger) Open() []OpenEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]OpenEntry, 0, len(l.open))
	for _, e := range l.open {
		out = append(out, *e)
	}
	return out
}

// SetStrict raises the confidence floor for the rest of the day.
func (l *Ledger) SetStrict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strict = true
}

// Halt disables new-trade admission until Resume. Open positions stay
// under broker-native protection.
func (l *Ledger) Halt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.haltReason = reason
}

// Resume re-enables admission after reconciliation.
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.haltReason = ""
}

// Validate self-checks ledger invariants and reports the first
// inconsistency found.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for group, ids := range l.groupOpen {
		for id := range ids {
			if _, ok := l.open[id]; !ok {
				return boterrors.NewLedgerError("ledger", "validate",
					fmt.Sprintf("group %s references unknown position %s", group, id))
			}
		}
	}
	for id, e := range l.open {
		for _, g := range e.Groups {
			if !l.groupOpen[g][id] {
				return boterrors.NewLedgerError("ledger", "validate",
					fmt.Sprintf("position %s missing from group %s", id, g))
			}
		}
	}
	return nil
}

// PersistedState is the durable slice of the ledger, saved after every
// mutating cycle so loss caps remain correct across restarts.
type PersistedState struct {
	DayAnchor      time.Time `json:"day_anchor"`
	WeekAnchor     time.Time `json:"week_anchor"`
	DailyRealized  float64   `json:"daily_realized"`
	WeeklyRealized float64   `json:"weekly_realized"`
	PeakBalance    float64   `json:"peak_balance"`
	Strict         bool      `json:"strict"`
	HaltReason     string    `json:"halt_reason,omitempty"`
}

// Export captures the durable ledger state.
func (l *Ledger) Export() PersistedState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return PersistedState{
		DayAnchor:      l.dayAnchor,
		WeekAnchor:     l.weekAnchor,
		DailyRealized:  l.dailyRealized,
		WeeklyRealized: l.weeklyRealized,
		PeakBalance:    l.peakBalance,
		Strict:         l.strict,
		HaltReason:     l.haltReason,
	}
}

// Restore loads durable state saved by a previous run. Anchors older
// than the current period are discarded by the usual boundary roll.
func (l *Ledger) Restore(s PersistedState, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !s.DayAnchor.IsZero() {
		l.dayAnchor = s.DayAnchor.In(l.loc)
		l.dailyRealized = s.DailyRealized
	}
	if !s.WeekAnchor.IsZero() {
		l.weekAnchor = s.WeekAnchor.In(l.loc)
		l.weeklyRealized = s.WeeklyRealized
	}
	l.peakBalance = s.PeakBalance
	l.strict = s.Strict
	l.haltReason = s.HaltReason
	l.rollBoundaries(now)
}
