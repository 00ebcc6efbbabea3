// Package state persists the engine's recoverable state between runs:
// the exposure ledger's period totals and every position the lifecycle
// manager owns. On startup the saved snapshot is reconciled against the
// broker's live positions, which remain the source of truth.
package state

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/position"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// SchemaVersion guards against loading snapshots written by an
// incompatible build; a mismatch falls back to a clean state.
const SchemaVersion = 1

// EngineState is the complete recoverable state of one engine run.
type EngineState struct {
	Version   int                 `json:"version"`
	SavedAt   time.Time           `json:"saved_at"`
	LastCycle time.Time           `json:"last_cycle"`
	Ledger    risk.PersistedState `json:"ledger"`
	Positions []PositionState     `json:"positions"`
}

// PositionState is the durable slice of a lifecycle position.
type PositionState struct {
	ID         string `json:"id"`
	Ticket     int64  `json:"ticket"`
	Symbol     string `json:"symbol"`
	Direction  string `json:"direction"`
	Confidence int    `json:"confidence"`

	OpenedAt    time.Time `json:"opened_at"`
	EntryPrice  float64   `json:"entry_price"`
	InitialStop float64   `json:"initial_stop"`
	StopLoss    float64   `json:"stop_loss"`

	TakeProfits [3]float64 `json:"take_profits"`
	Allocations [3]float64 `json:"allocations"`
	FilledRungs [3]bool    `json:"filled_rungs"`

	InitialVolume float64 `json:"initial_volume"`
	Volume        float64 `json:"volume"`
	RealizedPnL   float64 `json:"realized_pnl"`

	Groups []string `json:"groups,omitempty"`

	Phase        string `json:"phase"`
	BreakevenSet bool   `json:"breakeven_set"`
	TrailingOn   bool   `json:"trailing_on"`

	RejectedModifyCycles int  `json:"rejected_modify_cycles"`
	Escalated            bool `json:"escalated"`
}

// FromPosition captures a lifecycle position for persistence.
func FromPosition(p *position.Position) PositionState {
	return PositionState{
		ID:                   p.ID,
		Ticket:               p.Ticket,
		Symbol:               p.Symbol,
		Direction:            string(p.Direction),
		Confidence:           p.Confidence,
		OpenedAt:             p.OpenedAt,
		EntryPrice:           p.EntryPrice,
		InitialStop:          p.InitialStop,
		StopLoss:             p.StopLoss,
		TakeProfits:          p.TakeProfits,
		Allocations:          p.Allocations,
		FilledRungs:          p.FilledRungs,
		InitialVolume:        p.InitialVolume,
		Volume:               p.Volume,
		RealizedPnL:          p.RealizedPnL,
		Groups:               append([]string(nil), p.Groups...),
		Phase:                string(p.Phase),
		BreakevenSet:         p.BreakevenSet,
		TrailingOn:           p.TrailingOn,
		RejectedModifyCycles: p.RejectedModifyCycles,
		Escalated:            p.Escalated,
	}
}

// Position rebuilds the lifecycle position this state was captured
// from.
func (ps PositionState) Position() *position.Position {
	return &position.Position{
		ID:                   ps.ID,
		Ticket:               ps.Ticket,
		Symbol:               ps.Symbol,
		Direction:            types.Direction(ps.Direction),
		Confidence:           ps.Confidence,
		OpenedAt:             ps.OpenedAt,
		EntryPrice:           ps.EntryPrice,
		InitialStop:          ps.InitialStop,
		StopLoss:             ps.StopLoss,
		TakeProfits:          ps.TakeProfits,
		Allocations:          ps.Allocations,
		FilledRungs:          ps.FilledRungs,
		InitialVolume:        ps.InitialVolume,
		Volume:               ps.Volume,
		RealizedPnL:          ps.RealizedPnL,
		Groups:               append([]string(nil), ps.Groups...),
		Phase:                position.Phase(ps.Phase),
		BreakevenSet:         ps.BreakevenSet,
		TrailingOn:           ps.TrailingOn,
		RejectedModifyCycles: ps.RejectedModifyCycles,
		Escalated:            ps.Escalated,
	}
}

// Store reads and writes the snapshot file with an atomic
// temp-and-rename and a backup copy of the previous snapshot.
type Store struct {
	log  *logger.Logger
	path string
	mu   sync.Mutex
}

func NewStore(path string, log *logger.Logger) *Store {
	return &Store{log: log.Component("state"), path: path}
}

func (s *Store) backupPath() string {
	return s.path + ".backup"
}

// Load returns the saved snapshot, or nil when none exists. A corrupt
// or incompatible primary file falls back to the backup; when both are
// unusable the engine starts clean rather than refusing to run.
func (s *Store) Load() (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.log.Info("No existing state file found, starting with clean state")
		return nil, nil
	}

	st, err := s.readFile(s.path)
	if err != nil {
		s.log.Warning("State file unusable (%v), trying backup", err)
		st, err = s.readFile(s.backupPath())
		if err != nil {
			s.log.Warning("Backup state unusable (%v), starting with clean state", err)
			return nil, nil
		}
		s.log.Info("State restored from backup copy")
	}
	return st, nil
}

func (s *Store) readFile(path string) (*EngineState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st EngineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if err := validate(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Save writes the snapshot atomically, keeping the previous snapshot
// as a backup copy.
func (s *Store) Save(st *EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Version = SchemaVersion
	st.SavedAt = time.Now()

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			s.log.Warning("Failed to create state backup: %v", err)
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("move state file: %w", err)
	}

	s.log.Debug("State saved to %s (%d positions)", s.path, len(st.Positions))
	return nil
}

func validate(st *EngineState) error {
	if st.Version != SchemaVersion {
		return fmt.Errorf("state schema version %d, want %d", st.Version, SchemaVersion)
	}
	seen := make(map[int64]bool, len(st.Positions))
	for _, ps := range st.Positions {
		if ps.Volume < 0 || ps.InitialVolume < 0 {
			return fmt.Errorf("position #%d has negative volume", ps.Ticket)
		}
		if ps.Ticket != 0 && seen[ps.Ticket] {
			return fmt.Errorf("duplicate ticket #%d", ps.Ticket)
		}
		seen[ps.Ticket] = true
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// ReconcileResult partitions the saved positions against the broker's
// live ones. The broker is the source of truth for existence; the
// snapshot contributes lifecycle progress the broker cannot know.
type ReconcileResult struct {
	// Restored positions matched a live ticket: saved ladder and
	// phase, refreshed with the broker's volume and stop.
	Restored []*position.Position
	// Adopted positions exist only at the broker.
	Adopted []types.PositionSnapshot
	// Vanished positions exist only in the snapshot and are treated
	// as closed while the engine was down.
	Vanished []PositionState
}

// Reconcile matches saved positions to live broker positions by
// ticket.
func Reconcile(saved []PositionState, live []types.PositionSnapshot) ReconcileResult {
	var res ReconcileResult

	liveByTicket := make(map[int64]types.PositionSnapshot, len(live))
	for _, snap := range live {
		liveByTicket[snap.Ticket] = snap
	}

	matched := make(map[int64]bool, len(saved))
	for _, ps := range saved {
		snap, ok := liveByTicket[ps.Ticket]
		if !ok {
			res.Vanished = append(res.Vanished, ps)
			continue
		}
		matched[ps.Ticket] = true

		p := ps.Position()
		p.Volume = snap.Volume
		p.StopLoss = snap.StopLoss
		p.UnrealizedPnL = snap.Profit
		res.Restored = append(res.Restored, p)
	}

	for _, snap := range live {
		if !matched[snap.Ticket] {
			res.Adopted = append(res.Adopted, snap)
		}
	}
	return res
}
