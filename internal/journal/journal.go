// Package journal persists every confirmed closure, full or partial,
// to an embedded SQLite database so trading history survives restarts
// and can be exported for review.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/position"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/id"
)

const opTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	ticket       INTEGER NOT NULL,
	symbol       TEXT    NOT NULL,
	direction    TEXT    NOT NULL,
	volume       REAL    NOT NULL,
	entry_price  REAL    NOT NULL,
	exit_price   REAL    NOT NULL,
	stop_loss    REAL    NOT NULL,
	pnl          REAL    NOT NULL,
	r_multiple   REAL    NOT NULL,
	confidence   INTEGER NOT NULL,
	close_reason TEXT    NOT NULL,
	opened_at    TIMESTAMP NOT NULL,
	closed_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
`

const insertTrade = `
INSERT INTO trades
	(id, ticket, symbol, direction, volume, entry_price, exit_price,
	 stop_loss, pnl, r_multiple, confidence, close_reason, opened_at, closed_at)
VALUES
	(:id, :ticket, :symbol, :direction, :volume, :entry_price, :exit_price,
	 :stop_loss, :pnl, :r_multiple, :confidence, :close_reason, :opened_at, :closed_at)`

// TradeRecord is one journal row: a closed slice of a position. A
// position that scales out over three rungs leaves three rows sharing
// a ticket.
type TradeRecord struct {
	ID          string    `db:"id"`
	Ticket      int64     `db:"ticket"`
	Symbol      string    `db:"symbol"`
	Direction   string    `db:"direction"`
	Volume      float64   `db:"volume"`
	EntryPrice  float64   `db:"entry_price"`
	ExitPrice   float64   `db:"exit_price"`
	StopLoss    float64   `db:"stop_loss"`
	PnL         float64   `db:"pnl"`
	RMultiple   float64   `db:"r_multiple"`
	Confidence  int       `db:"confidence"`
	CloseReason string    `db:"close_reason"`
	OpenedAt    time.Time `db:"opened_at"`
	ClosedAt    time.Time `db:"closed_at"`
}

// FromClose builds the journal row for a confirmed closure. StopLoss
// records the stop at entry, not the trailed stop, so the R-multiple
// stays comparable across the position's lifetime.
func FromClose(p *position.Position, closedVolume, exitPrice, pnl float64, reason string, closedAt time.Time) TradeRecord {
	return TradeRecord{
		ID:          id.New(),
		Ticket:      p.Ticket,
		Symbol:      p.Symbol,
		Direction:   string(p.Direction),
		Volume:      closedVolume,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		StopLoss:    p.InitialStop,
		PnL:         pnl,
		RMultiple:   p.RMultiple(exitPrice),
		Confidence:  p.Confidence,
		CloseReason: reason,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    closedAt,
	}
}

// Journal is the SQLite-backed trade store.
type Journal struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open creates the database file (and its directory) if needed and
// ensures the schema exists.
func Open(path string, log *logger.Logger) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, boterrors.WrapError(err, boterrors.ErrorCategoryConfiguration, "journal", "open")
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, boterrors.WrapError(err, boterrors.ErrorCategoryConfiguration, "journal", "open")
	}
	// sqlite allows a single writer; one pooled connection avoids
	// SQLITE_BUSY between the trading loop and exports.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, boterrors.WrapError(err, boterrors.ErrorCategoryConfiguration, "journal", "migrate")
	}

	return &Journal{db: db, log: log.Component("journal")}, nil
}

// Record inserts one closure row. Failures are reported to the caller
// but never affect the trade itself, which is already closed at the
// broker by the time this runs.
func (j *Journal) Record(ctx context.Context, rec TradeRecord) error {
	if rec.ID == "" {
		rec.ID = id.New()
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := j.db.NamedExecContext(ctx, insertTrade, rec); err != nil {
		return fmt.Errorf("journal: record ticket #%d: %w", rec.Ticket, err)
	}
	j.log.Debug("Journaled %s %s %.2f lots, pnl %.2f (%s)",
		rec.Symbol, rec.Direction, rec.Volume, rec.PnL, rec.CloseReason)
	return nil
}

// List returns every journal row in closing order, oldest first.
func (j *Journal) List(ctx context.Context) ([]TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var records []TradeRecord
	err := j.db.SelectContext(ctx, &records,
		`SELECT * FROM trades ORDER BY closed_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("journal: list trades: %w", err)
	}
	return records, nil
}

// Recent returns the last n closures, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var records []TradeRecord
	err := j.db.SelectContext(ctx, &records,
		`SELECT * FROM trades ORDER BY closed_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent trades: %w", err)
	}
	return records, nil
}

// BySymbol returns every closure for one symbol, oldest first.
func (j *Journal) BySymbol(ctx context.Context, symbol string) ([]TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var records []TradeRecord
	err := j.db.SelectContext(ctx, &records,
		`SELECT * FROM trades WHERE symbol = ? ORDER BY closed_at ASC, id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("journal: trades for %s: %w", symbol, err)
	}
	return records, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Summary aggregates journal rows into the numbers operators actually
// look at.
type Summary struct {
	Trades       int
	Wins         int
	Losses       int
	NetPnL       float64
	GrossProfit  float64
	GrossLoss    float64
	BestTrade    float64
	WorstTrade   float64
	AvgRMultiple float64
	WinRate      float64
	ProfitFactor float64
}

// Summarize folds records into a Summary. Break-even rows count as
// neither win nor loss.
func Summarize(records []TradeRecord) Summary {
	var s Summary
	s.Trades = len(records)
	if s.Trades == 0 {
		return s
	}

	var rSum float64
	s.BestTrade = records[0].PnL
	s.WorstTrade = records[0].PnL
	for _, rec := range records {
		s.NetPnL += rec.PnL
		rSum += rec.RMultiple
		switch {
		case rec.PnL > 0:
			s.Wins++
			s.GrossProfit += rec.PnL
		case rec.PnL < 0:
			s.Losses++
			s.GrossLoss += -rec.PnL
		}
		if rec.PnL > s.BestTrade {
			s.BestTrade = rec.PnL
		}
		if rec.PnL < s.WorstTrade {
			s.WorstTrade = rec.PnL
		}
	}

	s.AvgRMultiple = rSum / float64(s.Trades)
	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided) * 100
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	} else if s.GrossProfit > 0 {
		s.ProfitFactor = s.GrossProfit
	}
	return s
}
