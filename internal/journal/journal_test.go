package journal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/position"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleRecord(symbol string, pnl float64, closedAt time.Time) TradeRecord {
	return TradeRecord{
		Ticket:      42,
		Symbol:      symbol,
		Direction:   string(types.DirectionLong),
		Volume:      0.10,
		EntryPrice:  1.1000,
		ExitPrice:   1.1050,
		StopLoss:    1.0950,
		PnL:         pnl,
		RMultiple:   1.0,
		Confidence:  75,
		CloseReason: "take profit 1",
		OpenedAt:    closedAt.Add(-2 * time.Hour),
		ClosedAt:    closedAt,
	}
}

// TestJournalRecordAndList verifies that recorded closures round-trip
// through SQLite with their fields and ordering intact.
func TestJournalRecordAndList(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	first := sampleRecord("EURUSD", 50.00, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	second := sampleRecord("GBPUSD", -25.00, time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	second.Ticket = 43
	second.CloseReason = "stop loss"

	require.NoError(t, j.Record(ctx, second))
	require.NoError(t, j.Record(ctx, first))

	records, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "EURUSD", records[0].Symbol)
	assert.Equal(t, "GBPUSD", records[1].Symbol)
	assert.Equal(t, int64(42), records[0].Ticket)
	assert.Equal(t, 50.00, records[0].PnL)
	assert.Equal(t, 1.0950, records[0].StopLoss)
	assert.Equal(t, 75, records[0].Confidence)
	assert.Equal(t, "stop loss", records[1].CloseReason)
	assert.True(t, records[0].ClosedAt.Equal(first.ClosedAt))
	assert.NotEmpty(t, records[0].ID)
	assert.NotEqual(t, records[0].ID, records[1].ID)
}

// TestJournalRecentAndBySymbol verifies the newest-first limit query
// and the per-symbol filter.
func TestJournalRecentAndBySymbol(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i, sym := range []string{"EURUSD", "XAUUSD", "EURUSD"} {
		rec := sampleRecord(sym, float64(10*(i+1)), base.Add(time.Duration(i)*time.Hour))
		rec.Ticket = int64(100 + i)
		require.NoError(t, j.Record(ctx, rec))
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(102), recent[0].Ticket)
	assert.Equal(t, int64(101), recent[1].Ticket)

	eur, err := j.BySymbol(ctx, "EURUSD")
	require.NoError(t, err)
	require.Len(t, eur, 2)
	assert.Equal(t, int64(100), eur[0].Ticket)
	assert.Equal(t, int64(102), eur[1].Ticket)
}

// TestFromClose verifies that the journal row keeps the entry stop for
// the R-multiple even after trailing has moved the live stop.
func TestFromClose(t *testing.T) {
	sig := types.Signal{
		Symbol:      "EURUSD",
		Direction:   types.DirectionLong,
		Confidence:  80,
		Entry:       1.1000,
		StopLoss:    1.0950,
		TakeProfit1: 1.1050,
		TakeProfit2: 1.1100,
		TakeProfit3: 1.1150,
	}
	opened := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	p := position.New("01TEST", 7, sig, 0.30, nil, []float64{0.5, 0.3, 0.2}, opened)
	p.ApplyStopModified(1.1020, position.PhaseTrailing)

	closedAt := opened.Add(3 * time.Hour)
	rec := FromClose(p, 0.15, 1.1050, 75.00, "take profit 1", closedAt)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(7), rec.Ticket)
	assert.Equal(t, "EURUSD", rec.Symbol)
	assert.Equal(t, string(types.DirectionLong), rec.Direction)
	assert.Equal(t, 0.15, rec.Volume)
	assert.Equal(t, 80, rec.Confidence)
	assert.Equal(t, 1.0950, rec.StopLoss)
	assert.InDelta(t, 1.0, rec.RMultiple, 1e-9)
	assert.Equal(t, opened, rec.OpenedAt)
	assert.Equal(t, closedAt, rec.ClosedAt)
}

// TestSummarize verifies the aggregate numbers over a mixed set of
// wins, losses and a break-even closure.
func TestSummarize(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	records := []TradeRecord{
		sampleRecord("EURUSD", 100, now),
		sampleRecord("EURUSD", -50, now),
		sampleRecord("XAUUSD", 30, now),
		sampleRecord("XAUUSD", 0, now),
	}
	records[0].RMultiple = 2.0
	records[1].RMultiple = -1.0
	records[2].RMultiple = 1.0
	records[3].RMultiple = 0

	s := Summarize(records)
	assert.Equal(t, 4, s.Trades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.Equal(t, 80.0, s.NetPnL)
	assert.Equal(t, 130.0, s.GrossProfit)
	assert.Equal(t, 50.0, s.GrossLoss)
	assert.Equal(t, 100.0, s.BestTrade)
	assert.Equal(t, -50.0, s.WorstTrade)
	assert.InDelta(t, 0.5, s.AvgRMultiple, 1e-9)
	assert.InDelta(t, 66.67, s.WinRate, 0.01)
	assert.InDelta(t, 2.6, s.ProfitFactor, 1e-9)
}

// TestSummarizeEmpty verifies that an empty journal summarizes to
// zeros instead of dividing by zero.
func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, 0, s.Trades)
	assert.Equal(t, 0.0, s.WinRate)
	assert.Equal(t, 0.0, s.ProfitFactor)
}

// TestWriteCSV verifies the CSV export carries the header and one line
// per closure.
func TestWriteCSV(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	records := []TradeRecord{
		sampleRecord("EURUSD", 50, now),
		sampleRecord("XAUUSD", -20, now.Add(time.Hour)),
	}

	path := filepath.Join(t.TempDir(), "export", "trades.csv")
	require.NoError(t, WriteCSV(path, records))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, "ticket,symbol,direction")
	assert.Contains(t, out, "EURUSD")
	assert.Contains(t, out, "XAUUSD")
	assert.Contains(t, out, "take profit 1")
	assert.Equal(t, 3, bytes.Count(raw, []byte("\n")))
}

// TestWriteXLSX verifies the workbook has both sheets and the trade
// row lands where the header says it does.
func TestWriteXLSX(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	records := []TradeRecord{sampleRecord("EURUSD", 50, now)}

	path := filepath.Join(t.TempDir(), "trades.xlsx")
	require.NoError(t, WriteXLSX(path, records))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	assert.ElementsMatch(t, []string{summarySheet, tradesSheet}, fx.GetSheetList())

	sym, err := fx.GetCellValue(tradesSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", sym)

	metric, err := fx.GetCellValue(summarySheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, "Generated", metric)
}

// TestWriteConsole verifies the console report renders the summary
// metrics and the per-trade table.
func TestWriteConsole(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	records := []TradeRecord{
		sampleRecord("EURUSD", 50, now),
		sampleRecord("XAUUSD", -20, now.Add(time.Hour)),
	}

	var buf bytes.Buffer
	WriteConsole(&buf, records)
	out := buf.String()

	assert.Contains(t, out, "TRADE JOURNAL")
	assert.Contains(t, out, "Win Rate")
	assert.Contains(t, out, "EURUSD")
	assert.Contains(t, out, "XAUUSD")
	assert.Contains(t, out, "take profit 1")
}
