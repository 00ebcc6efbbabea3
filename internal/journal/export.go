package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	tradesSheet  = "Trades"

	timeLayout = "2006-01-02 15:04:05"
)

var csvHeader = []string{
	"ticket", "symbol", "direction", "volume", "entry_price", "exit_price",
	"stop_loss", "pnl", "r_multiple", "confidence", "close_reason",
	"opened_at", "closed_at",
}

// WriteCSV writes records to a CSV file, oldest closure first.
func WriteCSV(path string, records []TradeRecord) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("journal: export csv: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("journal: export csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("journal: export csv: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.Ticket, 10),
			rec.Symbol,
			rec.Direction,
			strconv.FormatFloat(rec.Volume, 'f', 2, 64),
			strconv.FormatFloat(rec.EntryPrice, 'f', -1, 64),
			strconv.FormatFloat(rec.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(rec.StopLoss, 'f', -1, 64),
			strconv.FormatFloat(rec.PnL, 'f', 2, 64),
			strconv.FormatFloat(rec.RMultiple, 'f', 2, 64),
			strconv.Itoa(rec.Confidence),
			rec.CloseReason,
			rec.OpenedAt.UTC().Format(time.RFC3339),
			rec.ClosedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("journal: export csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("journal: export csv: %w", err)
	}
	return nil
}

// WriteXLSX writes a styled workbook: a Summary sheet with aggregate
// performance numbers and a Trades sheet with one row per closure.
func WriteXLSX(path string, records []TradeRecord) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("journal: export xlsx: %w", err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	fx.NewSheet(tradesSheet)

	headerStyle, currencyStyle, err := exportStyles(fx)
	if err != nil {
		return fmt.Errorf("journal: export xlsx: %w", err)
	}

	writeSummarySheet(fx, Summarize(records), headerStyle, currencyStyle)
	writeTradesSheet(fx, records, headerStyle, currencyStyle)

	if err := fx.SaveAs(path); err != nil {
		return fmt.Errorf("journal: export xlsx: %w", err)
	}
	return nil
}

func exportStyles(fx *excelize.File) (header, currency int, err error) {
	header, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:  true,
			Size:  11,
			Color: "FFFFFF",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return 0, 0, err
	}

	currency, err = fx.NewStyle(&excelize.Style{
		NumFmt: 7, // currency with $ symbol
		Alignment: &excelize.Alignment{
			Horizontal: "right",
		},
	})
	if err != nil {
		return 0, 0, err
	}
	return header, currency, nil
}

func writeSummarySheet(fx *excelize.File, s Summary, headerStyle, currencyStyle int) {
	fx.SetColWidth(summarySheet, "A", "A", 22)
	fx.SetColWidth(summarySheet, "B", "B", 16)

	fx.SetCellValue(summarySheet, "A1", "Metric")
	fx.SetCellValue(summarySheet, "B1", "Value")
	fx.SetCellStyle(summarySheet, "A1", "B1", headerStyle)

	rows := []struct {
		label    string
		value    interface{}
		currency bool
	}{
		{"Generated", time.Now().UTC().Format(timeLayout), false},
		{"Total Trades", s.Trades, false},
		{"Wins", s.Wins, false},
		{"Losses", s.Losses, false},
		{"Win Rate %", round2(s.WinRate), false},
		{"Net P&L", s.NetPnL, true},
		{"Gross Profit", s.GrossProfit, true},
		{"Gross Loss", s.GrossLoss, true},
		{"Profit Factor", round2(s.ProfitFactor), false},
		{"Avg R-Multiple", round2(s.AvgRMultiple), false},
		{"Best Trade", s.BestTrade, true},
		{"Worst Trade", s.WorstTrade, true},
	}
	for i, row := range rows {
		fx.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+2), row.label)
		cell := fmt.Sprintf("B%d", i+2)
		fx.SetCellValue(summarySheet, cell, row.value)
		if row.currency {
			fx.SetCellStyle(summarySheet, cell, cell, currencyStyle)
		}
	}
}

func writeTradesSheet(fx *excelize.File, records []TradeRecord, headerStyle, currencyStyle int) {
	fx.SetColWidth(tradesSheet, "A", "A", 10) // Ticket
	fx.SetColWidth(tradesSheet, "B", "C", 9)  // Symbol, Direction
	fx.SetColWidth(tradesSheet, "D", "G", 11) // Volume .. Stop
	fx.SetColWidth(tradesSheet, "H", "I", 11) // PnL, R
	fx.SetColWidth(tradesSheet, "J", "J", 11) // Confidence
	fx.SetColWidth(tradesSheet, "K", "K", 24) // Reason
	fx.SetColWidth(tradesSheet, "L", "M", 19) // Timestamps

	headers := []string{
		"Ticket", "Symbol", "Direction", "Volume", "Entry", "Exit",
		"Initial SL", "P&L", "R-Multiple", "Confidence", "Close Reason",
		"Opened At", "Closed At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(tradesSheet, cell, h)
		fx.SetCellStyle(tradesSheet, cell, cell, headerStyle)
	}

	for r, rec := range records {
		values := []interface{}{
			rec.Ticket,
			rec.Symbol,
			rec.Direction,
			rec.Volume,
			rec.EntryPrice,
			rec.ExitPrice,
			rec.StopLoss,
			rec.PnL,
			round2(rec.RMultiple),
			rec.Confidence,
			rec.CloseReason,
			rec.OpenedAt.UTC().Format(timeLayout),
			rec.ClosedAt.UTC().Format(timeLayout),
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			fx.SetCellValue(tradesSheet, cell, v)
		}
		pnlCell, _ := excelize.CoordinatesToCellName(8, r+2)
		fx.SetCellStyle(tradesSheet, pnlCell, pnlCell, currencyStyle)
	}
}

// WriteConsole renders the journal to w as rounded tables, newest
// closure last so the bottom of the terminal shows the latest trades.
func WriteConsole(w io.Writer, records []TradeRecord) {
	s := Summarize(records)

	st := table.NewWriter()
	st.SetOutputMirror(w)
	st.SetTitle("TRADE JOURNAL")
	st.SetStyle(table.StyleRounded)
	st.AppendRows([]table.Row{
		{"📊 Trades", s.Trades},
		{"✅ Wins", s.Wins},
		{"❌ Losses", s.Losses},
		{"🎯 Win Rate", fmt.Sprintf("%.1f%%", s.WinRate)},
	})
	st.AppendSeparator()
	st.AppendRows([]table.Row{
		{"💰 Net P&L", fmt.Sprintf("$%.2f", s.NetPnL)},
		{"📈 Profit Factor", fmt.Sprintf("%.2f", s.ProfitFactor)},
		{"📐 Avg R-Multiple", fmt.Sprintf("%.2f", s.AvgRMultiple)},
		{"🏆 Best / Worst", fmt.Sprintf("$%.2f / $%.2f", s.BestTrade, s.WorstTrade)},
	})
	st.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 16, Align: text.AlignLeft},
	})
	st.Render()
	fmt.Fprintln(w)

	if len(records) == 0 {
		return
	}

	tt := table.NewWriter()
	tt.SetOutputMirror(w)
	tt.SetStyle(table.StyleRounded)
	tt.AppendHeader(table.Row{
		"Closed", "Symbol", "Dir", "Lots", "Entry", "Exit", "P&L", "R", "Reason",
	})
	for _, rec := range records {
		tt.AppendRow(table.Row{
			rec.ClosedAt.UTC().Format(timeLayout),
			rec.Symbol,
			rec.Direction,
			fmt.Sprintf("%.2f", rec.Volume),
			fmt.Sprintf("%.5f", rec.EntryPrice),
			fmt.Sprintf("%.5f", rec.ExitPrice),
			fmt.Sprintf("%.2f", rec.PnL),
			fmt.Sprintf("%.2f", rec.RMultiple),
			rec.CloseReason,
		})
	}
	tt.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	tt.Render()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
