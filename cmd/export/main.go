package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/journal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
)

func main() {
	var (
		dbPath = flag.String("journal", "data/journal.db", "Path to the trade journal database")
		format = flag.String("format", "console", "Output format: console, csv or xlsx")
		out    = flag.String("out", "", "Output file (required for csv and xlsx)")
		symbol = flag.String("symbol", "", "Only export trades for one symbol")
		last   = flag.Int("last", 0, "Only export the most recent N trades")
	)
	flag.Parse()

	j, err := journal.Open(*dbPath, logger.Nop())
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	var records []journal.TradeRecord
	switch {
	case *symbol != "":
		records, err = j.BySymbol(ctx, strings.ToUpper(*symbol))
	case *last > 0:
		records, err = j.Recent(ctx, *last)
	default:
		records, err = j.List(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to read journal: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("No closed trades recorded yet.")
		return
	}

	switch strings.ToLower(*format) {
	case "console":
		journal.WriteConsole(os.Stdout, records)
	case "csv":
		requireOut(*out)
		if err := journal.WriteCSV(*out, records); err != nil {
			log.Fatalf("Failed to write CSV: %v", err)
		}
		fmt.Printf("Wrote %d trades to %s\n", len(records), *out)
	case "xlsx":
		requireOut(*out)
		if err := journal.WriteXLSX(*out, records); err != nil {
			log.Fatalf("Failed to write XLSX: %v", err)
		}
		fmt.Printf("Wrote %d trades to %s\n", len(records), *out)
	default:
		log.Fatalf("Unknown format %q (supported: console, csv, xlsx)", *format)
	}
}

func requireOut(out string) {
	if out == "" {
		log.Fatal("Please specify an output file with -out flag")
	}
}
