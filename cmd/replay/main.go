package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker/paper"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/journal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/notify"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/signal"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/supervisor"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// replayStart is a Monday morning so day and week boundaries behave
// like a fresh trading week.
var replayStart = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// scenario drives one deterministic run: each step sets quotes, queues
// signals and runs a single supervisor cycle.
type scenario struct {
	Specs []scenarioSpec `json:"specs,omitempty"`
	Steps []step         `json:"steps"`
}

type step struct {
	Quotes  []scenarioQuote  `json:"quotes"`
	Signals []scenarioSignal `json:"signals,omitempty"`
}

type scenarioQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask,omitempty"`
}

type scenarioSignal struct {
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	Confidence  int     `json:"confidence"`
	Entry       float64 `json:"entry"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit1 float64 `json:"take_profit_1"`
	TakeProfit2 float64 `json:"take_profit_2"`
	TakeProfit3 float64 `json:"take_profit_3"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

type scenarioSpec struct {
	Symbol       string  `json:"symbol"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	ContractSize float64 `json:"contract_size"`
	UnitValue    float64 `json:"unit_value"`
}

func main() {
	var (
		configFile   = flag.String("config", "", "Engine configuration file")
		scenarioFile = flag.String("scenario", "", "Replay scenario file (quotes and signals per cycle)")
		journalPath  = flag.String("journal", "", "Optional journal database to record closes into")
		balance      = flag.Float64("balance", 0, "Override the paper account starting balance")
		debug        = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *configFile == "" || *scenarioFile == "" {
		log.Fatal("Please specify -config and -scenario files")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Replays always run against the simulated broker.
	cfg.Broker = config.BrokerConfig{Name: "paper"}
	if *debug {
		cfg.Bot.Debug = true
	}

	sc, err := loadScenario(*scenarioFile)
	if err != nil {
		log.Fatalf("Failed to load scenario: %v", err)
	}

	loc, err := time.LoadLocation(cfg.Bot.Timezone)
	if err != nil {
		log.Fatalf("Invalid timezone %q: %v", cfg.Bot.Timezone, err)
	}

	appLog, err := logger.New("replay", cfg.Bot.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	pb := paper.New(appLog)
	if *balance > 0 {
		pb.SetBalance(*balance)
	}

	specs := scenarioSpecs(sc)
	for _, spec := range specs {
		pb.SetSpec(spec)
	}

	scripted := signal.NewScripted()
	dispatcher := notify.NewDispatcher(notify.Discard{}, 0, appLog)
	defer dispatcher.Close()

	policy, err := risk.NewPolicy(cfg.Risk)
	if err != nil {
		log.Fatalf("Invalid risk configuration: %v", err)
	}

	current := replayStart.In(loc)
	deps := supervisor.Deps{
		Config:  cfg,
		Log:     appLog,
		Broker:  pb,
		Signals: scripted,
		Policy:  policy,
		Notify:  dispatcher,
		Clock:   func() time.Time { return current },
	}

	var j *journal.Journal
	if *journalPath != "" {
		j, err = journal.Open(*journalPath, appLog)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer j.Close()
		deps.Journal = j
	}

	sup, err := supervisor.New(deps)
	if err != nil {
		log.Fatalf("Failed to build supervisor: %v", err)
	}

	interval := time.Duration(cfg.Bot.CheckIntervalSec) * time.Second
	ctx := context.Background()

	fmt.Printf("▶️  Replaying %d cycles from %s\n\n", len(sc.Steps), *scenarioFile)

	for _, st := range sc.Steps {
		for _, q := range st.Quotes {
			pb.SetQuote(q.toQuote(specs, current))
		}
		for _, sg := range st.Signals {
			scripted.Push(sg.toSignal(current))
		}
		sup.RunCycle(ctx)
		current = current.Add(interval)
	}

	printReport(ctx, pb, j)
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %s has no steps", path)
	}
	return &sc, nil
}

// scenarioSpecs maps every symbol the scenario touches to a spec,
// falling back to a standard 5-digit forex contract.
func scenarioSpecs(sc *scenario) map[string]types.SymbolSpec {
	specs := make(map[string]types.SymbolSpec)
	for _, s := range sc.Specs {
		specs[s.Symbol] = s.toSpec()
	}
	for _, st := range sc.Steps {
		for _, q := range st.Quotes {
			if _, ok := specs[q.Symbol]; !ok {
				specs[q.Symbol] = defaultSpec(q.Symbol)
			}
		}
	}
	return specs
}

func defaultSpec(symbol string) types.SymbolSpec {
	return types.SymbolSpec{
		Symbol:       symbol,
		Digits:       5,
		Point:        0.00001,
		VolumeMin:    0.01,
		VolumeMax:    100,
		VolumeStep:   0.01,
		ContractSize: 100000,
		UnitValue:    100000,
	}
}

func (s scenarioSpec) toSpec() types.SymbolSpec {
	return types.SymbolSpec{
		Symbol:       s.Symbol,
		Digits:       s.Digits,
		Point:        s.Point,
		VolumeMin:    s.VolumeMin,
		VolumeMax:    s.VolumeMax,
		VolumeStep:   s.VolumeStep,
		ContractSize: s.ContractSize,
		UnitValue:    s.UnitValue,
	}
}

func (q scenarioQuote) toQuote(specs map[string]types.SymbolSpec, at time.Time) types.Quote {
	ask := q.Ask
	if ask <= 0 {
		point := specs[q.Symbol].Point
		if point <= 0 {
			point = 0.00001
		}
		ask = q.Bid + 2*point
	}
	return types.Quote{Symbol: q.Symbol, Bid: q.Bid, Ask: ask, Time: at}
}

func (s scenarioSignal) toSignal(at time.Time) types.Signal {
	return types.Signal{
		Symbol:      s.Symbol,
		Direction:   parseDirection(s.Direction),
		Confidence:  s.Confidence,
		Entry:       s.Entry,
		StopLoss:    s.StopLoss,
		TakeProfit1: s.TakeProfit1,
		TakeProfit2: s.TakeProfit2,
		TakeProfit3: s.TakeProfit3,
		Reasoning:   s.Reasoning,
		IssuedAt:    at,
	}
}

func parseDirection(raw string) types.Direction {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return types.DirectionLong
	case "SHORT", "SELL":
		return types.DirectionShort
	default:
		return types.DirectionNone
	}
}

func printReport(ctx context.Context, pb *paper.Broker, j *journal.Journal) {
	if j != nil {
		records, err := j.List(ctx)
		if err != nil {
			log.Printf("Failed to read journal: %v", err)
		} else if len(records) > 0 {
			journal.WriteConsole(os.Stdout, records)
			fmt.Println()
		}
	}

	trades := pb.ClosedTrades()
	if j == nil && len(trades) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetTitle("BROKER FILLS")
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Time", "Symbol", "Lots", "Price", "P&L", "Reason"})
		for _, tr := range trades {
			t.AppendRow(table.Row{
				tr.At.UTC().Format("2006-01-02 15:04"),
				tr.Symbol,
				fmt.Sprintf("%.2f", tr.Volume),
				fmt.Sprintf("%.5f", tr.Price),
				fmt.Sprintf("%.2f", tr.Profit),
				tr.Reason,
			})
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
			{Number: 5, Align: text.AlignRight},
		})
		t.Render()
		fmt.Println()
	}

	account, err := pb.Account(ctx)
	if err != nil {
		return
	}
	open, _ := pb.Positions(ctx)
	var net float64
	for _, tr := range trades {
		net += tr.Profit
	}
	fmt.Printf("Final balance: $%.2f | equity: $%.2f | realized: $%.2f | open positions: %d\n",
		account.Balance, account.Equity, net, len(open))
}
