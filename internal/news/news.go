// Package news blocks new admissions around high-impact economic
// events. It reads the ForexFactory weekly calendar feed, caches it
// with a TTL and answers per-symbol blackout queries. A broken feed
// never blocks trading: the gate degrades open and reports why.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/safety"
)

// currencySymbols maps an announcement currency to the symbols it can
// move. Symbols missing from every row fall back to a substring match
// on the currency code.
var currencySymbols = map[string][]string{
	"USD": {"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "USDCAD", "AUDUSD", "NZDUSD", "XAUUSD", "XTIUSD", "XBRUSD", "US30", "US500", "USTEC"},
	"EUR": {"EURUSD", "EURGBP", "EURJPY", "EURCHF", "EURAUD", "EURNZD", "EURCAD", "DE40"},
	"GBP": {"GBPUSD", "EURGBP", "GBPJPY", "GBPCHF", "GBPAUD", "GBPNZD", "GBPCAD"},
	"JPY": {"USDJPY", "EURJPY", "GBPJPY", "AUDJPY", "NZDJPY", "CADJPY", "CHFJPY", "JP225"},
	"CHF": {"USDCHF", "EURCHF", "GBPCHF", "CHFJPY"},
	"CAD": {"USDCAD", "EURCAD", "GBPCAD", "CADJPY", "AUDCAD", "NZDCAD", "XTIUSD", "XBRUSD"},
	"AUD": {"AUDUSD", "EURAUD", "GBPAUD", "AUDJPY", "AUDNZD", "AUDCAD", "AUDCHF", "XAUUSD"},
	"NZD": {"NZDUSD", "EURNZD", "GBPNZD", "NZDJPY", "AUDNZD", "NZDCAD", "NZDCHF"},
}

// Event is one calendar entry, reduced to what the gate needs.
type Event struct {
	Title    string
	Currency string
	Impact   string
	Time     time.Time
}

// feedEvent matches the faireconomy weekly JSON schema.
type feedEvent struct {
	Title   string `json:"title"`
	Country string `json:"country"`
	Date    string `json:"date"`
	Impact  string `json:"impact"`
}

// Gate serves blackout decisions from a cached weekly calendar.
type Gate struct {
	cfg   config.NewsConfig
	http  *http.Client
	log   *logger.Logger
	guard *safety.Guard

	mu        sync.Mutex
	events    []Event
	fetchedAt time.Time
	failures  int
}

// New builds a gate. The calendar is fetched lazily on first use.
func New(cfg config.NewsConfig, log *logger.Logger, guards *safety.Manager) *Gate {
	return &Gate{
		cfg:   cfg,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   log.Component("news"),
		guard: guards.Guard("news-feed"),
	}
}

// Avoid reports whether new trades on the symbol should be blocked at
// the given instant. The window covers the configured minutes on both
// sides of every high-impact event whose currency moves the symbol.
// When the calendar cannot be fetched and no cached copy exists, the
// gate stays open and the reason explains the degradation.
func (g *Gate) Avoid(ctx context.Context, symbol string, now time.Time) (bool, string) {
	if !g.cfg.Enabled {
		return false, ""
	}

	events, ok := g.calendar(ctx, now)
	if !ok {
		return false, "calendar unavailable"
	}

	window := time.Duration(g.cfg.WindowMinutes) * time.Minute
	for _, ev := range events {
		if !strings.EqualFold(ev.Impact, "high") {
			continue
		}
		if !affects(ev.Currency, symbol) {
			continue
		}
		if now.Before(ev.Time.Add(-window)) || now.After(ev.Time.Add(window)) {
			continue
		}
		until := int(ev.Time.Sub(now).Minutes())
		return true, fmt.Sprintf("high impact news: %s (%s) in %d min", ev.Title, ev.Currency, until)
	}
	return false, ""
}

// Upcoming returns the high-impact events within the horizon, for
// status reporting.
func (g *Gate) Upcoming(ctx context.Context, now time.Time, horizon time.Duration) []Event {
	if !g.cfg.Enabled {
		return nil
	}
	events, ok := g.calendar(ctx, now)
	if !ok {
		return nil
	}

	var out []Event
	for _, ev := range events {
		if !strings.EqualFold(ev.Impact, "high") {
			continue
		}
		if ev.Time.After(now) && ev.Time.Sub(now) <= horizon {
			out = append(out, ev)
		}
	}
	return out
}

// calendar returns the cached events, refreshing them when the TTL has
// lapsed. A failed refresh keeps serving the stale copy; with nothing
// cached it reports unavailability.
func (g *Gate) calendar(ctx context.Context, now time.Time) ([]Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ttl := time.Duration(g.cfg.CacheTTLMin) * time.Minute
	if !g.fetchedAt.IsZero() && now.Sub(g.fetchedAt) < ttl {
		return g.events, true
	}

	events, err := g.fetch(ctx)
	if err != nil {
		g.failures++
		g.log.Warning("Calendar fetch failed (%d so far): %v", g.failures, err)
		if g.fetchedAt.IsZero() {
			return nil, false
		}
		return g.events, true
	}

	g.events = events
	g.fetchedAt = now
	g.log.Info("Calendar refreshed: %d events, %d high impact", len(events), countHigh(events))
	return g.events, true
}

func (g *Gate) fetch(ctx context.Context) ([]Event, error) {
	var events []Event
	err := g.guard.Do(ctx, "fetch_calendar", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.FeedURL, nil)
		if err != nil {
			return boterrors.WrapError(err, boterrors.ErrorCategoryConnectivity, "news", "fetch_calendar")
		}

		resp, err := g.http.Do(req)
		if err != nil {
			return boterrors.WrapError(err, boterrors.ErrorCategoryConnectivity, "news", "fetch_calendar")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return boterrors.NewConnectivityError("news", "fetch_calendar",
				fmt.Errorf("feed returned status %d", resp.StatusCode))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return boterrors.WrapError(err, boterrors.ErrorCategoryConnectivity, "news", "fetch_calendar")
		}

		var raw []feedEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			return boterrors.NewConnectivityError("news", "fetch_calendar",
				fmt.Errorf("malformed calendar feed: %w", err))
		}

		events = make([]Event, 0, len(raw))
		for _, fe := range raw {
			ts, err := time.Parse(time.RFC3339, fe.Date)
			if err != nil {
				continue // all-day and tentative entries carry no usable time
			}
			events = append(events, Event{
				Title:    fe.Title,
				Currency: strings.ToUpper(fe.Country),
				Impact:   fe.Impact,
				Time:     ts,
			})
		}
		return nil
	})
	return events, err
}

// affects reports whether an announcement currency moves the symbol.
func affects(currency, symbol string) bool {
	if symbols, ok := currencySymbols[currency]; ok {
		for _, s := range symbols {
			if s == symbol {
				return true
			}
		}
		// Tabled currency, untabled symbol: fall back to the code match.
		return !tabled(symbol) && strings.Contains(symbol, currency)
	}
	return strings.Contains(symbol, currency)
}

// tabled reports whether the symbol appears in any mapping row.
func tabled(symbol string) bool {
	for _, symbols := range currencySymbols {
		for _, s := range symbols {
			if s == symbol {
				return true
			}
		}
	}
	return false
}

func countHigh(events []Event) int {
	n := 0
	for _, ev := range events {
		if strings.EqualFold(ev.Impact, "high") {
			n++
		}
	}
	return n
}
