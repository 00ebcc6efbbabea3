package notify

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (n *recordingNotifier) Send(_, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("delivery refused")
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// blockingNotifier parks every delivery until release is closed.
type blockingNotifier struct {
	recordingNotifier
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) Send(level, message string) error {
	n.entered <- struct{}{}
	<-n.release
	return n.recordingNotifier.Send(level, message)
}

// TestDispatcherDeliversInOrder posts through the queue and drains on
// Close.
func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingNotifier{}
	d := NewDispatcher(sink, 8, logger.Nop())

	d.Post(LevelInfo, "first")
	d.Post(LevelWarning, "second")
	d.Post(LevelError, "third")
	d.Close()

	assert.Equal(t, []string{"first", "second", "third"}, sink.got())
	assert.Zero(t, d.Dropped())
}

// TestDispatcherDropsOnOverflow fills the queue behind a stuck
// delivery; the overflowing message is dropped, not blocked on.
func TestDispatcherDropsOnOverflow(t *testing.T) {
	sink := &blockingNotifier{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	d := NewDispatcher(sink, 2, logger.Nop())

	d.Post(LevelInfo, "in flight")
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}

	d.Post(LevelInfo, "queued 1")
	d.Post(LevelInfo, "queued 2")
	d.Post(LevelInfo, "overflow")
	assert.Equal(t, uint64(1), d.Dropped())

	close(sink.release)
	d.Close()
	assert.Equal(t, []string{"in flight", "queued 1", "queued 2"}, sink.got())
}

// TestDispatcherSurvivesDeliveryFailure a refusing sink only logs; the
// loop keeps going and Close still returns.
func TestDispatcherSurvivesDeliveryFailure(t *testing.T) {
	sink := &recordingNotifier{fail: true}
	d := NewDispatcher(sink, 4, logger.Nop())

	d.Post(LevelError, "doomed")
	d.Close()
	assert.Empty(t, sink.got())
}

// TestPostAfterCloseDoesNotPanic late messages are counted as dropped.
func TestPostAfterCloseDoesNotPanic(t *testing.T) {
	d := NewDispatcher(Discard{}, 4, logger.Nop())
	d.Close()

	d.Post(LevelInfo, "late")
	assert.Equal(t, uint64(1), d.Dropped())
}

// TestTelegramSendsMarkdownForm posts the expected form fields to the
// bot endpoint.
func TestTelegramSendsMarkdownForm(t *testing.T) {
	var gotPath, gotChat, gotText, gotMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		gotMode = r.PostForm.Get("parse_mode")
	}))
	defer srv.Close()

	tg := NewTelegram("bot-token", "123456")
	tg.baseURL = srv.URL

	require.NoError(t, tg.Send(LevelInfo, "hello *world*"))
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "123456", gotChat)
	assert.Equal(t, "hello *world*", gotText)
	assert.Equal(t, "Markdown", gotMode)
}

// TestTelegramReportsHTTPFailure surfaces non-200 responses.
func TestTelegramReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tg := NewTelegram("bot-token", "123456")
	tg.baseURL = srv.URL

	err := tg.Send(LevelInfo, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

// TestFormatSignal carries the decision fields and the direction
// arrow.
func TestFormatSignal(t *testing.T) {
	msg := FormatSignal(types.Signal{
		Symbol:      "EURUSD",
		Direction:   types.DirectionLong,
		Confidence:  85,
		Entry:       1.1000,
		StopLoss:    1.0950,
		TakeProfit1: 1.1100,
		Reasoning:   "trend aligned across timeframes",
	})

	assert.Contains(t, msg, "📈")
	assert.Contains(t, msg, "SIGNAL DETECTED")
	assert.Contains(t, msg, "EURUSD")
	assert.Contains(t, msg, "85%")
	assert.Contains(t, msg, "1.10000")
	assert.Contains(t, msg, "trend aligned")

	short := FormatSignal(types.Signal{Symbol: "GBPUSD", Direction: types.DirectionShort})
	assert.Contains(t, short, "📉")
}

// TestFormatOpened computes point distances and the R:R ratio from the
// executed price.
func TestFormatOpened(t *testing.T) {
	msg := FormatOpened(
		types.Signal{
			Symbol:      "EURUSD",
			Direction:   types.DirectionLong,
			Confidence:  80,
			StopLoss:    1.0950,
			TakeProfit1: 1.1100,
		},
		0.50,
		types.OrderResult{Ticket: 42, ExecutedPrice: 1.1000, ExecutedVolume: 0.50},
		types.SymbolSpec{Point: 0.00001},
	)

	assert.Contains(t, msg, "TRADE OPENED")
	assert.Contains(t, msg, "0.50 lots")
	assert.Contains(t, msg, "(500 points)")
	assert.Contains(t, msg, "(1000 points)")
	assert.Contains(t, msg, "1:2.0")
	assert.Contains(t, msg, "#42")
}

// TestFormatClosed picks the win/loss emoji and reports running
// totals.
func TestFormatClosed(t *testing.T) {
	win := FormatClosed("EURUSD", 42, 120.50, 1.1100, "final take-profit rung 3 reached", 80.25, -40.00)
	assert.Contains(t, win, "✅")
	assert.Contains(t, win, "$120.50")
	assert.Contains(t, win, "Daily P/L: $80.25")
	assert.Contains(t, win, "Weekly P/L: $-40.00")

	loss := FormatClosed("EURUSD", 43, -55.00, 1.0950, "stop loss", -55.00, -95.00)
	assert.Contains(t, loss, "❌")
	assert.Contains(t, loss, "💸")
}

// TestFormatSafeMode carries the triggering error in the banner.
func TestFormatSafeMode(t *testing.T) {
	msg := FormatSafeMode(errors.New("dial tcp: connection refused"))
	assert.Contains(t, msg, "SAFE MODE")
	assert.Contains(t, msg, "connection refused")

	assert.Contains(t, FormatResumed(), "CONNECTIVITY RESTORED")
}

// TestFormatRiskAlert escalates the emoji with severity.
func TestFormatRiskAlert(t *testing.T) {
	warn := FormatRiskAlert(risk.Alert{Severity: types.SeverityWarning, Message: "daily loss at 2.5%"})
	assert.Contains(t, warn, "⚠️")
	assert.Contains(t, warn, "daily loss at 2.5%")

	crit := FormatRiskAlert(risk.Alert{Severity: types.SeverityCritical, Message: "drawdown 12.0%"})
	assert.Contains(t, crit, "🚨")
}

// TestFormatSummaryTruncatesPositions shows at most five rows.
func TestFormatSummaryTruncatesPositions(t *testing.T) {
	positions := make([]types.PositionSnapshot, 7)
	for i := range positions {
		positions[i] = types.PositionSnapshot{
			Symbol:    fmt.Sprintf("PAIR%d", i),
			Direction: types.DirectionLong,
			Volume:    0.10,
			Profit:    float64(i),
		}
	}

	msg := FormatSummary(types.AccountInfo{Balance: 10000, Equity: 10021}, positions)
	assert.Contains(t, msg, "Open Positions: 7")
	assert.Contains(t, msg, "PAIR4")
	assert.NotContains(t, msg, "PAIR5")
	assert.Contains(t, msg, "... and 2 more positions")
}
