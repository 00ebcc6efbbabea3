package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

const divider = "━━━━━━━━━━━━━━━━━━━"

// FormatStartup is the connection banner sent once at startup.
func FormatStartup(broker string, symbols []string, now time.Time) string {
	return fmt.Sprintf("🤖 *Trading Bot Started*\n%s\nBroker: %s\nSymbols: %s\nTime: %s\nStatus: Connected ✅",
		divider, broker, strings.Join(symbols, ", "), now.Format("2006-01-02 15:04:05"))
}

// FormatSignal announces a directional signal before admission.
func FormatSignal(sig types.Signal) string {
	emoji := "📈"
	if sig.Direction == types.DirectionShort {
		emoji = "📉"
	}

	reasoning := sig.Reasoning
	if len(reasoning) > 200 {
		reasoning = reasoning[:200]
	}
	if reasoning == "" {
		reasoning = "n/a"
	}

	return fmt.Sprintf(`%s *SIGNAL DETECTED*
%s
📊 Symbol: *%s*
📍 Signal: *%s*
💯 Confidence: *%d%%*
💰 Entry: *%.5f*
🛑 Stop Loss: *%.5f*
🎯 Take Profit: *%.5f*

📝 _%s_`,
		emoji, divider, sig.Symbol, sig.Direction, sig.Confidence,
		sig.Entry, sig.StopLoss, sig.TakeProfit1, reasoning)
}

// FormatOpened announces a filled entry order.
func FormatOpened(sig types.Signal, volume float64, result types.OrderResult, spec types.SymbolSpec) string {
	emoji := "🟢"
	if sig.Direction == types.DirectionShort {
		emoji = "🔴"
	}

	var riskPoints, rewardPoints, rr float64
	if spec.Point > 0 {
		riskPoints = abs(result.ExecutedPrice-sig.StopLoss) / spec.Point
		rewardPoints = abs(sig.TakeProfit1-result.ExecutedPrice) / spec.Point
		if riskPoints > 0 {
			rr = rewardPoints / riskPoints
		}
	}

	return fmt.Sprintf(`%s *TRADE OPENED* %s
%s
📊 Symbol: *%s*
📍 Type: *%s*
📦 Volume: *%.2f lots*
💰 Entry: *%.5f*
🛑 SL: *%.5f* (%.0f points)
🎯 TP: *%.5f* (%.0f points)
📊 R:R Ratio: *1:%.1f*
🎫 Ticket: *#%d*

💯 Confidence: %d%%`,
		emoji, emoji, divider, sig.Symbol, sig.Direction, volume,
		result.ExecutedPrice, sig.StopLoss, riskPoints,
		sig.TakeProfit1, rewardPoints, rr, result.Ticket, sig.Confidence)
}

// FormatClosed announces a full or partial close with the running
// daily and weekly totals.
func FormatClosed(symbol string, ticket int64, profit, closePrice float64, reason string, dailyPnL, weeklyPnL float64) string {
	status := "⚪"
	money := "➖"
	switch {
	case profit > 0:
		status, money = "✅", "💰"
	case profit < 0:
		status, money = "❌", "💸"
	}

	return fmt.Sprintf(`%s *TRADE CLOSED* %s
%s
📊 Symbol: *%s*
💵 P/L: *$%.2f* %s
📍 Close Price: *%.5f*
🎫 Ticket: *#%d*
📝 %s

📅 Daily P/L: $%.2f | Weekly P/L: $%.2f`,
		status, status, divider, symbol, profit, money, closePrice, ticket, reason,
		dailyPnL, weeklyPnL)
}

// FormatModified announces a protective-stop move.
func FormatModified(symbol string, ticket int64, newStop float64, phase string) string {
	return fmt.Sprintf(`🔧 *POSITION MODIFIED*
%s
📊 Symbol: *%s*
🛑 New SL: *%.5f*
🎫 Ticket: *#%d*
📝 %s`,
		divider, symbol, newStop, ticket, phase)
}

// FormatRiskAlert wraps a risk monitor alert.
func FormatRiskAlert(alert risk.Alert) string {
	emoji := "⚠️"
	if alert.Severity == types.SeverityCritical {
		emoji = "🚨"
	}
	return fmt.Sprintf("%s *RISK ALERT* %s\n%s\n%s", emoji, emoji, divider, alert.Message)
}

// FormatError reports a failed operation on a symbol.
func FormatError(symbol string, err error) string {
	return fmt.Sprintf("⚠️ *TRADE ERROR* ⚠️\n%s\n📊 Symbol: *%s*\n❌ %v", divider, symbol, err)
}

// FormatSafeMode announces the switch to read-only operation after a
// connectivity failure.
func FormatSafeMode(err error) string {
	return fmt.Sprintf("🚨 *SAFE MODE* 🚨\n%s\nBroker unreachable, admission and modifications paused.\nOpen positions stay protected by broker-side stops.\n❌ %v", divider, err)
}

// FormatResumed announces recovery from safe mode.
func FormatResumed() string {
	return fmt.Sprintf("✅ *CONNECTIVITY RESTORED*\n%s\nTrading resumed.", divider)
}

// FormatSummary is the periodic account overview.
func FormatSummary(account types.AccountInfo, positions []types.PositionSnapshot) string {
	var open float64
	for _, pos := range positions {
		open += pos.Profit
	}
	trendEmoji := "➖"
	if open > 0 {
		trendEmoji = "📈"
	} else if open < 0 {
		trendEmoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 *ACCOUNT SUMMARY*\n%s\n", divider)
	fmt.Fprintf(&b, "💰 Balance: *$%.2f*\n", account.Balance)
	fmt.Fprintf(&b, "💵 Equity: *$%.2f*\n", account.Equity)
	fmt.Fprintf(&b, "📈 Open P/L: *$%.2f* %s\n", open, trendEmoji)
	fmt.Fprintf(&b, "💳 Free Margin: *$%.2f*\n\n", account.FreeMargin)
	fmt.Fprintf(&b, "📍 *Open Positions: %d*\n", len(positions))

	if len(positions) > 0 {
		b.WriteString(divider + "\n")
		shown := positions
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, pos := range shown {
			side := "🟢"
			if pos.Direction == types.DirectionShort {
				side = "🔴"
			}
			fmt.Fprintf(&b, "%s %s: %.2f lots | P/L: $%.2f\n", side, pos.Symbol, pos.Volume, pos.Profit)
		}
		if len(positions) > 5 {
			fmt.Fprintf(&b, "... and %d more positions\n", len(positions)-5)
		}
	}
	return b.String()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
