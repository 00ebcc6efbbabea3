package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// Alert is a risk warning produced by the monitor.
type Alert struct {
	Severity types.Severity
	Message  string
}

// Monitor watches ledger snapshots for conditions worth a RISK_ALERT:
// the daily and weekly loss ladders approaching their caps, and
// drawdown from the peak balance. Each alert fires once per period, and
// drawdown re-alerts every further 5% beyond the initial 10%.
type Monitor struct {
	mu     sync.Mutex
	policy *Policy

	dailyWarnedOn  time.Time // day anchor of the last daily warning
	weeklyWarnedOn time.Time
	drawdownStep   int // 0 = under 10%, 1 = 10-15%, 2 = 15-20%, ...
}

// NewMonitor creates a monitor bound to the risk policy.
func NewMonitor(policy *Policy) *Monitor {
	return &Monitor{policy: policy}
}

// Check evaluates a snapshot and returns the alerts that became due.
func (m *Monitor) Check(snap Snapshot) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var alerts []Alert
	day := dayStart(snap.At)
	week := weekStart(snap.At)

	if m.policy.DailyLossCap > 0 {
		loss := snap.DailyLossFraction()
		if loss >= 0.8*m.policy.DailyLossCap && !m.dailyWarnedOn.Equal(day) {
			m.dailyWarnedOn = day
			alerts = append(alerts, Alert{
				Severity: types.SeverityWarning,
				Message: fmt.Sprintf("daily loss at %.1f%% of balance (%.0f%% of the %.1f%% cap)",
					loss*100, loss/m.policy.DailyLossCap*100, m.policy.DailyLossCap*100),
			})
		}
	}

	if m.policy.WeeklyLossCap > 0 {
		loss := snap.WeeklyLossFraction()
		if loss >= 0.8*m.policy.WeeklyLossCap && !m.weeklyWarnedOn.Equal(week) {
			m.weeklyWarnedOn = week
			alerts = append(alerts, Alert{
				Severity: types.SeverityWarning,
				Message: fmt.Sprintf("weekly loss at %.1f%% of balance (%.0f%% of the %.1f%% cap)",
					loss*100, loss/m.policy.WeeklyLossCap*100, m.policy.WeeklyLossCap*100),
			})
		}
	}

	if snap.PeakBalance > 0 && snap.Balance > 0 {
		drawdown := (snap.PeakBalance - snap.Balance) / snap.PeakBalance
		step := 0
		if drawdown >= 0.10 {
			step = 1 + int((drawdown-0.10)/0.05)
		}
		if step > m.drawdownStep {
			alerts = append(alerts, Alert{
				Severity: types.SeverityCritical,
				Message: fmt.Sprintf("drawdown %.1f%% from peak balance %.2f",
					drawdown*100, snap.PeakBalance),
			})
		}
		m.drawdownStep = step
	}

	return alerts
}
