package session

import (
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
)

// Window is one named trading session, evaluated on local wall-clock
// hours. The interval is closed-open: [StartHour, EndHour). A window
// whose start hour is greater than its end hour wraps midnight, so
// US 20-5 covers 20:00 through 04:59.
type Window struct {
	Name      string
	StartHour int
	EndHour   int
}

// Contains reports whether the hour falls inside the window.
func (w Window) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// Schedule answers whether a symbol should be analyzed at a given wall
// clock, based on its preferred sessions. All hours are evaluated in
// the engine's single configured timezone.
type Schedule struct {
	enabled        bool
	windows        []Window
	symbolSessions map[string][]string
	loc            *time.Location
}

// NewSchedule builds a schedule from configuration.
func NewSchedule(cfg config.SessionsConfig, loc *time.Location) *Schedule {
	windows := make([]Window, 0, len(cfg.Windows))
	for _, w := range cfg.Windows {
		windows = append(windows, Window{Name: w.Name, StartHour: w.StartHour, EndHour: w.EndHour})
	}
	return &Schedule{
		enabled:        cfg.Enabled,
		windows:        windows,
		symbolSessions: cfg.SymbolSessions,
		loc:            loc,
	}
}

// Active returns the names of the sessions containing now.
func (s *Schedule) Active(now time.Time) []string {
	hour := now.In(s.loc).Hour()
	var active []string
	for _, w := range s.windows {
		if w.Contains(hour) {
			active = append(active, w.Name)
		}
	}
	return active
}

// SymbolActive reports whether the symbol is inside one of its
// preferred sessions. Symbols with no preference trade around the
// clock, and a disabled schedule admits everything.
func (s *Schedule) SymbolActive(symbol string, now time.Time) bool {
	if !s.enabled {
		return true
	}
	preferred, ok := s.symbolSessions[symbol]
	if !ok || len(preferred) == 0 {
		return true
	}

	hour := now.In(s.loc).Hour()
	for _, name := range preferred {
		for _, w := range s.windows {
			if w.Name == name && w.Contains(hour) {
				return true
			}
		}
	}
	return false
}
