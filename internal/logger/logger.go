package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents different types of log entries
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelTrade   LogLevel = "TRADE"
	LogLevelStatus  LogLevel = "STATUS"
)

// Logger writes structured entries to a per-day file under logs/ and
// echoes them to the console. TRADE and STATUS entries are INFO-level
// records tagged for audit filtering.
type Logger struct {
	zl      zerolog.Logger
	logFile *os.File
	logPath string
}

// New creates a logger named after the session. The file is
// logs/<name>_<date>.log, appended across restarts within a day.
func New(name string, debug bool) (*Logger, error) {
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02"))
	logPath := filepath.Join(logDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(console, file)).
		Level(level).
		With().Timestamp().Logger()

	l := &Logger{
		zl:      zl,
		logFile: file,
		logPath: logPath,
	}

	l.zl.Info().
		Str("session", name).
		Str("log_file", logPath).
		Msg("🚀 trading session started")

	return l, nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a child logger tagged with a component name. The
// child shares the parent's file; only the root logger closes it.
func (l *Logger) Component(name string) *Logger {
	child := *l
	child.zl = l.zl.With().Str("component", name).Logger()
	return &child
}

// Log writes a formatted entry with the specified level
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		l.zl.Debug().Msgf(format, args...)
	case LogLevelWarning:
		l.zl.Warn().Msgf(format, args...)
	case LogLevelError:
		l.zl.Error().Msgf(format, args...)
	case LogLevelTrade:
		l.zl.Info().Str("kind", "TRADE").Msgf(format, args...)
	case LogLevelStatus:
		l.zl.Info().Str("kind", "STATUS").Msgf(format, args...)
	default:
		l.zl.Info().Msgf(format, args...)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.Log(LogLevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Trade logs a trading action for the audit trail
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LogLevelTrade, format, args...)
}

// Status logs market status information
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// LogError logs an error with context
func (l *Logger) LogError(context string, err error) {
	l.zl.Error().Err(err).Msg(context)
}

// Close writes the session footer and closes the log file
func (l *Logger) Close() error {
	if l.logFile == nil {
		return nil
	}
	l.zl.Info().Msg("🛑 trading session ended")
	return l.logFile.Close()
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}
