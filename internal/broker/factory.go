package broker

import (
	"fmt"
	"strings"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker/bybit"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker/mt5"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/broker/paper"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/internal/safety"
)

// New builds the configured broker adapter.
func New(cfg config.BrokerConfig, log *logger.Logger, guards *safety.Manager) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "mt5":
		if cfg.MT5 == nil {
			return nil, boterrors.NewConfigurationError("broker", "factory", "mt5 broker selected but mt5 section missing")
		}
		return mt5.New(*cfg.MT5, log, guards), nil
	case "bybit":
		if cfg.Bybit == nil {
			return nil, boterrors.NewConfigurationError("broker", "factory", "bybit broker selected but bybit section missing")
		}
		return bybit.New(*cfg.Bybit, log, guards), nil
	case "paper":
		return paper.New(log), nil
	default:
		return nil, boterrors.NewConfigurationError("broker", "factory",
			fmt.Sprintf("unsupported broker %q (supported: mt5, bybit, paper)", cfg.Name))
	}
}
