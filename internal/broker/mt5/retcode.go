package mt5

import (
	"fmt"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
)

// Trade server return codes forwarded by the gateway.
const (
	RetcodeDone          = 10009
	RetcodeRequote       = 10004
	RetcodeInvalidVolume = 10014
	RetcodeInvalidStops  = 10016
	RetcodeMarketClosed  = 10018
	RetcodeNoMoney       = 10019
	RetcodeNoPrices      = 10021
)

// retcodeError maps a trade retcode onto the shared taxonomy. Requotes,
// missing prices and fixable stop distances are transient and worth a
// recomputed retry next cycle; margin, volume and market-state problems
// are terminal for the attempt.
func retcodeError(operation string, retcode int, comment string) error {
	if retcode == RetcodeDone {
		return nil
	}

	cause := fmt.Errorf("retcode %d: %s", retcode, comment)
	switch retcode {
	case RetcodeRequote, RetcodeNoPrices, RetcodeInvalidStops:
		return boterrors.NewBrokerTransientError("mt5", operation, cause)
	case RetcodeNoMoney, RetcodeMarketClosed, RetcodeInvalidVolume:
		return boterrors.NewBrokerTerminalError("mt5", operation, cause)
	default:
		return boterrors.NewBrokerTerminalError("mt5", operation, cause).
			WithMessage(fmt.Sprintf("unexpected trade retcode %d", retcode))
	}
}
