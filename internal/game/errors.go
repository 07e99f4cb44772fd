package game

import (
	"github.com/pkg/errors"

	"crashgame/internal/ledger"
)

var (
	ErrInvalidPhase     = errors.New("action not allowed in current phase")
	ErrDuplicateOpenBet = errors.New("user already holds an open bet")
	ErrNoOpenBet        = errors.New("no open bet")
	ErrAlreadyCashedOut = errors.New("bet already cashed out")
	ErrAlreadySettled   = errors.New("round already settled")
	ErrInvalidAmount    = errors.New("invalid bet amount")
	ErrMalformedMessage = errors.New("malformed message")
	ErrQueueFull        = errors.New("request queue full")
	ErrTimeout          = errors.New("request timed out")
)

// ErrorCode maps an error onto the short code sent to clients in rejection
// notifications.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrDuplicateOpenBet):
		return "duplicate_open_bet"
	case errors.Is(err, ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, ErrNoOpenBet), errors.Is(err, ErrAlreadyCashedOut):
		return "no_open_bet"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	default:
		return "unavailable"
	}
}
