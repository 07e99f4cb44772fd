package ledger

import "github.com/pkg/errors"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownUser       = errors.New("unknown user")
	ErrInvalidAmount     = errors.New("invalid amount")
)
