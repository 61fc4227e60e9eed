package capital

import "errors"

var (
	ErrUnknownExchange  = errors.New("unknown exchange")
	ErrUnknownTier      = errors.New("unknown capital tier")
	ErrUnknownStrategy  = errors.New("unknown strategy label")
	ErrInvalidFractions = errors.New("tier fractions must sum to a positive value")
	ErrInvalidAmount    = errors.New("reservation amount must be positive")
	ErrNoExchanges      = errors.New("no exchanges given")
	ErrAlreadyReleased  = errors.New("reservation already released")
	ErrNotApproved      = errors.New("reservation was not approved")
	ErrNotConvertible   = errors.New("reservation cannot be converted")
	ErrInvalidDrawdown  = errors.New("drawdown must be a finite value >= 0")
)
