package risk

import "errors"

var (
	ErrInvalidContext = errors.New("invalid pre-trade context")
	ErrEmptyReason    = errors.New("kill switch change requires a reason")
	ErrInvalidLimit   = errors.New("invalid risk limit")
)
