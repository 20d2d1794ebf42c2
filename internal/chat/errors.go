package chat

import (
	"errors"
	"fmt"
)

// Error taxonomy for the messaging core.
//
// - ErrValidation: malformed input, rejected before any write.
// - ErrForbidden: requester is not a participant / not the sender; no partial state change.
// - ErrNotFound: referenced conversation or message absent.
// - ErrStoreUnavailable: persistence unreachable; retryable, the core does not retry internally.
var (
	ErrValidation       = errors.New("chat: validation failed")
	ErrForbidden        = errors.New("chat: forbidden")
	ErrNotFound         = errors.New("chat: not found")
	ErrStoreUnavailable = errors.New("chat: store unavailable")
)

// validationf wraps ErrValidation with a caller-facing detail.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
