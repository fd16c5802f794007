package stun

import (
	"fmt"

	"github.com/ghettovoice/sipturn/internal/errorutil"
)

// Sentinel errors surfaced by the STUN Transaction Core, per SPEC_FULL.md
// §7. Pass-through STUN error-class responses (401, 438, 420, …) surface as
// ErrorResponse instead of one of these.
const (
	ErrResponseTimeout     errorutil.Error = "stun: response timeout"
	ErrStrayResponse       errorutil.Error = "stun: stray response, unknown transaction id"
	ErrBadMessageIntegrity errorutil.Error = "stun: message integrity check failed"
	ErrMissingAttributes   errorutil.Error = "stun: response missing required attributes"
	ErrErrorParsingMessage errorutil.Error = "stun: failed to parse message"
	ErrAuthRetryExhausted  errorutil.Error = "stun: auth challenge already retried once for this request"
	ErrNotConnected        errorutil.Error = "stun: not connected"
)

// ErrorResponse is a pass-through STUN error-class response the caller must
// handle itself (SPEC_FULL.md §7): "errorClass·100 + number" (401, 438,
// 420, …) that the Engine did not resolve internally (i.e. not a recovered
// auth challenge).
type ErrorResponse struct {
	Code   int // errorClass*100 + number
	Reason string
}

func (e *ErrorResponse) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stun: error response %d", e.Code)
	}
	return fmt.Sprintf("stun: error response %d %s", e.Code, e.Reason)
}
