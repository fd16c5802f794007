// Package errorutil provides small sentinel-error helpers shared by the
// sip, stun and turn packages so each package's errors.go stays terse.
package errorutil

import (
	"errors"
	"fmt"

	"braces.dev/errtrace"
)

// Error is a string type implementing error, cheap to declare as a const
// sentinel (sip.ErrTransactionNotFound and friends).
type Error string

func (e Error) Error() string { return string(e) }

// Wrap wraps err with sentinel unless err already satisfies errors.Is(err, sentinel).
// The result carries an errtrace call-site frame, the same way the
// teacher's generated errtrace.Wrap call at each return site does.
func Wrap(sentinel error, err error) error {
	if err == nil {
		return errtrace.Wrap(sentinel)
	}
	if errors.Is(err, sentinel) {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(fmt.Errorf("%w: %w", sentinel, err))
}

// Join joins non-nil errors with a prefix, returning nil if all are nil.
func Join(prefix string, errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	joined := errors.Join(nonNil...)
	if prefix == "" {
		return errtrace.Wrap(joined)
	}
	return errtrace.Wrap(fmt.Errorf("%s: %w", prefix, joined))
}
