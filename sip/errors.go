package sip

import "github.com/ghettovoice/sipturn/internal/errorutil"

// Sentinel errors surfaced by the dispatcher and transaction machines. Wrap
// with errtrace.Wrap at each propagation point and compare with errors.Is.
const (
	ErrTransactionNotFound errorutil.Error = "sip: transaction not found"
	ErrTransactionExists   errorutil.Error = "sip: transaction already exists"
	ErrInvalidEvent        errorutil.Error = "sip: event not valid in current state"
	ErrTransportError      errorutil.Error = "sip: transport error"
	ErrStrayResponseForwardingUnimplemented errorutil.Error = "sip: stateless forwarding of stray responses is unimplemented"
)
