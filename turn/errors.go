package turn

import "github.com/ghettovoice/sipturn/internal/errorutil"

// Sentinel errors surfaced by the Allocation and Channel Managers, per
// SPEC_FULL.md §7.
const (
	ErrNotConnected               errorutil.Error = "turn: not connected"
	ErrNoAllocation               errorutil.Error = "turn: no allocation"
	ErrAlreadyAllocated           errorutil.Error = "turn: allocation already exists"
	ErrInvalidRequestedTransport  errorutil.Error = "turn: invalid requested relay transport"
	ErrUnknownRemoteAddress       errorutil.Error = "turn: data indication from unknown peer"
	ErrInvalidChannelNumberReceived errorutil.Error = "turn: peer's s2c channel changed mid-allocation"
	ErrFrameError                 errorutil.Error = "turn: malformed channel-data frame"
	ErrClientClosed               errorutil.Error = "turn: client closed"
)
