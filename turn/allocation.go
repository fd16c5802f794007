package turn

import (
	"net"
	"time"

	"github.com/ghettovoice/sipturn/internal/timeutil"
)

// allocationState holds the relayed-transport-address allocation this
// client currently owns, and the channel manager for peers reachable
// through it (SPEC_FULL.md §4.7-§4.8).
type allocationState struct {
	lifetime  time.Duration
	relayAddr *net.UDPAddr
	channels  *channelManager

	refreshTimer *timeutil.SerializableTimer

	closeAfterDestroy bool
}

func newAllocationState(relayAddr *net.UDPAddr, lifetime time.Duration) *allocationState {
	return &allocationState{
		lifetime:  lifetime,
		relayAddr: relayAddr,
		channels:  newChannelManager(),
	}
}

// refreshDelay computes the allocation-refresh schedule from SPEC_FULL.md
// §4.7: "cancel prior timer and schedule a refresh at (5·lifetime)/8
// seconds" after any successful Allocate or non-zero Refresh response.
func refreshDelay(lifetime time.Duration) time.Duration {
	return 5 * lifetime / 8
}

// cancelRefresh stops any pending refresh timer, e.g. before scheduling a
// new one or on allocation teardown.
func (a *allocationState) cancelRefresh() {
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
		a.refreshTimer = nil
	}
}
