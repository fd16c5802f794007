package turn

import (
	"net"

	"braces.dev/errtrace"
)

// minChannelNumber/maxChannelNumber bound the TURN-reserved channel range
// this package allocates client→server channel numbers from, per
// SPEC_FULL.md §4.8 ("a monotonic counter starting above the
// TURN-reserved range").
const (
	minChannelNumber uint16 = 0x4000
	maxChannelNumber uint16 = 0x7FFE
)

// peer is one remote address this allocation has exchanged data with.
// c2sChannel is assigned locally the first time the client sends to this
// peer; s2cChannel is learned from the server's first DataInd and must
// never change afterward (SPEC_FULL.md §4.8).
type peer struct {
	addr         *net.UDPAddr
	c2sChannel   uint16
	s2cChannel   uint16
	s2cLearned   bool
	c2sConfirmed bool // framed Send already acknowledged (UDP ChannelConfirmation, or auto on TCP/TLS first Send)
}

// channelManager maintains the peer_addr / c2s_channel / s2c_channel
// indexes an allocation's relayed data flows through.
type channelManager struct {
	next     uint16
	byAddr   map[string]*peer
	byC2S    map[uint16]*peer
	byS2C    map[uint16]*peer
}

func newChannelManager() *channelManager {
	return &channelManager{
		next:   minChannelNumber,
		byAddr: make(map[string]*peer),
		byC2S:  make(map[uint16]*peer),
		byS2C:  make(map[uint16]*peer),
	}
}

// peerFor returns the peer for addr, creating one (with a freshly
// allocated c2sChannel) if none exists yet.
func (m *channelManager) peerFor(addr *net.UDPAddr) *peer {
	key := addr.String()
	if p, ok := m.byAddr[key]; ok {
		return p
	}
	p := &peer{addr: addr, c2sChannel: m.allocate()}
	m.byAddr[key] = p
	m.byC2S[p.c2sChannel] = p
	return p
}

func (m *channelManager) allocate() uint16 {
	ch := m.next
	if m.next == maxChannelNumber {
		m.next = minChannelNumber
	} else {
		m.next++
	}
	return ch
}

// learnS2C records the s2c channel observed on a peer's first DataInd,
// returning ErrInvalidChannelNumberReceived if a different channel was
// already learned for this peer.
func (m *channelManager) learnS2C(p *peer, channel uint16) error {
	if !p.s2cLearned {
		p.s2cLearned = true
		p.s2cChannel = channel
		m.byS2C[channel] = p
		return nil
	}
	if p.s2cChannel != channel {
		return errtrace.Wrap(ErrInvalidChannelNumberReceived)
	}
	return nil
}

// lookupAddr finds the peer previously seen at addr, if any.
func (m *channelManager) lookupAddr(addr *net.UDPAddr) (*peer, bool) {
	p, ok := m.byAddr[addr.String()]
	return p, ok
}
