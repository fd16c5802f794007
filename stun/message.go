// Package stun implements the STUN Transaction Core (C5): request/response
// correlation, retransmission and the long-term-credential auth-retry-once
// guard shared by every higher-level TURN operation, per SPEC_FULL.md §4.6.
package stun

import (
	"net"

	"braces.dev/errtrace"
	pionstun "github.com/pion/stun"
)

// TransactionID is the 128-bit correlation key this package's Engine uses
// to key outstanding_requests, matching the classic STUN/TURN draft this
// spec is grounded on (SPEC_FULL.md §3). Wire messages built via pion/stun
// carry RFC 5389's 96-bit id internally; NewTransactionID derives a
// TransactionID from the wire id by left-padding with zero bytes, so both
// identify the same exchange without pion/stun needing to know about the
// wider id.
type TransactionID [16]byte

// NewTransactionID derives the 128-bit correlation key from a wire message's
// 96-bit transaction id.
func NewTransactionID(wire [pionstun.TransactionIDSize]byte) TransactionID {
	var id TransactionID
	copy(id[16-pionstun.TransactionIDSize:], wire[:])
	return id
}

// Method is a STUN/TURN request method, classic-draft numbering
// (draft-ietf-behave-turn / RFC 3489 era, per SPEC_FULL.md §3's grounding
// note) — Allocate/Refresh/Send/Data predate RFC 5766's renumbering and
// pion/stun (an RFC 5389 library) defines none of them, so this package
// owns the method table.
type Method = pionstun.Method

const (
	MethodBinding      Method = pionstun.MethodBinding
	MethodSharedSecret Method = 0x0002
	MethodAllocate     Method = 0x0003
	MethodRefresh      Method = 0x0004
	MethodSend         Method = 0x0006
	MethodData         Method = 0x0007
	MethodChannelBind  Method = 0x0009
)

// Classic-draft TURN attributes pion/stun (an RFC 5389 library) has no
// knowledge of; encoded/decoded as raw attributes via Message.Add/Get.
const (
	AttrLifetime           pionstun.AttrType = 0x000d
	AttrBandwidth          pionstun.AttrType = 0x0010
	AttrRequestedTransport pionstun.AttrType = 0x0019
	AttrRequestedIP        pionstun.AttrType = 0x0017
	AttrRequestedPortProps pionstun.AttrType = 0x0018
	AttrChannelNumber      pionstun.AttrType = 0x000c
	AttrPeerAddress        pionstun.AttrType = 0x0012
	AttrDestinationAddress pionstun.AttrType = 0x0011
	AttrData               pionstun.AttrType = 0x0013
	AttrRelayAddress       pionstun.AttrType = 0x0016
	AttrPassword           pionstun.AttrType = 0x0007
)

// Sentinel values from spec.md §4.7 that mean "leave this attribute out of
// the request" rather than "request this value".
const (
	LifetimeUnspecified  uint32 = 0xFFFFFFFF
	BandwidthUnspecified uint32 = 0xFFFFFFFF
	PortUnspecified      uint16 = 0
)

// Message wraps a pion/stun.Message with the fields the STUN Transaction
// Core and TURN Allocation Manager need to inspect without every caller
// reaching into pion/stun directly.
type Message struct {
	*pionstun.Message
}

// NewRequest builds a fresh request of method with a random transaction id.
func NewRequest(method Method) (*Message, error) {
	m, err := pionstun.Build(pionstun.TransactionID, pionstun.NewType(method, pionstun.ClassRequest))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Message{Message: m}, nil
}

// NewIndication builds an indication (no response expected) of method.
func NewIndication(method Method) (*Message, error) {
	m, err := pionstun.Build(pionstun.TransactionID, pionstun.NewType(method, pionstun.ClassIndication))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Message{Message: m}, nil
}

// Class reports the message's STUN class.
func (m *Message) Class() pionstun.MessageClass { return m.Type.Class }

// Method reports the message's method, stripped of class.
func (m *Message) Method() Method { return m.Type.Method }

// TID derives this message's 128-bit correlation key.
func (m *Message) TID() TransactionID { return NewTransactionID(m.TransactionID) }

// IsSuccess reports whether m is a success response.
func (m *Message) IsSuccess() bool { return m.Class() == pionstun.ClassSuccessResponse }

// IsError reports whether m is an error response.
func (m *Message) IsError() bool { return m.Class() == pionstun.ClassErrorResponse }

// SetLifetime encodes the LIFETIME attribute, big-endian seconds.
func (m *Message) SetLifetime(seconds uint32) {
	m.Add(AttrLifetime, encodeUint32(seconds))
}

// Lifetime decodes the LIFETIME attribute, if present.
func (m *Message) Lifetime() (uint32, bool) {
	v, err := m.Get(AttrLifetime)
	if err != nil || len(v) < 4 {
		return 0, false
	}
	return decodeUint32(v), true
}

// SetChannelNumber encodes the CHANNEL-NUMBER attribute.
func (m *Message) SetChannelNumber(ch uint16) {
	m.Add(AttrChannelNumber, []byte{byte(ch >> 8), byte(ch), 0, 0})
}

// ChannelNumber decodes the CHANNEL-NUMBER attribute, if present.
func (m *Message) ChannelNumber() (uint16, bool) {
	v, err := m.Get(AttrChannelNumber)
	if err != nil || len(v) < 2 {
		return 0, false
	}
	return uint16(v[0])<<8 | uint16(v[1]), true
}

// SetPeerAddress encodes the classic-draft PEER-ADDRESS attribute (an
// unobfuscated address-family/port/IP triple, unlike RFC 5389's
// XOR-MAPPED-ADDRESS pion/stun natively supports).
func (m *Message) SetPeerAddress(addr *net.UDPAddr) {
	m.Add(AttrPeerAddress, encodeAddress(addr))
}

// PeerAddress decodes the PEER-ADDRESS attribute, if present.
func (m *Message) PeerAddress() (*net.UDPAddr, bool) {
	v, err := m.Get(AttrPeerAddress)
	if err != nil {
		return nil, false
	}
	return decodeAddress(v)
}

// RelayedAddress returns the response's XOR-MAPPED-ADDRESS when present
// (the modern equivalent Allocate success responses may carry, per
// SPEC_FULL.md's dependency-grounding note), and otherwise decodes the
// classic RELAY-ADDRESS attribute pion/stun has no type for.
func (m *Message) RelayedAddress() (*net.UDPAddr, bool) {
	var xor pionstun.XORMappedAddress
	if err := xor.GetFrom(m.Message); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, true
	}
	v, err := m.Get(AttrRelayAddress)
	if err != nil {
		return nil, false
	}
	return decodeAddress(v)
}

// Parse decodes a wire STUN message, for callers (e.g. turn.Client) that
// need to inspect an indication the Engine itself never matches against
// an outstanding request.
func Parse(raw []byte) (*Message, error) {
	pm := new(pionstun.Message)
	if err := pm.UnmarshalBinary(raw); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Message{Message: pm}, nil
}

// MappedAddress returns the response's reflexive transport address,
// preferring XOR-MAPPED-ADDRESS and falling back to the classic
// MAPPED-ADDRESS attribute, per SPEC_FULL.md §4.7's bind_request.
func (m *Message) MappedAddress() (*net.UDPAddr, bool) {
	var xor pionstun.XORMappedAddress
	if err := xor.GetFrom(m.Message); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, true
	}
	var mapped pionstun.MappedAddress
	if err := mapped.GetFrom(m.Message); err == nil {
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, true
	}
	return nil, false
}

// Username decodes the USERNAME attribute, if present.
func (m *Message) Username() (string, bool) {
	var u pionstun.Username
	if err := u.GetFrom(m.Message); err != nil {
		return "", false
	}
	return string(u), true
}

// Password decodes the classic-draft PASSWORD attribute a SharedSecret
// response carries (RFC 5389 dropped this mechanism; pion/stun has no
// attribute for it).
func (m *Message) Password() (string, bool) {
	v, err := m.Get(AttrPassword)
	if err != nil {
		return "", false
	}
	return string(v), true
}

// SetData encodes the DATA attribute carrying a Send/Data indication's
// payload.
func (m *Message) SetData(b []byte) { m.Add(AttrData, b) }

// Data decodes the DATA attribute, if present.
func (m *Message) Data() ([]byte, bool) {
	v, err := m.Get(AttrData)
	if err != nil {
		return nil, false
	}
	return v, true
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// encodeAddress encodes an (unobfuscated) address family/port/IPv4 triple
// the way the classic TURN draft's PEER-ADDRESS/DESTINATION-ADDRESS
// attributes do — family byte 0x01 for IPv4, a reserved byte, big-endian
// port, then the 4-byte address.
func encodeAddress(addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	b := make([]byte, 8)
	b[0] = 0x01
	b[2] = byte(addr.Port >> 8)
	b[3] = byte(addr.Port)
	copy(b[4:], ip4)
	return b
}

func decodeAddress(b []byte) (*net.UDPAddr, bool) {
	if len(b) < 8 || b[0] != 0x01 {
		return nil, false
	}
	port := int(b[2])<<8 | int(b[3])
	ip := net.IPv4(b[4], b[5], b[6], b[7])
	return &net.UDPAddr{IP: ip, Port: port}, true
}
