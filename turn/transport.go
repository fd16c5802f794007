// Package turn implements the TURN Allocation Manager (C6) and Channel
// Manager (C7): a single-execution-context client that allocates relayed
// transport addresses, refreshes them, and multiplexes peer data over
// TURN channels, per SPEC_FULL.md §4.7-§4.8.
package turn

import (
	"context"

	"github.com/ghettovoice/sipturn/sip"
)

// TransportType reuses sip's UDP/TCP/TLS enum: the same three wire
// transports carry both SIP and TURN/STUN traffic in this engine.
type TransportType = sip.TransportType

const (
	TransportUDP = sip.TransportUDP
	TransportTCP = sip.TransportTCP
	TransportTLS = sip.TransportTLS
)

// Transport is the narrow interface the TURN client consumes; actual
// socket I/O is an external collaborator (SPEC_FULL.md §6).
type Transport interface {
	// Send writes b to the connected peer/server, fire-and-forget.
	Send(ctx context.Context, b []byte) error
	ConnectedAddress() string
	ConnectedPort() uint16
	TransportType() TransportType
}

// reliable reports whether the transport needs no STUN-level
// retransmission (TCP/TLS).
func reliable(tp Transport) bool { return tp.TransportType().Reliable() }

const channelDataHeaderLen = 4

// encodeChannelData frames payload behind the TURN channel-data header:
// channel (u16 big-endian), length (u16 big-endian), payload.
func encodeChannelData(channel uint16, payload []byte) []byte {
	b := make([]byte, channelDataHeaderLen+len(payload))
	b[0] = byte(channel >> 8)
	b[1] = byte(channel)
	b[2] = byte(len(payload) >> 8)
	b[3] = byte(len(payload))
	copy(b[channelDataHeaderLen:], payload)
	return b
}

// decodeChannelData reports whether b looks like a channel-data message:
// its leading byte falls outside STUN's message-type range (STUN messages
// always start 0x00 or 0x01, per RFC 5389 §6), so any other leading byte
// — in particular the TURN-reserved 0x40xx-0x7Fxx client→server range, and
// whatever channel the server itself assigns for s2c — is a channel
// number, per SPEC_FULL.md §4.8 / §6's wire-framing note.
func decodeChannelData(b []byte) (channel uint16, payload []byte, ok bool) {
	if len(b) < channelDataHeaderLen {
		return 0, nil, false
	}
	if b[0] == 0x00 || b[0] == 0x01 {
		return 0, nil, false
	}
	ch := uint16(b[0])<<8 | uint16(b[1])
	length := int(b[2])<<8 | int(b[3])
	if channelDataHeaderLen+length > len(b) {
		return 0, nil, false
	}
	return ch, b[channelDataHeaderLen : channelDataHeaderLen+length], true
}
