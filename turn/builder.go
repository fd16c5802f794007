package turn

import (
	"net"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipturn/stun"
)

// RequestedTransport identifies the relay transport an Allocate asks the
// server for, per SPEC_FULL.md §4.7. TransportNone means "omit the
// attribute", letting the server pick its default.
type RequestedTransport byte

const (
	TransportNone RequestedTransport = 0
	TransportReqUDP RequestedTransport = 17
	TransportReqTCP RequestedTransport = 6
)

// AllocateParams carries create_allocation's optional attributes; a field
// set to its "unspecified" value is omitted from the wire request entirely,
// per SPEC_FULL.md §4.7. For Lifetime and Bandwidth that value is the
// stun.*Unspecified sentinel, not zero: a zero Lifetime or Bandwidth is
// encoded as 0.
type AllocateParams struct {
	Lifetime  uint32 // seconds; stun.LifetimeUnspecified omits the attribute
	Bandwidth uint32 // kbps; stun.BandwidthUnspecified omits the attribute
	Port      uint16 // stun.PortUnspecified omits REQUESTED-PORT-PROPS' port field
	PortEven  bool   // only meaningful when Port/PortProps requested
	Transport RequestedTransport
	IP        net.IP // nil/unspecified omits REQUESTED-IP
}

func buildAllocateRequest(p AllocateParams) (*stun.Message, error) {
	m, err := stun.NewRequest(stun.MethodAllocate)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if p.Lifetime != stun.LifetimeUnspecified {
		m.SetLifetime(p.Lifetime)
	}
	if p.Bandwidth != stun.BandwidthUnspecified {
		m.Add(stun.AttrBandwidth, encodeU32(p.Bandwidth))
	}
	if p.Transport != TransportNone {
		m.Add(stun.AttrRequestedTransport, []byte{byte(p.Transport), 0, 0, 0})
	}
	if len(p.IP) != 0 && !p.IP.IsUnspecified() {
		m.Add(stun.AttrRequestedIP, encodeIP(p.IP))
	}
	if p.Port != stun.PortUnspecified {
		props := byte(0)
		if p.PortEven {
			props = 1
		}
		m.Add(stun.AttrRequestedPortProps, []byte{props, 0, byte(p.Port >> 8), byte(p.Port)})
	}
	return m, nil
}

func buildRefreshRequest(lifetime uint32) (*stun.Message, error) {
	m, err := stun.NewRequest(stun.MethodRefresh)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.SetLifetime(lifetime)
	return m, nil
}

func buildBindRequest() (*stun.Message, error) {
	return errtrace.Wrap2(stun.NewRequest(stun.MethodBinding))
}

func buildSharedSecretRequest() (*stun.Message, error) {
	return errtrace.Wrap2(stun.NewRequest(stun.MethodSharedSecret))
}

// buildSendIndication wraps payload for a peer whose client→server
// channel isn't confirmed yet, per SPEC_FULL.md §4.7's send() algorithm.
func buildSendIndication(addr *net.UDPAddr, channel uint16, payload []byte) (*stun.Message, error) {
	m, err := stun.NewIndication(stun.MethodSend)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.SetPeerAddress(addr)
	m.SetChannelNumber(channel)
	m.SetData(payload)
	return m, nil
}

// buildChannelConfirmation acknowledges a peer's first DataInd over UDP,
// echoing its address and channel (SPEC_FULL.md §4.8).
func buildChannelConfirmation(addr *net.UDPAddr, channel uint16) (*stun.Message, error) {
	m, err := stun.NewIndication(stun.MethodChannelBind)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.SetPeerAddress(addr)
	m.SetChannelNumber(channel)
	return m, nil
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func encodeIP(ip net.IP) []byte {
	ip4 := ip.To4()
	b := make([]byte, 8)
	b[0] = 0x01
	copy(b[4:], ip4)
	return b
}
