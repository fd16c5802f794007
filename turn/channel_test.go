package turn

import (
	"errors"
	"net"
	"testing"
)

func TestChannelManagerAllocatesFromReservedRangeUpward(t *testing.T) {
	m := newChannelManager()
	a := m.peerFor(&net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 9000})
	b := m.peerFor(&net.UDPAddr{IP: net.IPv4(5, 6, 7, 9), Port: 9000})

	if a.c2sChannel != minChannelNumber {
		t.Fatalf("first peer's channel = %#x, want %#x", a.c2sChannel, minChannelNumber)
	}
	if b.c2sChannel != minChannelNumber+1 {
		t.Fatalf("second peer's channel = %#x, want %#x", b.c2sChannel, minChannelNumber+1)
	}
}

func TestChannelManagerReturnsSamePeerForSameAddress(t *testing.T) {
	m := newChannelManager()
	addr := &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 9000}
	a := m.peerFor(addr)
	b := m.peerFor(addr)
	if a != b {
		t.Fatal("peerFor returned distinct peers for the same address")
	}
}

func TestChannelManagerLearnsS2CChannelOnce(t *testing.T) {
	m := newChannelManager()
	p := m.peerFor(&net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 9000})

	if err := m.learnS2C(p, 32768); err != nil {
		t.Fatalf("learnS2C: %v", err)
	}
	if !p.s2cLearned || p.s2cChannel != 32768 {
		t.Fatalf("peer s2c state = %+v, want learned channel 32768", p)
	}

	if err := m.learnS2C(p, 32768); err != nil {
		t.Fatalf("learnS2C (repeat, same channel): %v", err)
	}
	if err := m.learnS2C(p, 32769); !errors.Is(err, ErrInvalidChannelNumberReceived) {
		t.Fatalf("learnS2C (different channel) = %v, want ErrInvalidChannelNumberReceived", err)
	}
}

func TestDecodeChannelDataDistinguishesFromSTUN(t *testing.T) {
	stunLike := []byte{0x00, 0x01, 0x00, 0x00, 0x21, 0x12, 0xA4, 0x42}
	if _, _, ok := decodeChannelData(stunLike); ok {
		t.Fatal("decodeChannelData misidentified a STUN-shaped header as channel data")
	}

	frame := encodeChannelData(0x8000, []byte("hi-back"))
	ch, payload, ok := decodeChannelData(frame)
	if !ok {
		t.Fatal("decodeChannelData failed to recognize its own encoding")
	}
	if ch != 0x8000 || string(payload) != "hi-back" {
		t.Fatalf("decoded (channel=%#x, payload=%q), want (0x8000, \"hi-back\")", ch, payload)
	}
}
