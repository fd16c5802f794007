package turn_test

import (
	"context"
	"sync"

	pionstun "github.com/pion/stun"

	"github.com/ghettovoice/sipturn/turn"
)

// fakeTransport records every Send call so a test can inspect what the
// Client wrote and correlate it with a transaction id to build a reply.
type fakeTransport struct {
	transportType turn.TransportType

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport(tt turn.TransportType) *fakeTransport {
	return &fakeTransport{transportType: tt}
}

func (f *fakeTransport) Send(_ context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) ConnectedAddress() string      { return "192.0.2.1" }
func (f *fakeTransport) ConnectedPort() uint16          { return 3478 }
func (f *fakeTransport) TransportType() turn.TransportType { return f.transportType }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastTID() [pionstun.TransactionIDSize]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := new(pionstun.Message)
	_ = m.UnmarshalBinary(f.sent[len(f.sent)-1])
	return m.TransactionID
}

func (f *fakeTransport) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}
