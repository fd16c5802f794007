package stun_test

import (
	"context"
	"sync"

	pionstun "github.com/pion/stun"
)

// fakeTransport records every Send call and lets tests feed bytes back into
// the Engine via Deliver, mirroring how the SIP transaction suite stubs its
// transport rather than opening real sockets.
type fakeTransport struct {
	reliable bool

	mu   sync.Mutex
	sent [][]byte
	err  error
}

func newFakeTransport(reliable bool) *fakeTransport {
	return &fakeTransport{reliable: reliable}
}

func (f *fakeTransport) Send(_ context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Reliable() bool { return f.reliable }

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
