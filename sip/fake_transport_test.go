package sip_test

import (
	"context"
	"sync"
	"time"

	"github.com/ghettovoice/sipturn/sip"
)

// fakeTransport records every Send/Retransmit call and lets tests control
// whether writes succeed, mirroring how gosip's transaction suite stubs the
// transport layer rather than opening real sockets.
type fakeTransport struct {
	transportType sip.TransportType

	mu          sync.Mutex
	sent        []*sip.Message
	retransmits []*sip.Message
	sendErr     error
	sendResult  sip.SendResult
}

func newFakeTransport(tt sip.TransportType) *fakeTransport {
	return &fakeTransport{transportType: tt, sendResult: sip.SentUnreliable}
}

func (f *fakeTransport) Send(ctx context.Context, tuple string, msg *sip.Message) (<-chan sip.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, msg)
	ch := make(chan sip.SendResult, 1)
	ch <- f.sendResult
	close(ch)
	return ch, nil
}

func (f *fakeTransport) Retransmit(ctx context.Context, tuple string, msg *sip.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.retransmits = append(f.retransmits, msg)
	return nil
}

func (f *fakeTransport) ConnectedAddress() string         { return "127.0.0.1" }
func (f *fakeTransport) ConnectedPort() uint16            { return 5060 }
func (f *fakeTransport) TransportType() sip.TransportType { return f.transportType }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) retransmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retransmits)
}

func (f *fakeTransport) lastSent() *sip.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// fakeTU records every message delivered to the Transaction User.
type fakeTU struct {
	mu  sync.Mutex
	got []*sip.Message
}

func (f *fakeTU) Deliver(ctx context.Context, msg *sip.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
}

func (f *fakeTU) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func (f *fakeTU) last() *sip.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return nil
	}
	return f.got[len(f.got)-1]
}

// testTimings scales RFC 3261's timer intervals down to milliseconds so a
// full retransmission/timeout cycle runs in well under a second, the way
// the teacher's transaction suite shrinks T1 for fast tests.
func testTimings() sip.Timings {
	return sip.NewTimings(10*time.Millisecond, 40*time.Millisecond, 20*time.Millisecond, 5*time.Millisecond, 30*time.Millisecond)
}
