package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/ghettovoice/sipturn/sip"
	"github.com/ghettovoice/sipturn/timer"
)

// TestServerInviteTimerTryingFiresRegardlessOfTUAnswer models spec scenario
// 4: a 180 sent by the TU before Timer_Trying fires must still be what goes
// out when the timer elapses, and no separate 100 Trying should follow.
func TestServerInviteTimerTryingFiresRegardlessOfTUAnswer(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	fast := sip.NewTimings(50*time.Millisecond, 200*time.Millisecond, 100*time.Millisecond, 20*time.Millisecond, 150*time.Millisecond)
	var tx *sip.ServerInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewServerInviteTransaction(ctx, "srv-inv-1", "peer", req, tp, tu, timers,
		&sip.ServerTransactionOptions{Timings: &fast}, post)

	// TU answers with a 180 well before T100 elapses.
	time.Sleep(2 * time.Millisecond)
	prov := &sip.Message{StatusCode: 180, Reason: "Ringing", CSeqMethod: sip.MethodInvite, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventTUSIP, Msg: prov})
	if tp.sentCount() != 1 || tp.lastSent().StatusCode != 180 {
		t.Fatalf("expected the 180 sent immediately, got sentCount=%d last=%+v", tp.sentCount(), tp.lastSent())
	}

	// Wait past T100: Timer_Trying must fire and transmit the stored
	// message again — the 180, never a 100 — because it is never cancelled.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && tp.sentCount() < 2 {
		time.Sleep(time.Millisecond)
	}
	if tp.sentCount() != 2 {
		t.Fatalf("expected Timer_Trying to transmit the stored response, got sentCount=%d", tp.sentCount())
	}
	if tp.lastSent().StatusCode != 180 {
		t.Fatalf("expected the stored 180 to be retransmitted, not a 100, got %+v", tp.lastSent())
	}
}

func TestServerInviteTimerTryingSendsPreformed100WhenTUSilent(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	fast := sip.NewTimings(50*time.Millisecond, 200*time.Millisecond, 100*time.Millisecond, 5*time.Millisecond, 150*time.Millisecond)
	var tx *sip.ServerInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewServerInviteTransaction(ctx, "srv-inv-2", "peer", req, tp, tu, timers,
		&sip.ServerTransactionOptions{Timings: &fast}, post)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && tp.sentCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if tp.sentCount() != 1 || tp.lastSent().StatusCode != 100 {
		t.Fatalf("expected the pre-formed 100 Trying sent, got sentCount=%d last=%+v", tp.sentCount(), tp.lastSent())
	}
}

func TestServerInviteConfirmedOnAckThenTerminates(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	var tx *sip.ServerInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewServerInviteTransaction(ctx, "srv-inv-3", "peer", req, tp, tu, timers,
		&sip.ServerTransactionOptions{Timings: ptrTimings(testTimings())}, post)

	res := &sip.Message{StatusCode: 486, Reason: "Busy Here", CSeqMethod: sip.MethodInvite, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventTUSIP, Msg: res})
	if tx.State() != sip.StateCompleted {
		t.Fatalf("expected state Completed, got %s", tx.State())
	}

	ack := &sip.Message{Method: sip.MethodAck, CSeqMethod: sip.MethodAck, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: ack})
	if tx.State() != sip.StateConfirmed {
		t.Fatalf("expected state Confirmed after ACK, got %s", tx.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tx.State() != sip.StateTerminated {
		time.Sleep(time.Millisecond)
	}
	if tx.State() != sip.StateTerminated {
		t.Fatalf("expected transaction to terminate after Timer I, got %s", tx.State())
	}
}

func TestServerInvitePromotesToStaleOn2xx(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	var tx *sip.ServerInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewServerInviteTransaction(ctx, "srv-inv-4", "peer", req, tp, tu, timers,
		&sip.ServerTransactionOptions{Timings: ptrTimings(testTimings())}, post)

	res := &sip.Message{StatusCode: 200, Reason: "OK", CSeqMethod: sip.MethodInvite, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventTUSIP, Msg: res})

	if tx.State() != sip.StateStale {
		t.Fatalf("expected state Stale after 2xx, got %s", tx.State())
	}
	if tx.Machine() != sip.MachineStale {
		t.Fatalf("expected machine promoted to Stale, got %s", tx.Machine())
	}

	// ACK for the 2xx must be passed straight to the TU while Stale.
	ack := &sip.Message{Method: sip.MethodAck, CSeqMethod: sip.MethodAck, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: ack})
	if tu.count() != 1 || tu.last().Method != sip.MethodAck {
		t.Fatalf("expected the ACK passed to the TU, got %+v", tu.last())
	}
}
