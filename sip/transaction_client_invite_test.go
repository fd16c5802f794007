package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/ghettovoice/sipturn/sip"
	"github.com/ghettovoice/sipturn/timer"
)

func newTestInvite() *sip.Message {
	return &sip.Message{
		Method: sip.MethodInvite,
		CallID: "call-invite-1",
		From:   "sip:alice@example.com;tag=a1",
		CSeq:   1,
		Via:    sip.Via{Branch: "z9hG4bK-invite-1", SentBy: "alice:5060", Transport: sip.TransportUDP},
	}
}

func TestClientInviteRetransmitsOnTimerAUntilProceeding(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	var tx *sip.ClientInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewClientInviteTransaction(ctx, "tx-inv-1", "peer", req, tp, tu, timers,
		&sip.ClientTransactionOptions{Timings: ptrTimings(testTimings())}, post)

	if tp.sentCount() != 1 {
		t.Fatalf("expected INVITE sent immediately, got %d", tp.sentCount())
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && tp.retransmitCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if tp.retransmitCount() == 0 {
		t.Fatalf("expected at least one Timer A retransmit while unanswered")
	}

	prov := &sip.Message{StatusCode: 180, Reason: "Ringing", CSeqMethod: sip.MethodInvite, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: prov})
	if tx.State() != sip.StateProceeding {
		t.Fatalf("expected state Proceeding, got %s", tx.State())
	}

	n := tp.retransmitCount()
	time.Sleep(30 * time.Millisecond)
	if tp.retransmitCount() != n {
		t.Fatalf("expected Timer A retransmits to stop once Proceeding, got %d -> %d", n, tp.retransmitCount())
	}
}

func TestClientInviteSendsAckOnNon2xxFinal(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	var tx *sip.ClientInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewClientInviteTransaction(ctx, "tx-inv-2", "peer", req, tp, tu, timers,
		&sip.ClientTransactionOptions{Timings: ptrTimings(testTimings())}, post)

	res := &sip.Message{StatusCode: 486, Reason: "Busy Here", CSeqMethod: sip.MethodInvite, Via: req.Via, To: "sip:bob@example.com;tag=b1"}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: res})

	if tx.State() != sip.StateCompleted {
		t.Fatalf("expected state Completed, got %s", tx.State())
	}
	if tp.retransmitCount() != 1 {
		t.Fatalf("expected exactly one ACK sent via Retransmit, got %d", tp.retransmitCount())
	}
	if tu.count() != 1 || tu.last().StatusCode != 486 {
		t.Fatalf("expected TU to receive the 486, got %+v", tu.last())
	}

	// A retransmitted 486 must re-trigger the same stored ACK, not rebuild one.
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: res})
	if tp.retransmitCount() != 2 {
		t.Fatalf("expected the ACK to be resent on retransmitted final response, got %d", tp.retransmitCount())
	}
}

func TestClientInvitePromotesToStaleOn2xx(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestInvite()

	var tx *sip.ClientInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewClientInviteTransaction(ctx, "tx-inv-3", "peer", req, tp, tu, timers,
		&sip.ClientTransactionOptions{Timings: ptrTimings(testTimings())}, post)

	res := &sip.Message{StatusCode: 200, Reason: "OK", CSeqMethod: sip.MethodInvite, Via: req.Via, To: "sip:bob@example.com;tag=b1"}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: res})

	if tx.State() != sip.StateStale {
		t.Fatalf("expected state Stale after 2xx, got %s", tx.State())
	}
	if tx.Machine() != sip.MachineStale {
		t.Fatalf("expected machine promoted to Stale, got %s", tx.Machine())
	}
	if tu.count() != 1 || tu.last().StatusCode != 200 {
		t.Fatalf("expected TU to receive the 200, got %+v", tu.last())
	}

	// A retransmitted 2xx while Stale is passed to the TU again (the TU/UAC
	// dialog layer, not this transaction, retransmits the ACK).
	tx.Deliver(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: res})
	if tu.count() != 2 {
		t.Fatalf("expected the retransmitted 2xx to reach the TU again, got count=%d", tu.count())
	}
}
