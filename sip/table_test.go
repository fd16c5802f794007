package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/ghettovoice/sipturn/sip"
	"github.com/ghettovoice/sipturn/timer"
)

func TestTableInsertRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	tbl := sip.NewTable(nil)
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestRegister()

	tx1 := sip.NewServerNonInviteTransaction("dup-1", "peer", req, tp, tu, timers, nil, func(context.Context, sip.Event) {})
	if err := tbl.Insert(ctx, tx1); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	tx2 := sip.NewServerNonInviteTransaction("dup-1", "peer", req, tp, tu, timers, nil, func(context.Context, sip.Event) {})
	if err := tbl.Insert(ctx, tx2); err == nil {
		t.Fatalf("expected duplicate id insert to fail")
	}
}

func TestTableRemovesOnTerminated(t *testing.T) {
	ctx := context.Background()
	tbl := sip.NewTable(nil)
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestRegister()

	var tx *sip.ServerNonInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewServerNonInviteTransaction("term-1", "peer", req, tp, tu, timers,
		&sip.ServerTransactionOptions{Timings: ptrTimings(testTimings())}, post)
	if err := tbl.Insert(ctx, tx); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	res := &sip.Message{StatusCode: 200, Reason: "OK", CSeqMethod: sip.MethodRegister, Via: req.Via}
	tx.Deliver(ctx, sip.Event{Kind: sip.EventTUSIP, Msg: res})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tbl.Len() != 0 {
		time.Sleep(time.Millisecond)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected the table to remove the transaction once Terminated, len=%d", tbl.Len())
	}
	if _, ok := tbl.Lookup("term-1"); ok {
		t.Fatalf("expected Lookup to miss after removal")
	}
}

func TestTableStaleGuardForceTerminates(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	timers := timer.NewService(nil)
	req := newTestRegister()

	tbl := sip.NewTable(&sip.TableOptions{StaleTimeout: 10 * time.Millisecond})

	var tx *sip.ServerNonInviteTransaction
	post := func(ctx context.Context, ev sip.Event) { tx.Deliver(ctx, ev) }
	tx = sip.NewServerNonInviteTransaction("stale-1", "peer", req, tp, tu, timers, nil, post)
	if err := tbl.Insert(ctx, tx); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tbl.Len() != 0 {
		time.Sleep(time.Millisecond)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected the stale guard to force-terminate and remove the transaction")
	}
	if tx.State() != sip.StateTerminated {
		t.Fatalf("expected the transaction itself to reach Terminated, got %s", tx.State())
	}
}
