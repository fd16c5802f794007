package sip_test

import (
	"context"
	"testing"

	"github.com/ghettovoice/sipturn/sip"
	"github.com/ghettovoice/sipturn/timer"
)

func TestDispatcherCreatesServerTransactionForNewRequest(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	tbl := sip.NewTable(nil)
	timers := timer.NewService(nil)
	disp := sip.NewDispatcher(tu, &sip.DispatcherOptions{Table: tbl, Timers: timers})

	req := newTestRegister()
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: req, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if tbl.Len() != 1 {
		t.Fatalf("expected one transaction created, got %d", tbl.Len())
	}
	if tu.count() != 1 {
		t.Fatalf("expected the request forwarded to the TU, got %d", tu.count())
	}
}

func TestDispatcherDiscardsStrayAck(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	tbl := sip.NewTable(nil)
	timers := timer.NewService(nil)
	disp := sip.NewDispatcher(tu, &sip.DispatcherOptions{Table: tbl, Timers: timers})

	ack := &sip.Message{Method: sip.MethodAck, CSeqMethod: sip.MethodAck, Via: sip.Via{Branch: "z9hG4bK-orphan", SentBy: "x:5060"}}
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: ack, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected a stray ACK not to create a transaction, got %d", tbl.Len())
	}
	if tu.count() != 0 {
		t.Fatalf("expected a stray ACK not to reach the TU, got %d", tu.count())
	}
}

func TestDispatcherDiscardsStrayResponseByDefault(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	tbl := sip.NewTable(nil)
	timers := timer.NewService(nil)
	disp := sip.NewDispatcher(tu, &sip.DispatcherOptions{Table: tbl, Timers: timers})

	res := &sip.Message{StatusCode: 200, Reason: "OK", CSeqMethod: sip.MethodRegister, Via: sip.Via{Branch: "z9hG4bK-orphan2", SentBy: "x:5060"}}
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: res, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("expected stray response to be silently discarded, got %v", err)
	}
}

func TestDispatcherWireCancelCreatesNestedChild(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	tbl := sip.NewTable(nil)
	timers := timer.NewService(nil)
	disp := sip.NewDispatcher(tu, &sip.DispatcherOptions{Table: tbl, Timers: timers})

	invite := newTestInvite()
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: invite, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("dispatch INVITE failed: %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected one transaction after INVITE, got %d", tbl.Len())
	}

	cancel := &sip.Message{Method: sip.MethodCancel, CallID: invite.CallID, Via: invite.Via}
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: cancel, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("dispatch CANCEL failed: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected a nested CANCEL child transaction created, got %d", tbl.Len())
	}
	if tu.count() != 2 {
		t.Fatalf("expected both the INVITE and CANCEL forwarded to the TU, got %d", tu.count())
	}

	// A retransmitted CANCEL must reuse the existing child, not create another.
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: cancel, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("dispatch retransmitted CANCEL failed: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected the retransmitted CANCEL to reuse the existing child, got %d", tbl.Len())
	}
}

func TestDispatcherCloseTerminatesAllTransactions(t *testing.T) {
	ctx := context.Background()
	tp := newFakeTransport(sip.TransportUDP)
	tu := &fakeTU{}
	tbl := sip.NewTable(nil)
	timers := timer.NewService(nil)
	disp := sip.NewDispatcher(tu, &sip.DispatcherOptions{Table: tbl, Timers: timers})

	req := newTestRegister()
	if err := disp.Dispatch(ctx, sip.Event{Kind: sip.EventWireSIP, Msg: req, TP: tp, Tuple: "peer"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected one transaction, got %d", tbl.Len())
	}

	disp.Close(ctx)
	if tbl.Len() != 0 {
		t.Fatalf("expected Close to terminate and remove every transaction, got %d", tbl.Len())
	}
}
