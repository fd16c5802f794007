package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipturn/timer"
)

// ClientInviteTransaction implements the Client INVITE machine from
// SPEC_FULL.md §4.3: Calling -> Proceeding -> Completed -> (destroyed), or
// Calling/Proceeding -> Stale -> (destroyed) on a 2xx final response.
type ClientInviteTransaction struct {
	*Transaction

	amu   sync.Mutex
	aNext time.Duration // current Timer A backoff while unacknowledged
	ack   *Message
}

// NewClientInviteTransaction creates a Client INVITE transaction for req and
// immediately sends it.
func NewClientInviteTransaction(
	ctx context.Context,
	id TransactionID,
	tuple string,
	req *Message,
	tp Transport,
	tu TU,
	timers *timer.Service,
	opts *ClientTransactionOptions,
	post func(ctx context.Context, ev Event),
) *ClientInviteTransaction {
	base := newTransactionBase(id, MachineClientInvite, tp, tu, opts.timings(), timers, opts.logger())
	base.post = post
	base.tuple = tuple
	tx := &ClientInviteTransaction{Transaction: base}
	tx.initFSM()
	tx.actCalling(ctx, req)
	return tx
}

func (tx *ClientInviteTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateCalling)

	tx.fsm.Configure(StateCalling).
		InternalTransition(trigTimerA, tx.actTimerA).
		Permit(trigRecv1xx, StateProceeding).
		Permit(trigRecv2xx, StateStale).
		Permit(trigRecv3xxPlus, StateCompleted).
		Permit(trigTimerB, StateTerminated).
		Permit(trigTranspErr, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntry(tx.actEnterProceeding).
		OnEntryFrom(trigRecv1xx, tx.actPassRes).
		InternalTransition(trigRecv1xx, tx.actPassRes).
		Permit(trigRecv2xx, StateStale).
		Permit(trigRecv3xxPlus, StateCompleted).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actEnterCompleted).
		OnEntryFrom(trigRecv3xxPlus, tx.actPassResAndAck).
		InternalTransition(trigRecv3xxPlus, tx.actSendAck).
		Permit(trigTimerD, StateTerminated).
		Permit(trigTranspErr, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateStale).
		OnEntry(tx.actEnterStale).
		OnEntryFrom(trigRecv2xx, tx.actPassRes).
		InternalTransition(trigRecv2xx, tx.actPassRes).
		Permit(trigTimerStale, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(trigTimerB, tx.actTimedOut).
		OnEntryFrom(trigTranspErr, tx.actTranspErr)

	tx.wireStateNotify()
}

// Deliver routes an Event into the FSM.
func (tx *ClientInviteTransaction) Deliver(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventWireSIP:
		if ev.Msg == nil || !ev.Msg.IsResponse() {
			return
		}
		switch {
		case ev.Msg.IsProvisional():
			tx.fire(ctx, trigRecv1xx, ev)
		case ev.Msg.Is2xx():
			tx.fire(ctx, trigRecv2xx, ev)
		default:
			tx.fire(ctx, trigRecv3xxPlus, ev)
		}
	case EventTimer:
		switch ev.TimerKind {
		case KindA:
			tx.fire(ctx, trigTimerA)
		case KindB:
			tx.fire(ctx, trigTimerB)
		case KindD:
			tx.fire(ctx, trigTimerD)
		case KindStale:
			tx.fire(ctx, trigTimerStale)
		}
	case EventTransportError:
		tx.fire(ctx, trigTranspErr, ev)
	case EventTerminate:
		tx.fire(ctx, trigTerminate)
	}
}

func (tx *ClientInviteTransaction) actCalling(ctx context.Context, req *Message) {
	tx.setMsgToRetransmit(req)

	if !tx.IsReliable() {
		tx.amu.Lock()
		tx.aNext = tx.timings.TimeA()
		tx.amu.Unlock()
		tx.scheduleTimer(ctx, KindA, tx.timings.TimeA())
	}
	tx.scheduleTimer(ctx, KindB, tx.timings.TimeB())

	if _, err := tx.tp.Send(ctx, tx.Tuple(), req); err != nil {
		tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
	}
}

func (tx *ClientInviteTransaction) actTimerA(ctx context.Context, _ ...any) error {
	tx.amu.Lock()
	next := 2 * tx.aNext
	tx.aNext = next
	tx.amu.Unlock()

	tx.scheduleTimer(ctx, KindA, next)
	tx.log.DebugContext(ctx, "timer A fired, retransmitting", slog.Duration("next", next))
	if msg := tx.MsgToRetransmit(); msg != nil {
		if err := tx.tp.Retransmit(ctx, tx.Tuple(), msg); err != nil {
			tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
		}
	}
	return nil
}

func (tx *ClientInviteTransaction) actEnterProceeding(ctx context.Context, _ ...any) error {
	tx.timers.Cancel(KindA, string(tx.id))
	tx.timers.Cancel(KindB, string(tx.id))
	return nil
}

func (tx *ClientInviteTransaction) actPassRes(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.tu.Deliver(ctx, ev.Msg)
	return nil
}

func (tx *ClientInviteTransaction) actEnterCompleted(ctx context.Context, _ ...any) error {
	tx.timers.Cancel(KindA, string(tx.id))
	tx.timers.Cancel(KindB, string(tx.id))

	d := tx.timings.TimeD()
	if tx.IsReliable() {
		d = 0
	}
	tx.scheduleTimer(ctx, KindD, d)
	return nil
}

func (tx *ClientInviteTransaction) actPassResAndAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...)      //nolint:errcheck
	_ = tx.actSendAck(ctx, args...)  //nolint:errcheck
	return nil
}

// actSendAck builds (once) and (re)sends the non-2xx failure ACK per
// SPEC_FULL.md §4.3 — RFC 3261 §17.1.1.3's "ACK for failures is
// constructed and sent by the client transaction" behaviour, which neither
// the dispatcher nor the external request builder need duplicate.
func (tx *ClientInviteTransaction) actSendAck(ctx context.Context, args ...any) error {
	tx.amu.Lock()
	ack := tx.ack
	tx.amu.Unlock()

	if ack == nil {
		ev, _ := args[0].(Event)
		req := tx.MsgToRetransmit()
		ack = buildFailureAck(req, ev.Msg)
		tx.amu.Lock()
		tx.ack = ack
		tx.amu.Unlock()
	}

	tx.log.DebugContext(ctx, "sending ACK", slog.Any("msg", ack))
	if err := tx.tp.Retransmit(ctx, tx.Tuple(), ack); err != nil {
		tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
	}
	return nil
}

func (tx *ClientInviteTransaction) actEnterStale(ctx context.Context, _ ...any) error {
	tx.timers.Cancel(KindA, string(tx.id))
	tx.timers.Cancel(KindB, string(tx.id))
	tx.promoteMachine(MachineStale)
	tx.scheduleTimer(ctx, KindStale, tx.timings.Stale())
	return nil
}

func (tx *ClientInviteTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.destroy(ctx)
	return nil
}

func (tx *ClientInviteTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	tx.tu.Deliver(ctx, buildTimeoutResponse(tx.MsgToRetransmit()))
	return nil
}

func (tx *ClientInviteTransaction) actTranspErr(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.tu.Deliver(ctx, buildTransportErrorResponse(tx.MsgToRetransmit()))
	tx.log.WarnContext(ctx, "transport error", slog.Any("error", ev.Err))
	return nil
}
