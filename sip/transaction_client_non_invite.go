package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipturn/timer"
)

const trigRecvFinal trigger = "recv_final"

// ClientNonInviteTransaction implements the Client Non-INVITE machine from
// SPEC_FULL.md §4.2: Trying -> Proceeding -> Completed -> (destroyed).
type ClientNonInviteTransaction struct {
	*Transaction

	e1mu   sync.Mutex
	e1Next time.Duration // current Timer E backoff while in Trying, doubling up to T2
}

// ClientTransactionOptions configures a client transaction's construction.
type ClientTransactionOptions struct {
	Timings *Timings
	Logger  *slog.Logger
}

func (o *ClientTransactionOptions) timings() Timings {
	if o == nil || o.Timings == nil {
		return DefaultTimings()
	}
	return *o.Timings
}

func (o *ClientTransactionOptions) logger() *slog.Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

// NewClientNonInviteTransaction creates a Client Non-INVITE transaction for
// req and immediately sends it, per SPEC_FULL.md §4.2 ("New request from
// TU"). post re-enters timer/transport events onto the owning dispatcher.
func NewClientNonInviteTransaction(
	ctx context.Context,
	id TransactionID,
	tuple string,
	req *Message,
	tp Transport,
	tu TU,
	timers *timer.Service,
	opts *ClientTransactionOptions,
	post func(ctx context.Context, ev Event),
) *ClientNonInviteTransaction {
	base := newTransactionBase(id, MachineClientNonInvite, tp, tu, opts.timings(), timers, opts.logger())
	base.post = post
	base.tuple = tuple
	tx := &ClientNonInviteTransaction{Transaction: base}
	tx.initFSM()
	tx.actSend(ctx, req)
	return tx
}

func (tx *ClientNonInviteTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateTrying)

	tx.fsm.Configure(StateTrying).
		Permit(trigRecv1xx, StateProceeding).
		InternalTransition(trigTimerE1, tx.actTimerE1).
		Permit(trigRecvFinal, StateCompleted).
		Permit(trigTimerF, StateTerminated).
		Permit(trigTranspErr, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(trigRecv1xx, tx.actEnterProceeding).
		InternalTransition(trigRecv1xx, tx.actRecv1xxOrProceeding).
		InternalTransition(trigTimerE2, tx.actTimerE2).
		Permit(trigRecvFinal, StateCompleted).
		Permit(trigTimerF, StateTerminated).
		Permit(trigTranspErr, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(trigRecvFinal, tx.actEnterCompleted).
		Permit(trigTimerK, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(trigTimerF, tx.actTimerF).
		OnEntryFrom(trigTranspErr, tx.actTranspErr)

	tx.wireStateNotify()
}

func (tx *ClientNonInviteTransaction) actSend(ctx context.Context, req *Message) {
	tx.setMsgToRetransmit(req)
	tx.scheduleTimer(ctx, KindF, tx.timings.TimeF())

	result, err := tx.tp.Send(ctx, tx.Tuple(), req)
	if err != nil {
		tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
		return
	}
	go func() {
		select {
		case r, ok := <-result:
			if !ok {
				return
			}
			if r == SentUnreliable {
				tx.post(ctx, Event{Kind: EventSendIndication, TxID: tx.id, SendResult: r})
			}
		case <-ctx.Done():
		}
	}()
}

// Deliver routes an Event to the FSM, translating its payload into the
// appropriate trigger. Unrecognized combinations are ignored per
// SPEC_FULL.md §4.2's exhaustive-but-"else ignore" event table.
func (tx *ClientNonInviteTransaction) Deliver(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventWireSIP:
		if ev.Msg == nil || !ev.Msg.IsResponse() {
			return
		}
		if ev.Msg.IsProvisional() {
			tx.fire(ctx, trigRecv1xx, ev)
		} else {
			tx.fire(ctx, trigRecvFinal, ev)
		}
	case EventSendIndication:
		if ev.SendResult == SentUnreliable && tx.State() == StateTrying {
			tx.e1mu.Lock()
			tx.e1Next = tx.timings.TimeE1()
			tx.e1mu.Unlock()
			tx.scheduleTimer(ctx, KindE1, tx.timings.TimeE1())
		}
	case EventTimer:
		switch ev.TimerKind {
		case KindE1:
			tx.fire(ctx, trigTimerE1)
		case KindE2:
			tx.fire(ctx, trigTimerE2)
		case KindF:
			tx.fire(ctx, trigTimerF)
		case KindK:
			tx.fire(ctx, trigTimerK)
		}
	case EventTransportError:
		tx.fire(ctx, trigTranspErr, ev)
	case EventTerminate:
		tx.fire(ctx, trigTerminate)
	}
}

// actEnterProceeding fires once on Trying -> Proceeding: a provisional
// response pins Timer E at the fixed T2 interval for the rest of the
// transaction, per SPEC_FULL.md §4.2 (RFC 3261 §17.1.2.2's Timer E
// behaviour). Unreliable transports only: actSend never schedules Timer E1
// on a reliable one, so there is nothing to cancel/replace there.
func (tx *ClientNonInviteTransaction) actEnterProceeding(ctx context.Context, args ...any) error {
	if !tx.IsReliable() {
		tx.timers.Cancel(KindE1, string(tx.id))
		tx.scheduleTimer(ctx, KindE2, tx.timings.T2())
	}
	return tx.actRecv1xxOrProceeding(ctx, args...)
}

func (tx *ClientNonInviteTransaction) actRecv1xxOrProceeding(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.log.DebugContext(ctx, "provisional response", slog.Any("msg", ev.Msg))
	tx.tu.Deliver(ctx, ev.Msg)
	return nil
}

func (tx *ClientNonInviteTransaction) actTimerE1(ctx context.Context, _ ...any) error {
	tx.e1mu.Lock()
	next := minDuration(2*tx.e1Next, tx.timings.T2())
	tx.e1Next = next
	tx.e1mu.Unlock()

	tx.scheduleTimer(ctx, KindE1, next)
	tx.log.DebugContext(ctx, "timer E1 fired, retransmitting", slog.Duration("next", next))
	tx.retransmit(ctx)
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (tx *ClientNonInviteTransaction) actTimerE2(ctx context.Context, _ ...any) error {
	tx.scheduleTimer(ctx, KindE2, tx.timings.T2())
	tx.retransmit(ctx)
	return nil
}

func (tx *ClientNonInviteTransaction) retransmit(ctx context.Context) {
	msg := tx.MsgToRetransmit()
	if msg == nil {
		return
	}
	if err := tx.tp.Retransmit(ctx, tx.Tuple(), msg); err != nil {
		tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
	}
}

func (tx *ClientNonInviteTransaction) actEnterCompleted(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.tu.Deliver(ctx, ev.Msg)

	d := tx.timings.TimeK()
	if tx.IsReliable() {
		d = 0
	}
	tx.scheduleTimer(ctx, KindK, d)
	return nil
}

func (tx *ClientNonInviteTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.destroy(ctx)
	return nil
}

func (tx *ClientNonInviteTransaction) actTimerF(ctx context.Context, _ ...any) error {
	tx.tu.Deliver(ctx, buildTimeoutResponse(tx.MsgToRetransmit()))
	return nil
}

func (tx *ClientNonInviteTransaction) actTranspErr(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.tu.Deliver(ctx, buildTransportErrorResponse(tx.MsgToRetransmit()))
	tx.log.WarnContext(ctx, "transport error", slog.Any("error", ev.Err))
	return nil
}
