package sip

import (
	"context"
	"log/slog"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipturn/timer"
)

// ServerTransactionOptions configures a server transaction's construction.
type ServerTransactionOptions struct {
	Timings *Timings
	Logger  *slog.Logger
}

func (o *ServerTransactionOptions) timings() Timings {
	if o == nil || o.Timings == nil {
		return DefaultTimings()
	}
	return *o.Timings
}

func (o *ServerTransactionOptions) logger() *slog.Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

// ServerNonInviteTransaction implements the Server Non-INVITE machine from
// SPEC_FULL.md §4.4: Trying -> Proceeding -> Completed -> (destroyed).
type ServerNonInviteTransaction struct {
	*Transaction
}

// NewServerNonInviteTransaction creates a Server Non-INVITE transaction for
// an inbound req. Unlike the client side, it does not send anything on
// construction: SPEC_FULL.md §4.4 has the TU drive the first response.
func NewServerNonInviteTransaction(
	id TransactionID,
	tuple string,
	req *Message,
	tp Transport,
	tu TU,
	timers *timer.Service,
	opts *ServerTransactionOptions,
	post func(ctx context.Context, ev Event),
) *ServerNonInviteTransaction {
	base := newTransactionBase(id, MachineServerNonInvite, tp, tu, opts.timings(), timers, opts.logger())
	base.post = post
	base.tuple = tuple
	base.setMsgToRetransmit(req)
	tx := &ServerNonInviteTransaction{Transaction: base}
	tx.initFSM()
	return tx
}

func (tx *ServerNonInviteTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateTrying)

	tx.fsm.Configure(StateTrying).
		InternalTransition(trigRecvRetransmit, tx.actNoop).
		Permit(trigSend1xx, StateProceeding).
		Permit(trigSendFinal, StateCompleted).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(trigSend1xx, tx.actSendRes).
		InternalTransition(trigRecvRetransmit, tx.actResendRes).
		InternalTransition(trigSend1xx, tx.actSendRes).
		Permit(trigSendFinal, StateCompleted).
		Permit(trigTranspErr, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actEnterCompleted).
		OnEntryFrom(trigSendFinal, tx.actSendRes).
		InternalTransition(trigRecvRetransmit, tx.actResendRes).
		InternalTransition(trigSendFinal, tx.actNoop).
		Permit(trigTimerJ, StateTerminated).
		Permit(trigTranspErr, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(trigTranspErr, tx.actTranspErr)

	tx.wireStateNotify()
}

// Deliver routes an Event into the FSM: EventWireSIP carries a retransmitted
// request, EventTUSIP carries a response the TU wants sent, EventTimer
// carries Timer J's expiry.
func (tx *ServerNonInviteTransaction) Deliver(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventWireSIP:
		if ev.Msg != nil && ev.Msg.IsRequest() {
			tx.fire(ctx, trigRecvRetransmit, ev)
		}
	case EventTUSIP:
		if ev.Msg == nil || !ev.Msg.IsResponse() {
			return
		}
		tx.setMsgToRetransmit(ev.Msg)
		if ev.Msg.IsProvisional() {
			tx.fire(ctx, trigSend1xx, ev)
		} else {
			tx.fire(ctx, trigSendFinal, ev)
		}
	case EventTimer:
		if ev.TimerKind == KindJ {
			tx.fire(ctx, trigTimerJ)
		}
	case EventTransportError:
		tx.fire(ctx, trigTranspErr, ev)
	case EventTerminate:
		tx.fire(ctx, trigTerminate)
	}
}

func (tx *ServerNonInviteTransaction) actNoop(ctx context.Context, _ ...any) error { return nil }

func (tx *ServerNonInviteTransaction) actSendRes(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	result, err := tx.tp.Send(ctx, tx.Tuple(), ev.Msg)
	if err != nil {
		tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
		return nil
	}
	go func() {
		select {
		case <-result:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (tx *ServerNonInviteTransaction) actResendRes(ctx context.Context, _ ...any) error {
	if msg := tx.MsgToRetransmit(); msg != nil {
		if err := tx.tp.Retransmit(ctx, tx.Tuple(), msg); err != nil {
			tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
		}
	}
	return nil
}

func (tx *ServerNonInviteTransaction) actEnterCompleted(ctx context.Context, _ ...any) error {
	d := tx.timings.TimeJ()
	if tx.IsReliable() {
		d = 0
	}
	tx.scheduleTimer(ctx, KindJ, d)
	return nil
}

func (tx *ServerNonInviteTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.destroy(ctx)
	return nil
}

func (tx *ServerNonInviteTransaction) actTranspErr(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.log.WarnContext(ctx, "transport error", slog.Any("error", ev.Err))
	return nil
}
