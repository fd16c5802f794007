package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipturn/timer"
)

// ServerInviteTransaction implements the Server INVITE machine from
// SPEC_FULL.md §4.5: Proceeding -> Completed -> Confirmed -> (destroyed), or
// Proceeding -> Stale -> (destroyed) on a 2xx final response.
type ServerInviteTransaction struct {
	*Transaction

	gmu   sync.Mutex
	gNext time.Duration // current Timer G backoff while unacknowledged
}

// NewServerInviteTransaction creates a Server INVITE transaction for an
// inbound req and starts Timer Trying so an automatic 100 Trying goes out
// if the TU hasn't answered within T100, per SPEC_FULL.md §4.5.
func NewServerInviteTransaction(
	ctx context.Context,
	id TransactionID,
	tuple string,
	req *Message,
	tp Transport,
	tu TU,
	timers *timer.Service,
	opts *ServerTransactionOptions,
	post func(ctx context.Context, ev Event),
) *ServerInviteTransaction {
	base := newTransactionBase(id, MachineServerInvite, tp, tu, opts.timings(), timers, opts.logger())
	base.post = post
	base.tuple = tuple
	// The 100 Trying is pre-formed and stored as msg_to_retransmit right
	// away, per SPEC_FULL.md §4.5: a retransmitted INVITE arriving before
	// Timer_Trying fires (and before the TU has answered) still retransmits
	// this stored response, even though it hasn't gone out on the wire yet.
	base.setMsgToRetransmit(Build100Trying(req))
	tx := &ServerInviteTransaction{Transaction: base}
	tx.initFSM()
	tx.scheduleTimer(ctx, KindTrying, tx.timings.T100())
	return tx
}

func (tx *ServerInviteTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateProceeding)

	tx.fsm.Configure(StateProceeding).
		InternalTransition(trigRecvRetransmit, tx.actResendRes).
		InternalTransition(trigSend1xx, tx.actSendRes).
		InternalTransition(trigTimerTrying, tx.actTimerTrying).
		InternalTransition(trigTranspErr, tx.actTranspErr).
		Permit(trigSend2xx, StateStale).
		Permit(trigSendFinal, StateCompleted).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateStale).
		OnEntry(tx.actEnterStale).
		OnEntryFrom(trigSend2xx, tx.actSendRes).
		InternalTransition(trigRecvRetransmit, tx.actNoop).
		InternalTransition(trigRecvAck, tx.actPassAck).
		InternalTransition(trigSend2xx, tx.actSendRes).
		InternalTransition(trigTranspErr, tx.actTranspErr).
		Permit(trigTimerStale, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actEnterCompleted).
		OnEntryFrom(trigSendFinal, tx.actSendRes).
		InternalTransition(trigRecvRetransmit, tx.actResendRes).
		InternalTransition(trigTimerG, tx.actTimerG).
		InternalTransition(trigTranspErr, tx.actTranspErr).
		Permit(trigRecvAck, StateConfirmed).
		Permit(trigTimerH, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateConfirmed).
		OnEntry(tx.actEnterConfirmed).
		InternalTransition(trigRecvRetransmit, tx.actNoop).
		InternalTransition(trigRecvAck, tx.actNoop).
		Permit(trigTimerI, StateTerminated).
		Permit(trigTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(trigTimerH, tx.actTimedOut)

	tx.wireStateNotify()
}

// Deliver routes an Event into the FSM.
func (tx *ServerInviteTransaction) Deliver(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventWireSIP:
		if ev.Msg == nil || !ev.Msg.IsRequest() {
			return
		}
		if ev.Msg.Method == MethodAck {
			tx.fire(ctx, trigRecvAck, ev)
			return
		}
		tx.fire(ctx, trigRecvRetransmit, ev)
	case EventTUSIP:
		if ev.Msg == nil || !ev.Msg.IsResponse() {
			return
		}
		tx.setMsgToRetransmit(ev.Msg)
		switch {
		case ev.Msg.IsProvisional():
			tx.fire(ctx, trigSend1xx, ev)
		case ev.Msg.Is2xx():
			tx.fire(ctx, trigSend2xx, ev)
		default:
			tx.fire(ctx, trigSendFinal, ev)
		}
	case EventTimer:
		switch ev.TimerKind {
		case KindTrying:
			tx.fire(ctx, trigTimerTrying)
		case KindG:
			tx.fire(ctx, trigTimerG)
		case KindH:
			tx.fire(ctx, trigTimerH)
		case KindI:
			tx.fire(ctx, trigTimerI)
		case KindStale:
			tx.fire(ctx, trigTimerStale)
		}
	case EventTransportError:
		tx.fire(ctx, trigTranspErr, ev)
	case EventTerminate:
		tx.fire(ctx, trigTerminate)
	}
}

func (tx *ServerInviteTransaction) actNoop(ctx context.Context, _ ...any) error { return nil }

// actTimerTrying transmits whatever currently sits in msg_to_retransmit
// when T100 elapses, per SPEC_FULL.md §8 scenario 4 ("transmit stored
// 180... per source intent"): the timer is never cancelled by a TU
// response arriving first, it always fires and sends whatever is stored
// at that point — the pre-formed 100 if the TU hasn't answered yet, or
// the TU's own first response if it has.
func (tx *ServerInviteTransaction) actTimerTrying(ctx context.Context, _ ...any) error {
	res := tx.MsgToRetransmit()
	tx.log.DebugContext(ctx, "timer Trying fired, transmitting stored response", slog.Any("msg", res))
	tx.send(ctx, res)
	return nil
}

func (tx *ServerInviteTransaction) actSendRes(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.send(ctx, ev.Msg)
	return nil
}

func (tx *ServerInviteTransaction) send(ctx context.Context, msg *Message) {
	result, err := tx.tp.Send(ctx, tx.Tuple(), msg)
	if err != nil {
		tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
		return
	}
	go func() {
		select {
		case <-result:
		case <-ctx.Done():
		}
	}()
}

func (tx *ServerInviteTransaction) actResendRes(ctx context.Context, _ ...any) error {
	if msg := tx.MsgToRetransmit(); msg != nil {
		if err := tx.tp.Retransmit(ctx, tx.Tuple(), msg); err != nil {
			tx.post(ctx, Event{Kind: EventTransportError, TxID: tx.id, Err: err})
		}
	}
	return nil
}

func (tx *ServerInviteTransaction) actPassAck(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.tu.Deliver(ctx, ev.Msg)
	return nil
}

func (tx *ServerInviteTransaction) actEnterStale(ctx context.Context, _ ...any) error {
	tx.promoteMachine(MachineStale)
	tx.scheduleTimer(ctx, KindStale, tx.timings.Stale())
	return nil
}

func (tx *ServerInviteTransaction) actEnterCompleted(ctx context.Context, _ ...any) error {
	if !tx.IsReliable() {
		tx.gmu.Lock()
		tx.gNext = tx.timings.TimeG()
		tx.gmu.Unlock()
		tx.scheduleTimer(ctx, KindG, tx.timings.TimeG())
	}
	tx.scheduleTimer(ctx, KindH, tx.timings.TimeH())
	return nil
}

func (tx *ServerInviteTransaction) actTimerG(ctx context.Context, _ ...any) error {
	tx.gmu.Lock()
	next := minDuration(2*tx.gNext, tx.timings.T2())
	tx.gNext = next
	tx.gmu.Unlock()

	tx.scheduleTimer(ctx, KindG, next)
	if err := tx.actResendRes(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *ServerInviteTransaction) actEnterConfirmed(ctx context.Context, _ ...any) error {
	tx.timers.Cancel(KindG, string(tx.id))
	tx.timers.Cancel(KindH, string(tx.id))

	d := tx.timings.TimeI()
	if tx.IsReliable() {
		d = 0
	}
	tx.scheduleTimer(ctx, KindI, d)
	return nil
}

func (tx *ServerInviteTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.destroy(ctx)
	return nil
}

func (tx *ServerInviteTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	tx.tu.Deliver(ctx, buildTimeoutResponse(tx.MsgToRetransmit()))
	return nil
}

func (tx *ServerInviteTransaction) actTranspErr(ctx context.Context, args ...any) error {
	ev, _ := args[0].(Event)
	tx.log.WarnContext(ctx, "transport error", slog.Any("error", ev.Err))
	return nil
}
