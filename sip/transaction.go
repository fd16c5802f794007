package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipturn/internal/types"
	"github.com/ghettovoice/sipturn/log"
	"github.com/ghettovoice/sipturn/timer"
)

// Machine names one of the five state machines a Transaction can run
// (SPEC_FULL.md §3). It never changes after construction except the
// terminal promotion ClientInvite/ServerInvite -> Stale on a 2xx final.
type Machine string

const (
	MachineClientNonInvite Machine = "client_non_invite"
	MachineClientInvite    Machine = "client_invite"
	MachineServerNonInvite Machine = "server_non_invite"
	MachineServerInvite    Machine = "server_invite"
	MachineStale           Machine = "stale"
)

// State is a transaction state, shared across all five machines; each
// machine only ever visits a subset of these (SPEC_FULL.md §3).
type State string

const (
	StateCalling    State = "calling"
	StateTrying     State = "trying"
	StateProceeding State = "proceeding"
	StateCompleted  State = "completed"
	StateConfirmed  State = "confirmed"
	StateStale      State = "stale"
	StateTerminated State = "terminated"
)

// trigger is the stateless.StateMachine trigger alphabet shared by all
// four transaction machines.
type trigger string

const (
	trigSend           trigger = "send"
	trigRecv1xx        trigger = "recv_1xx"
	trigRecv2xx        trigger = "recv_2xx"
	trigRecv3xxPlus    trigger = "recv_3xx_plus"
	trigRecvAck        trigger = "recv_ack"
	trigRecvCancel     trigger = "recv_cancel"
	trigRecvRetransmit trigger = "recv_retransmit"
	trigTimerA         trigger = "timer_a"
	trigTimerB         trigger = "timer_b"
	trigTimerD         trigger = "timer_d"
	trigTimerE1        trigger = "timer_e1"
	trigTimerE2        trigger = "timer_e2"
	trigTimerF         trigger = "timer_f"
	trigTimerG         trigger = "timer_g"
	trigTimerH         trigger = "timer_h"
	trigTimerI         trigger = "timer_i"
	trigTimerJ         trigger = "timer_j"
	trigTimerK         trigger = "timer_k"
	trigTimerTrying    trigger = "timer_trying"
	trigTimerStale     trigger = "timer_stale"
	trigTranspErr      trigger = "transport_error"
	trigTerminate      trigger = "terminate"
	trigSend1xx        trigger = "send_1xx"
	trigSend2xx        trigger = "send_2xx"
	trigSendFinal      trigger = "send_final"
)

// StateHandler is notified on every transaction state transition.
type StateHandler func(ctx context.Context, from, to State)

// Transaction holds the fields and behaviour every one of the four
// concrete machines shares: identity, the retransmission slot, timer
// bookkeeping, transport/TU access and the "destroyed" flag that, together
// with the Table's Terminated hook, replaces the original's
// suicide-in-handler pattern (design note in SPEC_FULL.md §9 / §4.1).
type Transaction struct {
	id         TransactionID
	machine    Machine
	isReliable bool
	tuple      string // network tuple to send to (client) or reply to (server)
	tp         Transport
	tu         TU
	timings    Timings
	timers     *timer.Service
	log        *slog.Logger

	mu              sync.Mutex
	msgToRetransmit *Message
	cancelChildID   TransactionID

	fsm *stateless.StateMachine

	stateHandlers types.CallbackManager[StateHandler]

	destroyed atomic.Bool
	onDestroy func(ctx context.Context, tx *Transaction)

	// post re-enters an event onto the owning Dispatcher's single
	// execution context. Timer callbacks run on their own goroutine
	// (internal/timeutil); they must never touch FSM state directly, only
	// post an Event and let the dispatcher loop deliver it.
	post func(ctx context.Context, ev Event)
}

// Timer kinds scheduled by the SIP transaction machines, named after the
// RFC 3261 §17 timer letters.
const (
	KindA      timer.Kind = "A"
	KindB      timer.Kind = "B"
	KindD      timer.Kind = "D"
	KindE1     timer.Kind = "E1"
	KindE2     timer.Kind = "E2"
	KindF      timer.Kind = "F"
	KindG      timer.Kind = "G"
	KindH      timer.Kind = "H"
	KindI      timer.Kind = "I"
	KindJ      timer.Kind = "J"
	KindK      timer.Kind = "K"
	KindTrying timer.Kind = "Trying"
	KindStale  timer.Kind = "Stale"
)

func newTransactionBase(
	id TransactionID,
	machine Machine,
	tp Transport,
	tu TU,
	timings Timings,
	timers *timer.Service,
	logger *slog.Logger,
) *Transaction {
	if logger == nil {
		logger = log.Default
	}
	return &Transaction{
		id:         id,
		machine:    machine,
		isReliable: tp.TransportType().Reliable(),
		tp:         tp,
		tu:         tu,
		timings:    timings,
		timers:     timers,
		log:        logger.With(slog.String("tx_id", string(id)), slog.String("machine", string(machine))),
	}
}

// ID returns the transaction's id.
func (tx *Transaction) ID() TransactionID { return tx.id }

// Machine returns the state machine driving this transaction.
func (tx *Transaction) Machine() Machine { return tx.machine }

// promoteMachine reclassifies the transaction, used when a client/server
// INVITE transaction is promoted to the terminal Stale machine on a 2xx
// final response (SPEC_FULL.md §4.3/§4.5, design note on Stale-as-terminal
// state).
func (tx *Transaction) promoteMachine(m Machine) {
	tx.mu.Lock()
	tx.machine = m
	tx.mu.Unlock()
}

// IsReliable reports whether the transaction runs over a reliable
// (stream) transport, fixed at construction.
func (tx *Transaction) IsReliable() bool { return tx.isReliable }

// Tuple returns the network tuple this transaction sends requests to
// (client machines) or replies on (server machines).
func (tx *Transaction) Tuple() string { return tx.tuple }

// State returns the transaction's current state.
func (tx *Transaction) State() State {
	st, err := tx.fsm.State(context.Background())
	if err != nil {
		return ""
	}
	s, _ := st.(State)
	return s
}

// MsgToRetransmit returns the message this transaction may periodically
// resend, or nil if none is stored.
func (tx *Transaction) MsgToRetransmit() *Message {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.msgToRetransmit
}

func (tx *Transaction) setMsgToRetransmit(m *Message) {
	tx.mu.Lock()
	tx.msgToRetransmit = m
	tx.mu.Unlock()
}

// CancelChildID returns the transaction id of the nested CANCEL child
// transaction, if one has been created.
func (tx *Transaction) CancelChildID() (TransactionID, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.cancelChildID, tx.cancelChildID != ""
}

func (tx *Transaction) setCancelChildID(id TransactionID) {
	tx.mu.Lock()
	tx.cancelChildID = id
	tx.mu.Unlock()
}

// OnStateChanged registers a callback invoked on every state transition.
func (tx *Transaction) OnStateChanged(fn StateHandler) {
	tx.stateHandlers.Add(fn)
}

func (tx *Transaction) notifyState(ctx context.Context, from, to State) {
	for h := range tx.stateHandlers.All() {
		h(ctx, from, to)
	}
}

// wireStateNotify hooks the FSM's global transition callback to notifyState,
// called once by each concrete machine's initFSM after tx.fsm is built.
func (tx *Transaction) wireStateNotify() {
	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(State)
		to, _ := tr.Destination.(State)
		tx.notifyState(ctx, from, to)
	})
}

// destroy finalizes teardown bookkeeping common to all machines: it stops
// every outstanding timer and runs onDestroy when one is set. Removal from
// the Table is done by the Table's own state handler on Terminated, not
// here. Concrete machines call this from their Terminated OnEntry.
func (tx *Transaction) destroy(ctx context.Context) {
	if !tx.destroyed.CompareAndSwap(false, true) {
		return
	}
	tx.timers.CancelAll(string(tx.id))
	if tx.onDestroy != nil {
		tx.onDestroy(ctx, tx)
	}
}

// scheduleTimer starts a timer of kind k for d, posting an EventTimer back
// onto the dispatcher loop when it fires instead of mutating FSM state
// from the timer goroutine directly.
func (tx *Transaction) scheduleTimer(ctx context.Context, k timer.Kind, d time.Duration) *timer.Handle {
	return tx.timers.Schedule(k, string(tx.id), d, func() {
		tx.post(ctx, Event{Kind: EventTimer, TimerKind: k, TxID: tx.id})
	})
}

// fire invokes the FSM with trig, logging and swallowing
// stateless.ErrNoTransition-shaped failures: most of the spec's "exhaustive"
// event tables end in "else ignore" for combinations that don't apply to
// the current state, and stateless reports exactly those as errors.
func (tx *Transaction) fire(ctx context.Context, trig trigger, args ...any) {
	if err := tx.fsm.FireCtx(ctx, trig, args...); err != nil {
		tx.log.DebugContext(ctx, "event ignored in current state",
			slog.String("trigger", string(trig)),
			slog.String("state", string(tx.State())),
			slog.Any("error", err),
		)
	}
}

