package sip

import (
	"context"
	"errors"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipturn/log"
	"github.com/ghettovoice/sipturn/timer"
)

// DispatcherOptions configures a Dispatcher. Mirrors gosip's
// TransactionManagerOptions shape (factories + stores as swappable
// collaborators) adapted to this module's single unified Transaction type.
type DispatcherOptions struct {
	// ClientTransactionOptions / ServerTransactionOptions are passed to
	// every transaction this Dispatcher constructs.
	ClientTransactionOptions *ClientTransactionOptions
	ServerTransactionOptions *ServerTransactionOptions

	// Table is the C3 Transaction Table backing this dispatcher. If nil, a
	// fresh in-memory Table is created.
	Table *Table

	// Timers is the C1 Timer Service shared by every transaction this
	// dispatcher constructs. If nil, a fresh Service is created.
	Timers *timer.Service

	// QueueSize bounds the buffered event channel Run drains. Default 256.
	QueueSize int

	// DiscardStrayResponses controls what happens to a response that
	// matches no transaction (SPEC_FULL.md §10): true (default) drops it
	// silently (logged at debug); false returns
	// ErrStrayResponseForwardingUnimplemented from Dispatch, surfacing the
	// gap instead of it vanishing, per the source's "UNIMP" call-out.
	DiscardStrayResponses *bool

	Logger *slog.Logger
}

func (o *DispatcherOptions) table() *Table {
	if o == nil || o.Table == nil {
		return NewTable(nil)
	}
	return o.Table
}

func (o *DispatcherOptions) timers() *timer.Service {
	if o == nil || o.Timers == nil {
		return timer.NewService(nil)
	}
	return o.Timers
}

func (o *DispatcherOptions) queueSize() int {
	if o == nil || o.QueueSize <= 0 {
		return 256
	}
	return o.QueueSize
}

func (o *DispatcherOptions) discardStrayResponses() bool {
	if o == nil || o.DiscardStrayResponses == nil {
		return true
	}
	return *o.DiscardStrayResponses
}

func (o *DispatcherOptions) clientOpts() *ClientTransactionOptions {
	if o == nil {
		return nil
	}
	return o.ClientTransactionOptions
}

func (o *DispatcherOptions) serverOpts() *ServerTransactionOptions {
	if o == nil {
		return nil
	}
	return o.ServerTransactionOptions
}

func (o *DispatcherOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default
	}
	return o.Logger
}

// Dispatcher is the C2 Message Dispatcher: a single-consumer FIFO that
// routes every wire message, TU message, timer expiry and transport error
// to the transaction that owns it, creating one when none exists
// (SPEC_FULL.md §4.1). It owns no transport itself — every event carries
// the Transport/tuple a new transaction should be built against.
type Dispatcher struct {
	tu           TU
	table        *Table
	timers       *timer.Service
	clientOpts   *ClientTransactionOptions
	serverOpts   *ServerTransactionOptions
	discardStray bool
	log          *slog.Logger

	queue chan Event
}

// NewDispatcher creates a Dispatcher delivering to tu. opts may be nil.
func NewDispatcher(tu TU, opts *DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		tu:           tu,
		table:        opts.table(),
		timers:       opts.timers(),
		clientOpts:   opts.clientOpts(),
		serverOpts:   opts.serverOpts(),
		discardStray: opts.discardStrayResponses(),
		log:          opts.logger(),
		queue:        make(chan Event, opts.queueSize()),
	}
}

// Post enqueues ev for processing by Run's consumer goroutine. It is safe
// to call from any goroutine, including timer callbacks (this is the
// "posted closure" a scheduleTimer callback invokes, per SPEC_FULL.md §5 —
// never touch transaction state directly from a timer goroutine).
func (d *Dispatcher) Post(ctx context.Context, ev Event) {
	select {
	case d.queue <- ev:
	case <-ctx.Done():
	}
}

// Run drains the event queue until ctx is done, delivering each event in
// arrival order on a single goroutine — the dispatcher's single execution
// context (SPEC_FULL.md §5).
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			if err := d.handle(ctx, ev); err != nil {
				d.log.ErrorContext(ctx, "dispatcher event handling failed",
					slog.Any("error", err),
					slog.Int("event_kind", int(ev.Kind)),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch processes ev synchronously on the caller's goroutine, bypassing
// the queue. Useful for tests and for callers that already serialize their
// own event delivery. It must never be called concurrently with Run on the
// same Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	return d.handle(ctx, ev)
}

// handle implements SPEC_FULL.md §4.1's numbered algorithm.
func (d *Dispatcher) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventWireSIP:
		return d.handleWire(ctx, ev)
	case EventTUSIP:
		return d.handleTU(ctx, ev)
	case EventTimer, EventSendIndication, EventTransportError, EventTerminate:
		return d.handleTxEvent(ctx, ev)
	default:
		d.log.DebugContext(ctx, "discarding unrecognized event", slog.Int("kind", int(ev.Kind)))
		return nil
	}
}

// handleTxEvent routes an event already addressed to a specific
// transaction (timer expiry, send confirmation, transport error, forced
// termination) by TxID. There is nothing to create here: these events only
// ever target a transaction that already exists.
func (d *Dispatcher) handleTxEvent(ctx context.Context, ev Event) error {
	tx, ok := d.table.Lookup(ev.TxID)
	if !ok {
		d.log.DebugContext(ctx, "event for unknown transaction, discarding",
			slog.String("tx_id", string(ev.TxID)))
		return nil
	}
	tx.Deliver(ctx, ev)
	return nil
}

func (d *Dispatcher) handleWire(ctx context.Context, ev Event) error {
	if ev.Msg == nil {
		return nil
	}

	if ev.Msg.IsRequest() && ev.Msg.Method == MethodCancel {
		return d.handleWireCancel(ctx, ev)
	}

	id := ev.transactionID()
	if tx, ok := d.table.Lookup(id); ok {
		tx.Deliver(ctx, ev)
		return nil
	}

	switch {
	case ev.Msg.IsRequest():
		// An ACK with no matching transaction is a stray — per
		// SPEC_FULL.md §4.5, ACK only ever matches an existing Server
		// INVITE transaction (Completed or Stale); it never starts one.
		if ev.Msg.Method == MethodAck {
			d.log.DebugContext(ctx, "stray ACK, discarding", slog.String("tx_id", string(id)))
			return nil
		}
		tx := d.newServerTransaction(ctx, id, ev)
		if err := d.table.Insert(ctx, tx); err != nil {
			return errtrace.Wrap(err)
		}
		d.tu.Deliver(ctx, ev.Msg)
		return nil
	case ev.Msg.IsResponse():
		return d.handleStrayResponse(ctx, ev)
	default:
		return nil
	}
}

func (d *Dispatcher) handleStrayResponse(ctx context.Context, ev Event) error {
	if d.discardStray {
		d.log.DebugContext(ctx, "stray response, discarding", slog.Any("msg", ev.Msg))
		return nil
	}
	return errtrace.Wrap(ErrStrayResponseForwardingUnimplemented)
}

// handleWireCancel implements the Server INVITE side of SPEC_FULL.md
// §4.1/§4.5's CANCEL handling: a CANCEL matches its parent INVITE's
// transaction id (NewTransactionID folds CANCEL to INVITE), under which a
// nested Server Non-INVITE child is created on first arrival and reused on
// retransmission.
func (d *Dispatcher) handleWireCancel(ctx context.Context, ev Event) error {
	parentID := ev.Msg.TransactionID()
	parent, ok := d.table.Lookup(parentID)
	if !ok {
		d.log.DebugContext(ctx, "CANCEL for unknown transaction, discarding",
			slog.String("tx_id", string(parentID)))
		return nil
	}

	if childID, exists := parent.CancelChildID(); exists {
		if child, ok := d.table.Lookup(childID); ok {
			child.Deliver(ctx, ev)
		}
		return nil
	}

	childID := NewCancelChildID(parentID)
	child := NewServerNonInviteTransaction(childID, ev.Tuple, ev.Msg, ev.TP, d.tu, d.timers, d.serverOpts, d.Post)
	if err := d.table.Insert(ctx, child); err != nil {
		return errtrace.Wrap(err)
	}
	parent.setCancelChildID(childID)
	d.tu.Deliver(ctx, ev.Msg)
	return nil
}

func (d *Dispatcher) handleTU(ctx context.Context, ev Event) error {
	if ev.Msg == nil {
		return nil
	}

	// A 2xx ACK is built by the dialog layer, not by any transaction
	// (SPEC_FULL.md §4.1 step 2): hand it straight to transport.
	if ev.Msg.IsRequest() && ev.Msg.Method == MethodAck {
		if ev.TP == nil {
			return errtrace.Wrap(errors.New("sip: EventTUSIP ACK has no transport"))
		}
		result, err := ev.TP.Send(ctx, ev.Tuple, ev.Msg)
		if err != nil {
			return errtrace.Wrap(err)
		}
		go func() { <-result }() //nolint:errcheck
		return nil
	}

	if ev.Msg.IsRequest() && ev.Msg.Method == MethodCancel {
		return d.handleTUCancel(ctx, ev)
	}

	id := ev.transactionID()
	if tx, ok := d.table.Lookup(id); ok {
		tx.Deliver(ctx, ev)
		return nil
	}

	if ev.Msg.IsRequest() {
		tx := d.newClientTransaction(ctx, id, ev)
		return errtrace.Wrap(d.table.Insert(ctx, tx))
	}

	// A TU response with no matching server transaction means the TU is
	// answering a request this dispatcher never tracked (already expired,
	// or never arrived through it) — there is no original request to
	// derive a transaction from, so this is an error, not a case for
	// synthesizing one.
	d.log.WarnContext(ctx, "TU response for unknown transaction, discarding",
		slog.String("tx_id", string(id)))
	return errtrace.Wrap(ErrTransactionNotFound)
}

// handleTUCancel implements the Client INVITE side of the CANCEL handling
// (SPEC_FULL.md §4.3): a CANCEL request from the TU creates a nested
// Client Non-INVITE child transaction on the parent INVITE transaction.
func (d *Dispatcher) handleTUCancel(ctx context.Context, ev Event) error {
	parentID := ev.Msg.TransactionID()
	parent, ok := d.table.Lookup(parentID)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}

	if _, exists := parent.CancelChildID(); exists {
		// A CANCEL already in flight for this INVITE; nothing to do.
		return nil
	}

	childID := NewCancelChildID(parentID)
	child := NewClientNonInviteTransaction(ctx, childID, ev.Tuple, ev.Msg, ev.TP, d.tu, d.timers, d.clientOpts, d.Post)
	if err := d.table.Insert(ctx, child); err != nil {
		return errtrace.Wrap(err)
	}
	parent.setCancelChildID(childID)
	return nil
}

func (d *Dispatcher) newClientTransaction(ctx context.Context, id TransactionID, ev Event) Tx {
	if ev.Msg.Method == MethodInvite {
		return NewClientInviteTransaction(ctx, id, ev.Tuple, ev.Msg, ev.TP, d.tu, d.timers, d.clientOpts, d.Post)
	}
	return NewClientNonInviteTransaction(ctx, id, ev.Tuple, ev.Msg, ev.TP, d.tu, d.timers, d.clientOpts, d.Post)
}

// newServerTransaction builds the server transaction matching an inbound
// request: INVITE starts a Server INVITE transaction, anything else a
// Server Non-INVITE one (SPEC_FULL.md §4.1 step 4).
func (d *Dispatcher) newServerTransaction(ctx context.Context, id TransactionID, ev Event) Tx {
	if ev.Msg.Method == MethodInvite {
		return NewServerInviteTransaction(ctx, id, ev.Tuple, ev.Msg, ev.TP, d.tu, d.timers, d.serverOpts, d.Post)
	}
	return NewServerNonInviteTransaction(id, ev.Tuple, ev.Msg, ev.TP, d.tu, d.timers, d.serverOpts, d.Post)
}

// Close terminates every outstanding transaction, mirroring the teacher's
// TransactionManager.Close.
func (d *Dispatcher) Close(ctx context.Context) {
	for _, tx := range d.table.All() {
		tx.Deliver(ctx, Event{Kind: EventTerminate, TxID: tx.ID()})
	}
}
