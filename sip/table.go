package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipturn/log"
)

// Tx is the common surface the Transaction Table and Dispatcher need from
// any of the four concrete machines (SPEC_FULL.md §3/§4): enough to route
// events to it, observe its lifecycle and garbage-collect it.
type Tx interface {
	ID() TransactionID
	Machine() Machine
	State() State
	OnStateChanged(fn StateHandler)
	Deliver(ctx context.Context, ev Event)

	// CancelChildID/setCancelChildID track the nested CANCEL transaction's
	// id on its INVITE parent, per SPEC_FULL.md §4.1's cycle-breaking note
	// — the parent stores only the id string, never a pointer to the
	// child.
	CancelChildID() (TransactionID, bool)
	setCancelChildID(id TransactionID)
}

// TableOptions configures a Table.
type TableOptions struct {
	// StaleTimeout bounds how long a transaction may sit in Calling,
	// Trying or Proceeding before the table force-terminates it, guarding
	// against a TU that never answers and a peer that stops
	// retransmitting (SPEC_FULL.md §3, "stale transaction" note). Zero
	// selects the default of 5 minutes; a negative value disables the
	// guard.
	StaleTimeout time.Duration
	Logger       *slog.Logger
}

func (o *TableOptions) staleTimeout() time.Duration {
	if o == nil {
		return 5 * time.Minute
	}
	if o.StaleTimeout == 0 {
		return 5 * time.Minute
	}
	return o.StaleTimeout
}

func (o *TableOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default
	}
	return o.Logger
}

// Table is the C3 Transaction Table: enforces exactly one live transaction
// per id and removes each transaction from the table the moment its
// OnStateChanged hook reports it has reached StateTerminated.
//
// A single map covers all four machines since ids are namespaced by
// method+branch (SPEC_FULL.md §3 "transaction id"): a request and its
// in-dialog response never collide, and a CANCEL's id differs from the
// INVITE it cancels by construction (NewCancelChildID).
type Table struct {
	staleTimeout time.Duration
	log          *slog.Logger

	mu  sync.RWMutex
	txs map[TransactionID]Tx
}

// NewTable creates an empty Table. opts may be nil.
func NewTable(opts *TableOptions) *Table {
	return &Table{
		staleTimeout: opts.staleTimeout(),
		log:          opts.logger(),
		txs:          make(map[TransactionID]Tx),
	}
}

// Insert adds tx to the table, returning ErrTransactionExists if an id
// collision occurs (SPEC_FULL.md §3 invariant: exactly one transaction per
// id). It also wires the stale-transaction guard and the post-terminal
// removal hook onto tx.
func (t *Table) Insert(ctx context.Context, tx Tx) error {
	t.mu.Lock()
	if _, exists := t.txs[tx.ID()]; exists {
		t.mu.Unlock()
		return errtrace.Wrap(ErrTransactionExists)
	}
	t.txs[tx.ID()] = tx
	t.mu.Unlock()

	handler := t.stateHandler(tx)
	tx.OnStateChanged(handler)
	// A transaction reaches its initial state (Trying/Calling) before it is
	// inserted here, so the stale guard would otherwise never arm for a
	// transaction that never transitions again. Feed the handler tx's
	// current state as if it had just entered it.
	handler(ctx, "", tx.State())
	return nil
}

// stateHandler returns the callback that (a) arms/disarms the
// stale-transaction timer and (b) removes tx from the table once it
// reaches Terminated. It is the Table's analogue of the teacher's
// TransactionManager.clnTxStateHdlr/srvTxStateHdlr.
func (t *Table) stateHandler(tx Tx) StateHandler {
	var staleTimer *time.Timer
	return func(ctx context.Context, from, to State) {
		if t.staleTimeout > 0 {
			switch to {
			case StateCalling, StateTrying, StateProceeding:
				staleTimer = time.AfterFunc(t.staleTimeout, func() {
					t.log.WarnContext(ctx, "terminating stale transaction",
						slog.String("tx_id", string(tx.ID())),
						slog.String("state", string(to)),
					)
					tx.Deliver(ctx, Event{Kind: EventTerminate, TxID: tx.ID()})
				})
			default:
				if staleTimer != nil {
					staleTimer.Stop()
				}
			}
		}

		if to == StateTerminated {
			t.Remove(tx.ID())
		}
	}
}

// Lookup returns the transaction stored under id, if any.
func (t *Table) Lookup(id TransactionID) (Tx, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, ok := t.txs[id]
	return tx, ok
}

// Remove deletes the transaction stored under id, if any.
func (t *Table) Remove(id TransactionID) {
	t.mu.Lock()
	delete(t.txs, id)
	t.mu.Unlock()
}

// All returns a snapshot of every transaction currently in the table, used
// by Close to terminate outstanding transactions.
func (t *Table) All() []Tx {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Tx, 0, len(t.txs))
	for _, tx := range t.txs {
		out = append(out, tx)
	}
	return out
}

// Len reports how many transactions are currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.txs)
}
