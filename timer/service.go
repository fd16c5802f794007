// Package timer implements the Timer Service (C1): it schedules one-shot
// timers keyed by (kind, transaction id) and delivers expiry by invoking a
// caller-supplied callback, which the SIP dispatcher and the STUN/TURN
// engines re-post onto their own single execution context rather than
// acting on directly — see SPEC_FULL.md §5.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ghettovoice/sipturn/internal/timeutil"
	"github.com/ghettovoice/sipturn/log"
)

// Kind names a timer role. SIP defines A, B, D, E1, E2, F, G, H, I, J, K,
// Trying and Stale; STUN/TURN define their own retransmission and refresh
// kinds. Kinds are just labels used for logging/lookup — the Service
// itself assigns them no semantics.
type Kind string

// Key identifies a single scheduled timer within a Service.
type Key struct {
	Kind Kind
	TxID string
}

// Handle is a live reference to a scheduled timer, returned by Schedule.
// It is safe to Stop or Reschedule concurrently with the timer firing.
type Handle struct {
	svc   *Service
	key   Key
	timer *timeutil.SerializableTimer
}

// Kind returns the handle's timer kind.
func (h *Handle) Kind() Kind { return h.key.Kind }

// TxID returns the transaction id the handle is scoped to.
func (h *Handle) TxID() string { return h.key.TxID }

// Left returns the remaining duration before expiry, or 0 if fired/stopped.
func (h *Handle) Left() time.Duration { return h.timer.Left() }

// Duration returns the timer's current scheduled duration.
func (h *Handle) Duration() time.Duration { return h.timer.Duration() }

// Stop cancels the timer. Cancelling a timer whose expiry has already been
// enqueued is tolerated per SPEC_FULL.md §5 — callers must re-check state
// in the callback before acting.
func (h *Handle) Stop() bool {
	stopped := h.timer.Stop()
	h.svc.remove(h.key)
	return stopped
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Logger receives schedule/cancel/fire debug events. Defaults to
	// log.Default.
	Logger *slog.Logger
}

func (o *ServiceOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default
	}
	return o.Logger
}

// Service is the C1 Timer Service: a registry of outstanding timers keyed
// by (kind, transaction id), so at most one timer of a given kind can be
// outstanding per transaction at a time.
type Service struct {
	mu      sync.Mutex
	entries map[Key]*Handle
	log     *slog.Logger
}

// NewService creates a Timer Service. opts may be nil.
func NewService(opts *ServiceOptions) *Service {
	return &Service{
		entries: make(map[Key]*Handle),
		log:     opts.log(),
	}
}

// Schedule starts a new timer of the given kind for txID, firing fn after
// d unless stopped or rescheduled first. Scheduling a timer of a kind
// already outstanding for txID first stops the previous one (the spec
// never requires two concurrent timers of the same kind on one
// transaction).
func (s *Service) Schedule(kind Kind, txID string, d time.Duration, fn func()) *Handle {
	key := Key{Kind: kind, TxID: txID}

	s.mu.Lock()
	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}
	h := &Handle{svc: s, key: key}
	h.timer = timeutil.AfterFunc(d, func() {
		s.remove(key)
		s.log.Debug("timer fired", "kind", kind, "tx_id", txID, "duration", d)
		fn()
	})
	s.entries[key] = h
	s.mu.Unlock()

	s.log.Debug("timer scheduled", "kind", kind, "tx_id", txID, "duration", d)
	return h
}

// Reschedule changes the duration of a handle in place, restarting it from
// now with its existing callback. The SIP machines do not use it: their
// retransmission timers (E1, E2, A, G) call Schedule anew with the doubled
// interval. It is the caller's responsibility to re-check transaction state
// before calling this from inside a fired-timer callback.
func (s *Service) Reschedule(h *Handle, d time.Duration) {
	h.timer.Reset(d)
	s.mu.Lock()
	s.entries[h.key] = h
	s.mu.Unlock()
}

// Has reports whether a timer of kind is currently outstanding for txID.
func (s *Service) Has(kind Kind, txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[Key{Kind: kind, TxID: txID}]
	return ok
}

// Cancel stops the single timer of kind scheduled for txID, if any. Used
// when a transaction leaves the state a particular timer applies to (e.g.
// Timer A/B on leaving Calling) so it doesn't fire pointlessly later.
func (s *Service) Cancel(kind Kind, txID string) bool {
	s.mu.Lock()
	h, ok := s.entries[Key{Kind: kind, TxID: txID}]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return h.Stop()
}

// CancelAll stops every timer scheduled for txID, regardless of kind. Used
// when a transaction is destroyed: all its timers (active or not) must
// stop since nothing will check their fired state again.
func (s *Service) CancelAll(txID string) {
	s.mu.Lock()
	var handles []*Handle
	for key, h := range s.entries {
		if key.TxID == txID {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

func (s *Service) remove(key Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}
