package stun

import (
	"context"
	"crypto/rand" //nolint:gosec // transaction ids need uniqueness, not cryptographic secrecy
	"errors"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"
	pionstun "github.com/pion/stun"

	"github.com/ghettovoice/sipturn/internal/timeutil"
	"github.com/ghettovoice/sipturn/log"
)

// applySetters attaches each non-nil setter to m in order, the same way
// pion/stun's own Build does internally.
func applySetters(m *pionstun.Message, setters []pionstun.Setter) error {
	for _, s := range setters {
		if s == nil {
			continue
		}
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	return nil
}

func randomTransactionID() [pionstun.TransactionIDSize]byte {
	var id [pionstun.TransactionIDSize]byte
	_, _ = rand.Read(id[:])
	return id
}

// Transport is the narrow interface the STUN Transaction Core needs from
// the underlying socket, mirroring sip.Transport (SPEC_FULL.md §6).
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Reliable() bool
}

// requestEntry tracks one outstanding request: its retransmission timer,
// the raw bytes last sent and the result channel Do is blocked on.
type requestEntry struct {
	tid       TransactionID
	raw       []byte
	attempt   int
	timer     *timeutil.SerializableTimer
	result    chan doResult
	authRetry bool // true once this request has already gone through the auth-retry-once path
}

type doResult struct {
	msg *Message
	err error
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Credentials *Credentials
	Logger      *slog.Logger
}

func (o *EngineOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default
	}
	return o.Logger
}

func (o *EngineOptions) credentials() *Credentials {
	if o == nil || o.Credentials == nil {
		return &Credentials{}
	}
	return o.Credentials
}

// Engine is the STUN Transaction Core (C5): every higher-level TURN
// operation funnels its request/response exchange through Do, so the
// retransmission schedule, response demultiplexing and the auth-retry-once
// guard (spec.md §4.6) all live in exactly one place.
type Engine struct {
	tp    Transport
	creds *Credentials
	log   *slog.Logger

	mu       sync.Mutex
	pending  map[TransactionID]*requestEntry
	sequence []time.Duration
}

// NewEngine creates an Engine writing requests to tp. opts may be nil.
func NewEngine(tp Transport, opts *EngineOptions) *Engine {
	return &Engine{
		tp:       tp,
		creds:    opts.credentials(),
		log:      opts.logger(),
		pending:  make(map[TransactionID]*requestEntry),
		sequence: udpSchedule(),
	}
}

// Do sends msg and blocks until a matching response arrives, the
// retransmission schedule is exhausted (ErrResponseTimeout), or ctx is
// done. Successful long-term-credential challenges are handled internally
// per spec.md §4.6 step 3 and never surface to the caller — Do only
// returns once the exchange is fully resolved (or has genuinely failed
// twice).
func (e *Engine) Do(ctx context.Context, msg *Message) (*Message, error) {
	if e.tp == nil {
		return nil, errtrace.Wrap(ErrNotConnected)
	}
	if e.creds.challenged() {
		if err := applySetters(msg.Message, append(e.creds.attrs(), e.creds.integrity())); err != nil {
			return nil, errtrace.Wrap(errors.Join(ErrErrorParsingMessage, err))
		}
	}
	raw, err := msg.Message.MarshalBinary()
	if err != nil {
		return nil, errtrace.Wrap(errors.Join(ErrErrorParsingMessage, err))
	}

	entry := &requestEntry{tid: msg.TID(), raw: raw, result: make(chan doResult, 1)}
	e.register(entry)
	defer e.unregister(entry.tid)

	if err := e.transmit(ctx, entry); err != nil {
		return nil, errtrace.Wrap(err)
	}

	select {
	case res := <-entry.result:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) register(entry *requestEntry) {
	e.mu.Lock()
	e.pending[entry.tid] = entry
	e.mu.Unlock()
}

func (e *Engine) unregister(tid TransactionID) {
	e.mu.Lock()
	entry, ok := e.pending[tid]
	delete(e.pending, tid)
	e.mu.Unlock()
	if ok && entry.timer != nil {
		entry.timer.Stop()
	}
}

// transmit sends the request and, on an unreliable transport, arms the
// first retransmission timer per spec.md §4.6's UDP schedule.
func (e *Engine) transmit(ctx context.Context, entry *requestEntry) error {
	if err := e.tp.Send(ctx, entry.raw); err != nil {
		return errtrace.Wrap(err)
	}
	if e.tp.Reliable() {
		entry.timer = timeutil.AfterFunc(TCPTimeout, func() { e.fail(entry.tid, ErrResponseTimeout) })
		return nil
	}
	entry.timer = timeutil.AfterFunc(e.sequence[0], func() { e.retransmit(ctx, entry) })
	return nil
}

func (e *Engine) retransmit(ctx context.Context, entry *requestEntry) {
	e.mu.Lock()
	_, live := e.pending[entry.tid]
	e.mu.Unlock()
	if !live {
		return
	}

	entry.attempt++
	if entry.attempt >= len(e.sequence) {
		e.fail(entry.tid, ErrResponseTimeout)
		return
	}
	if err := e.tp.Send(ctx, entry.raw); err != nil {
		e.fail(entry.tid, err)
		return
	}
	entry.timer = timeutil.AfterFunc(e.sequence[entry.attempt], func() { e.retransmit(ctx, entry) })
}

func (e *Engine) fail(tid TransactionID, err error) {
	e.mu.Lock()
	entry, ok := e.pending[tid]
	delete(e.pending, tid)
	e.mu.Unlock()
	if !ok {
		return
	}
	entry.result <- doResult{err: err}
}

// Deliver hands an inbound wire message to the Engine, implementing
// spec.md §4.6's "on any response" algorithm. It never blocks: the
// matching Do call (if any) is resumed via its result channel.
func (e *Engine) Deliver(ctx context.Context, raw []byte) error {
	pm := new(pionstun.Message)
	if err := pm.UnmarshalBinary(raw); err != nil {
		return errtrace.Wrap(errors.Join(ErrErrorParsingMessage, err))
	}
	msg := &Message{Message: pm}
	tid := msg.TID()

	e.mu.Lock()
	entry, ok := e.pending[tid]
	e.mu.Unlock()
	if !ok {
		e.log.WarnContext(ctx, "stray STUN response, dropping", slog.String("tid", string(tid[:])))
		return errtrace.Wrap(ErrStrayResponse)
	}

	if err := e.creds.verifyIntegrity(pm); err != nil {
		e.log.WarnContext(ctx, "message integrity check failed, dropping", slog.Any("error", err))
		return errtrace.Wrap(err)
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}

	if msg.IsError() {
		if code, reason, ok := errorCode(pm); ok && (code == 401 || code == 438) {
			if handled := e.tryAuthRetry(ctx, entry, pm); handled {
				return nil
			}
			e.deliverResult(tid, entry, nil, &ErrorResponse{Code: code, Reason: reason})
			return nil
		}
		if code, reason, ok := errorCode(pm); ok {
			e.deliverResult(tid, entry, nil, &ErrorResponse{Code: code, Reason: reason})
			return nil
		}
	}

	e.deliverResult(tid, entry, msg, nil)
	return nil
}

// tryAuthRetry implements spec.md §4.6 step 3: on a first 401/438 carrying
// realm+nonce, derive hmac_key, rebuild the original request with a fresh
// transaction id and integrity attributes, and resend — but only once per
// original request.
func (e *Engine) tryAuthRetry(ctx context.Context, entry *requestEntry, res *pionstun.Message) bool {
	if entry.authRetry || e.creds.challenged() {
		return false
	}
	realm, nonce, ok := challengeAttrs(res)
	if !ok {
		return false
	}
	e.creds.challenge(realm, nonce)

	rebuilt := new(pionstun.Message)
	if err := rebuilt.UnmarshalBinary(entry.raw); err != nil {
		e.deliverResult(entry.tid, entry, nil, errtrace.Wrap(errors.Join(ErrErrorParsingMessage, err)))
		return true
	}
	rebuilt.TransactionID = randomTransactionID()
	rebuilt.WriteHeader()
	if err := applySetters(rebuilt, append(e.creds.attrs(), e.creds.integrity())); err != nil {
		e.deliverResult(entry.tid, entry, nil, errtrace.Wrap(errors.Join(ErrErrorParsingMessage, err)))
		return true
	}
	raw, err := rebuilt.MarshalBinary()
	if err != nil {
		e.deliverResult(entry.tid, entry, nil, errtrace.Wrap(errors.Join(ErrErrorParsingMessage, err)))
		return true
	}
	msg := &Message{Message: rebuilt}

	e.mu.Lock()
	delete(e.pending, entry.tid)
	entry.tid = msg.TID()
	entry.raw = raw
	entry.attempt = 0
	entry.authRetry = true
	e.pending[entry.tid] = entry
	e.mu.Unlock()

	if err := e.transmit(ctx, entry); err != nil {
		e.deliverResult(entry.tid, entry, nil, errtrace.Wrap(err))
	}
	return true
}

func (e *Engine) deliverResult(tid TransactionID, entry *requestEntry, msg *Message, err error) {
	e.mu.Lock()
	delete(e.pending, tid)
	e.mu.Unlock()
	entry.result <- doResult{msg: msg, err: err}
}
