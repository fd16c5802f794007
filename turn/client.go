package turn

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipturn/internal/timeutil"
	"github.com/ghettovoice/sipturn/log"
	"github.com/ghettovoice/sipturn/stun"
)

// Callbacks are the TURN application callbacks of SPEC_FULL.md §6: every
// operation reports success or failure through exactly one of the two
// matching fields. A nil field is simply not invoked.
type Callbacks struct {
	OnBindSuccess   func(ctx context.Context, reflexive *net.UDPAddr)
	OnBindFailure   func(ctx context.Context, err error)

	OnAllocationSuccess func(ctx context.Context, relay *net.UDPAddr, lifetime time.Duration)
	OnAllocationFailure func(ctx context.Context, err error)

	OnRefreshSuccess func(ctx context.Context, lifetime time.Duration)
	OnRefreshFailure func(ctx context.Context, err error)

	OnSharedSecretSuccess func(ctx context.Context, username, password string)
	OnSharedSecretFailure func(ctx context.Context, err error)

	OnSetActiveDestinationSuccess   func(ctx context.Context)
	OnSetActiveDestinationFailure   func(ctx context.Context, err error)
	OnClearActiveDestinationSuccess func(ctx context.Context)
	OnClearActiveDestinationFailure func(ctx context.Context, err error)

	OnReceiveSuccess func(ctx context.Context, from *net.UDPAddr, data []byte)
	OnReceiveFailure func(ctx context.Context, err error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Credentials *stun.Credentials
	Callbacks   Callbacks
	Logger      *slog.Logger
}

// Client is the TURN Allocation Manager (C6): a single execution context
// (SPEC_FULL.md §4.7). Every exported method posts a closure onto cmds and
// waits for it to run on the loop goroutine, so the client's state (alloc
// with its channel indexes, and active) is only ever touched from that one
// goroutine. Deliver is the exception for STUN responses, which it hands
// to the Engine directly.
type Client struct {
	tp     Transport
	engine *stun.Engine
	cb     Callbacks
	log    *slog.Logger

	cmds   chan func(ctx context.Context)
	done   chan struct{}
	closed sync.Once

	connected bool
	alloc     *allocationState
	active    *net.UDPAddr
}

// engineTransport adapts a turn.Transport to stun.Transport so the single
// stun.Engine used for every TURN request (Allocate/Refresh/Bind/
// SharedSecret) shares one retransmission/auth-retry implementation,
// per SPEC_FULL.md §4.6.
type engineTransport struct{ tp Transport }

func (a engineTransport) Send(ctx context.Context, b []byte) error { return a.tp.Send(ctx, b) }
func (a engineTransport) Reliable() bool                           { return reliable(a.tp) }

// NewClient creates a Client writing requests/data to tp and running its
// command loop on a new goroutine, stopped by ctx or Close.
func NewClient(ctx context.Context, tp Transport, opts *ClientOptions) *Client {
	var creds *stun.Credentials
	logger := log.Default
	var cb Callbacks
	if opts != nil {
		creds = opts.Credentials
		cb = opts.Callbacks
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}

	c := &Client{
		tp:        tp,
		cb:        cb,
		log:       logger,
		cmds:      make(chan func(ctx context.Context), 64),
		done:      make(chan struct{}),
		connected: true,
	}
	c.engine = stun.NewEngine(engineTransport{tp: tp}, &stun.EngineOptions{Credentials: creds, Logger: logger})
	go c.run(ctx)
	return c
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.cmds:
			if !ok {
				return
			}
			cmd(ctx)
		}
	}
}

// post enqueues fn onto the command loop and blocks until it has run.
func (c *Client) post(ctx context.Context, fn func(ctx context.Context)) {
	result := make(chan struct{})
	wrapped := func(ctx context.Context) {
		fn(ctx)
		close(result)
	}
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return
	case <-c.done:
		return
	}
	select {
	case <-result:
	case <-ctx.Done():
	case <-c.done:
	}
}

// Close stops the command loop. Over UDP with a live allocation, it first
// issues a lifetime-0 refresh and only closes once that exchange settles
// (success or failure) — post blocks until the refresh command has fully
// run, so the actual shutdown is naturally deferred to match SPEC_FULL.md
// §4.7's shutdown algorithm; over TCP/TLS it returns immediately since the
// transport disconnect alone destroys the server-side allocation.
func (c *Client) Close(ctx context.Context) {
	c.closed.Do(func() {
		c.post(ctx, func(ctx context.Context) {
			if c.alloc != nil && c.tp.TransportType() == TransportUDP {
				c.alloc.closeAfterDestroy = true
				_, _ = c.doRefresh(ctx, 0)
			}
		})
		close(c.cmds)
	})
	<-c.done
}

// RequestSharedSecret implements SPEC_FULL.md §4.7's request_shared_secret.
func (c *Client) RequestSharedSecret(ctx context.Context) {
	c.post(ctx, func(ctx context.Context) {
		if !c.connected {
			c.fail(ctx, c.cb.OnSharedSecretFailure, ErrNotConnected)
			return
		}
		req, err := buildSharedSecretRequest()
		if err != nil {
			c.fail(ctx, c.cb.OnSharedSecretFailure, err)
			return
		}
		res, err := c.engine.Do(ctx, req)
		if err != nil {
			c.fail(ctx, c.cb.OnSharedSecretFailure, err)
			return
		}
		var user, pass string
		if u, ok := res.Username(); ok {
			user = u
		}
		if pw, ok := res.Password(); ok {
			pass = pw
		}
		if c.cb.OnSharedSecretSuccess != nil {
			c.cb.OnSharedSecretSuccess(ctx, user, pass)
		}
	})
}

// BindRequest implements SPEC_FULL.md §4.7's bind_request.
func (c *Client) BindRequest(ctx context.Context) {
	c.post(ctx, func(ctx context.Context) {
		if !c.connected {
			c.fail(ctx, c.cb.OnBindFailure, ErrNotConnected)
			return
		}
		req, err := buildBindRequest()
		if err != nil {
			c.fail(ctx, c.cb.OnBindFailure, err)
			return
		}
		res, err := c.engine.Do(ctx, req)
		if err != nil {
			c.fail(ctx, c.cb.OnBindFailure, err)
			return
		}
		addr, ok := res.MappedAddress()
		if !ok {
			c.fail(ctx, c.cb.OnBindFailure, stun.ErrMissingAttributes)
			return
		}
		if c.cb.OnBindSuccess != nil {
			c.cb.OnBindSuccess(ctx, addr)
		}
	})
}

// CreateAllocation implements SPEC_FULL.md §4.7's create_allocation.
func (c *Client) CreateAllocation(ctx context.Context, p AllocateParams) {
	c.post(ctx, func(ctx context.Context) {
		if !c.connected {
			c.fail(ctx, c.cb.OnAllocationFailure, ErrNotConnected)
			return
		}
		if c.alloc != nil {
			c.fail(ctx, c.cb.OnAllocationFailure, ErrAlreadyAllocated)
			return
		}
		// TLS as requested relay transport can't even be expressed:
		// RequestedTransport only has UDP/TCP protocol-number constants
		// (SPEC_FULL.md §4.7). TCP relay over a UDP local transport is the
		// one combination left to reject explicitly.
		if p.Transport == TransportReqTCP && c.tp.TransportType() == TransportUDP {
			c.fail(ctx, c.cb.OnAllocationFailure, ErrInvalidRequestedTransport)
			return
		}

		req, err := buildAllocateRequest(p)
		if err != nil {
			c.fail(ctx, c.cb.OnAllocationFailure, err)
			return
		}
		res, err := c.engine.Do(ctx, req)
		if err != nil {
			c.fail(ctx, c.cb.OnAllocationFailure, err)
			return
		}
		relay, ok := res.RelayedAddress()
		if !ok {
			c.fail(ctx, c.cb.OnAllocationFailure, stun.ErrMissingAttributes)
			return
		}
		lifetimeSecs, _ := res.Lifetime()
		lifetime := time.Duration(lifetimeSecs) * time.Second

		c.alloc = newAllocationState(relay, lifetime)
		c.scheduleRefresh(ctx, lifetime)

		if c.cb.OnAllocationSuccess != nil {
			c.cb.OnAllocationSuccess(ctx, relay, lifetime)
		}
	})
}

// RefreshAllocation implements SPEC_FULL.md §4.7's refresh_allocation.
// lifetime 0 destroys the allocation.
func (c *Client) RefreshAllocation(ctx context.Context, lifetime uint32) {
	c.post(ctx, func(ctx context.Context) {
		if c.alloc == nil {
			c.fail(ctx, c.cb.OnRefreshFailure, ErrNoAllocation)
			return
		}
		if _, err := c.doRefresh(ctx, lifetime); err != nil {
			return
		}
	})
}

// doRefresh runs the Refresh exchange and applies its result to
// c.alloc/c.active. Called both from RefreshAllocation and from Close's
// lifetime-0 shutdown path.
func (c *Client) doRefresh(ctx context.Context, lifetime uint32) (*stun.Message, error) {
	req, err := buildRefreshRequest(lifetime)
	if err != nil {
		c.fail(ctx, c.cb.OnRefreshFailure, err)
		return nil, errtrace.Wrap(err)
	}
	res, err := c.engine.Do(ctx, req)
	if err != nil {
		c.fail(ctx, c.cb.OnRefreshFailure, err)
		return nil, errtrace.Wrap(err)
	}

	if lifetime == 0 {
		if c.alloc != nil {
			c.alloc.cancelRefresh()
		}
		c.alloc = nil
		c.active = nil
		if c.cb.OnRefreshSuccess != nil {
			c.cb.OnRefreshSuccess(ctx, 0)
		}
		return res, nil
	}

	secs, _ := res.Lifetime()
	newLifetime := time.Duration(secs) * time.Second
	if c.alloc != nil {
		c.scheduleRefresh(ctx, newLifetime)
	}
	if c.cb.OnRefreshSuccess != nil {
		c.cb.OnRefreshSuccess(ctx, newLifetime)
	}
	return res, nil
}

// scheduleRefresh arms the allocation-refresh timer at (5·lifetime)/8
// (SPEC_FULL.md §4.7), posting the actual refresh back onto the command
// loop rather than running it from the timer goroutine directly.
func (c *Client) scheduleRefresh(ctx context.Context, lifetime time.Duration) {
	c.alloc.cancelRefresh()
	c.alloc.lifetime = lifetime
	delay := refreshDelay(lifetime)
	c.alloc.refreshTimer = timeutil.AfterFunc(delay, func() {
		c.post(ctx, func(ctx context.Context) {
			if c.alloc != nil {
				_, _ = c.doRefresh(ctx, uint32(c.alloc.lifetime.Seconds()))
			}
		})
	})
}

// SetActiveDestination implements SPEC_FULL.md §4.7.
func (c *Client) SetActiveDestination(ctx context.Context, addr *net.UDPAddr) {
	c.post(ctx, func(ctx context.Context) {
		c.active = addr
		if c.alloc != nil {
			c.alloc.channels.peerFor(addr)
		}
		if c.cb.OnSetActiveDestinationSuccess != nil {
			c.cb.OnSetActiveDestinationSuccess(ctx)
		}
	})
}

// ClearActiveDestination implements SPEC_FULL.md §4.7.
func (c *Client) ClearActiveDestination(ctx context.Context) {
	c.post(ctx, func(ctx context.Context) {
		c.active = nil
		if c.cb.OnClearActiveDestinationSuccess != nil {
			c.cb.OnClearActiveDestinationSuccess(ctx)
		}
	})
}

// Send writes data to the active destination. SendTo writes to an
// explicit peer. Both implement SPEC_FULL.md §4.7's send()/send_to():
// with no allocation, a raw send to the connected tuple; otherwise route
// through the peer's channel (framed once confirmed, else wrapped in a
// Send indication).
func (c *Client) Send(ctx context.Context, data []byte) error {
	return c.sendTo(ctx, c.active, data)
}

func (c *Client) SendTo(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	return c.sendTo(ctx, addr, data)
}

func (c *Client) sendTo(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	var sendErr error
	c.post(ctx, func(ctx context.Context) {
		if c.alloc == nil {
			sendErr = errtrace.Wrap(c.tp.Send(ctx, data))
			return
		}
		if addr == nil {
			sendErr = errtrace.Wrap(ErrUnknownRemoteAddress)
			return
		}
		p := c.alloc.channels.peerFor(addr)
		if p.c2sConfirmed {
			sendErr = errtrace.Wrap(c.tp.Send(ctx, encodeChannelData(p.c2sChannel, data)))
			return
		}
		if c.tp.TransportType() != TransportUDP {
			// auto-confirmed on first Send over a stream transport
			p.c2sConfirmed = true
		}
		ind, err := buildSendIndication(addr, p.c2sChannel, data)
		if err != nil {
			sendErr = errtrace.Wrap(err)
			return
		}
		raw, err := ind.MarshalBinary()
		if err != nil {
			sendErr = errtrace.Wrap(err)
			return
		}
		sendErr = errtrace.Wrap(c.tp.Send(ctx, raw))
	})
	return sendErr
}

// Deliver hands an inbound wire message or channel-data frame to the
// client. STUN responses go straight to the Engine on the caller's
// goroutine, because the command loop may itself be blocked in Engine.Do
// waiting for that very response. Channel data and indications are
// handled on the command loop, and Deliver waits until that has run.
func (c *Client) Deliver(ctx context.Context, raw []byte) {
	var engineErr error
	if _, _, isChannelData := decodeChannelData(raw); !isChannelData {
		if engineErr = c.engine.Deliver(ctx, raw); engineErr == nil {
			return
		}
	}
	c.post(ctx, func(ctx context.Context) {
		if ch, payload, ok := decodeChannelData(raw); ok {
			c.deliverChannelData(ctx, ch, payload)
			return
		}
		if handled := c.deliverIndication(ctx, raw); handled {
			return
		}
		c.log.WarnContext(ctx, "turn: dropping malformed/stray message", slog.Any("error", engineErr))
	})
}

func (c *Client) deliverChannelData(ctx context.Context, channel uint16, payload []byte) {
	if c.alloc == nil {
		c.fail(ctx, c.cb.OnReceiveFailure, ErrNoAllocation)
		return
	}
	p, ok := c.alloc.channels.byC2S[channel]
	if !ok {
		if p, ok = c.alloc.channels.byS2C[channel]; !ok {
			c.fail(ctx, c.cb.OnReceiveFailure, ErrUnknownRemoteAddress)
			return
		}
	}
	if c.cb.OnReceiveSuccess != nil {
		c.cb.OnReceiveSuccess(ctx, p.addr, payload)
	}
}

// deliverIndication handles the unsolicited STUN indications
// (Data/ChannelConfirmation) the Engine itself only matches against
// outstanding requests and would otherwise report as a stray response,
// per SPEC_FULL.md §4.8.
func (c *Client) deliverIndication(ctx context.Context, raw []byte) bool {
	m, err := stun.Parse(raw)
	if err != nil || m.Method() != stun.MethodData {
		return false
	}
	if c.alloc == nil {
		c.fail(ctx, c.cb.OnReceiveFailure, ErrNoAllocation)
		return true
	}
	addr, ok := m.PeerAddress()
	if !ok {
		return false
	}
	p, known := c.alloc.channels.lookupAddr(addr)
	if !known {
		c.fail(ctx, c.cb.OnReceiveFailure, ErrUnknownRemoteAddress)
		return true
	}
	if channel, ok := m.ChannelNumber(); ok {
		if err := c.alloc.channels.learnS2C(p, channel); err != nil {
			c.fail(ctx, c.cb.OnReceiveFailure, err)
			return true
		}
		if c.tp.TransportType() == TransportUDP {
			conf, err := buildChannelConfirmation(addr, channel)
			if err == nil {
				if raw, err := conf.MarshalBinary(); err == nil {
					if err := c.tp.Send(ctx, raw); err == nil {
						p.c2sConfirmed = true
					}
				}
			}
		}
	}
	data, _ := m.Data()
	if c.cb.OnReceiveSuccess != nil {
		c.cb.OnReceiveSuccess(ctx, addr, data)
	}
	return true
}

func (c *Client) fail(ctx context.Context, cb func(ctx context.Context, err error), err error) {
	if cb != nil {
		cb(ctx, errtrace.Wrap(err))
	}
}
