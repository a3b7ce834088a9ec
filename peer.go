package drpc

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/Instun/drpc/channel"
	"github.com/Instun/drpc/route"
	"github.com/Instun/drpc/wire"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
)

// A State is the observable connection state of a peer engine. State
// transitions are driven entirely by the engine; external code can read the
// state and observe transitions, but not write it.
type State int

const (
	StateInit         State = iota // constructed, not yet started
	StateConnecting                // waiting for the channel to open
	StateConnected                 // channel open, calls flow
	StateReconnecting              // connection lost, retry timer armed
	StateClosed                    // terminal; calls queue and complete only by timeout
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// A FrameLogger logs a frame exchanged with the remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines the text of a frame and a flag indicating whether
// the frame was sent or received.
type FrameInfo struct {
	Text string // the JSON text of the frame
	Sent bool   // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) dir() string { return value.Cond(f.Sent, "send", "recv") }

func (f FrameInfo) String() string { return f.dir() + " " + f.Text }

// A Factory produces a fresh channel for each connection attempt. A peer
// started with a factory reconnects after connection loss; a peer started
// with a bare channel does not.
type Factory func() (any, error)

// A Peer is a bi-directional JSON-RPC 2.0 engine bound to one message
// channel. A single peer concurrently issues outbound calls and serves
// inbound calls from the remote side over the same channel.
//
// Construct a peer with NewPeer and call Start with a channel or a channel
// factory. Outbound calls are issued with Call, or through the proxy
// returned by Root. Inbound calls are routed through the routing tree
// supplied in the options; the tree is immutable once the peer is
// constructed.
//
// All methods of a Peer are safe for concurrent use by multiple goroutines.
type Peer struct {
	opts  Options
	tree  *route.Tree
	tasks *taskgroup.Group
	root  *Proxy

	out struct {
		// Must hold the lock to send on or replace the binding.
		sync.Mutex
		link *channel.Binding
	}

	μ sync.Mutex

	state   State
	gen     int     // channel generation; stale channel events are ignored
	factory Factory // nil unless started with a factory
	retries int     // reconnection attempts since the last successful open
	retry   *time.Timer

	nexto int64                  // next unused outbound call id
	ocall map[int64]*pendingCall // outbound calls in flight
	queue []*pendingCall         // outbound calls awaiting an open connection

	nexti int64                        // inbound dispatch sequence
	icall map[int64]context.CancelFunc // inbound dispatches in progress

	done chan struct{} // closed on entering the CLOSED state
}

// Done returns a channel that is closed when the peer reaches the terminal
// CLOSED state, whether by Stop, channel loss, or a spent retry budget.
func (p *Peer) Done() <-chan struct{} { return p.done }

// NewPeer constructs a new unstarted peer with the given options.
// A nil opts is equivalent to the zero Options.
func NewPeer(opts *Options) *Peer {
	p := &Peer{
		opts:  opts.merged(),
		tasks: taskgroup.New(nil),
		ocall: make(map[int64]*pendingCall),
		icall: make(map[int64]context.CancelFunc),
		done:  make(chan struct{}),
	}
	p.tree = route.NewTree(p.opts.Routing)
	p.root = &Proxy{peer: p}
	return p
}

// Open creates a peer on the given channel or channel factory and returns
// its outbound proxy. It is shorthand for NewPeer(opts).Start(ch) followed
// by Root.
func Open(ch any, opts *Options) (*Proxy, error) {
	p := NewPeer(opts)
	if err := p.Start(ch); err != nil {
		return nil, err
	}
	return p.Root(), nil
}

// Handler returns a listener factory for the given routing tree. Calling
// the factory with a channel constructs and starts a peer serving routing
// on that channel, treating it as already open. The remaining fields of
// opts, if any, are carried over to each constructed peer.
func Handler(routing route.Map, opts *Options) func(ch any) (*Peer, error) {
	base := opts.merged()
	return func(ch any) (*Peer, error) {
		o := base
		o.Routing = routing
		o.Opened = true
		p := NewPeer(&o)
		if err := p.Start(ch); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Start starts the peer on the given channel. The argument may be a
// channel value satisfying the conventions probed by the channel package,
// a Factory, or a plain func() any; a factory enables reconnection.
//
// Start does not block. It reports an error if the channel (or the first
// channel produced by the factory) does not satisfy the contract.
// Start will panic if the peer was already started.
func (p *Peer) Start(ch any) error {
	p.μ.Lock()
	if p.state != StateInit {
		p.μ.Unlock()
		panic("peer is already started")
	}
	switch f := ch.(type) {
	case Factory:
		p.factory = f
	case func() (any, error):
		p.factory = f
	case func() any:
		p.factory = func() (any, error) { return f(), nil }
	}
	factory := p.factory
	p.μ.Unlock()

	raw := ch
	if factory != nil {
		var err error
		raw, err = factory()
		if err != nil {
			return fmt.Errorf("channel factory: %w", err)
		}
	}
	return p.connect(raw)
}

// connect binds raw as the peer's channel, wires up its event listeners,
// and moves the state machine to CONNECTING (and to CONNECTED if the
// options mark channels as pre-opened).
func (p *Peer) connect(raw any) error {
	link, err := channel.Bind(raw)
	if err != nil {
		return err
	}

	p.μ.Lock()
	p.gen++
	gen := p.gen
	p.μ.Unlock()

	p.out.Lock()
	p.out.link = link
	p.out.Unlock()

	if err := channel.Subscribe(raw, channel.EventMessage, func(payload any) {
		p.onMessage(gen, payload)
	}); err != nil {
		return err
	}
	lost := func(any) { p.onLost(gen) }
	channel.Subscribe(raw, channel.EventOpen, func(any) { p.onOpen(gen) })
	channel.Subscribe(raw, channel.EventClose, lost)
	channel.Subscribe(raw, channel.EventError, lost)
	channel.Subscribe(raw, channel.EventExit, lost)

	p.transition(StateConnecting)
	if p.opts.Opened {
		p.onOpen(gen)
	}
	return nil
}

// transition moves the state machine to next and notifies the observer.
// A transition to the current state is a no-op. The terminal CLOSED state
// is never left.
func (p *Peer) transition(next State) {
	p.μ.Lock()
	old := p.state
	if old == next || old == StateClosed {
		p.μ.Unlock()
		return
	}
	p.state = next
	p.μ.Unlock()
	p.notify(old, next)
}

func (p *Peer) notify(old, next State) {
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(old, next)
	}
}

// State reports the current connection state of the peer.
func (p *Peer) State() State {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.state
}

// Root returns the outbound method proxy rooted at the empty name.
func (p *Peer) Root() *Proxy { return p.root }

// Channel returns the channel object the peer is currently bound to, or
// nil if none is bound.
func (p *Peer) Channel() any {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.link == nil {
		return nil
	}
	return p.out.link.Channel()
}

// Metrics returns a metrics map for the peer. It is safe for the caller to
// add additional metrics to the map while the peer is active. Metrics are
// shared among all peers in the process.
func (p *Peer) Metrics() *expvar.Map { return metrics.emap }

// Stop closes the channel and terminates the peer. In-flight outbound
// calls fail with "Server disconnected."; queued calls keep their timers
// and fail by timeout. Stop blocks until running handlers have settled.
func (p *Peer) Stop() error {
	p.μ.Lock()
	p.factory = nil // no further reconnection attempts
	if p.retry != nil {
		p.retry.Stop()
	}
	old := p.state
	var inflight []*pendingCall
	var cancels []context.CancelFunc
	if old != StateClosed {
		inflight, cancels = p.teardownLocked()
		p.state = StateClosed
		close(p.done)
	}
	p.μ.Unlock()

	p.closeOut()
	p.settle(inflight, cancels)
	if old != StateClosed {
		p.notify(old, StateClosed)
	}
	return p.Wait()
}

// Wait blocks until all inbound dispatches in progress have settled.
func (p *Peer) Wait() error { p.tasks.Wait(); return nil }

// Call sends a call to the remote peer for the specified method and
// positional parameters, and blocks until the call completes, times out,
// or ctx ends. If the connection is not currently open the request is
// queued and transmitted once it is; the per-call timeout keeps running
// while queued.
//
// An error from the remote peer or the engine has concrete type
// *wire.Error. If ctx ends first, the pending call is abandoned locally
// and the context's error is returned.
func (p *Peer) Call(ctx context.Context, method string, params ...any) (any, error) {
	metrics.callOut.Add(1)
	pc := p.issue(method, params)
	select {
	case f := <-pc.done:
		if f.Error != nil {
			metrics.callOutErr.Add(1)
			return nil, f.Error.Err()
		}
		v, err := wire.UnmarshalValue(f.Result)
		if err != nil {
			metrics.callOutErr.Add(1)
			return nil, &wire.Error{Code: wire.CodeParseError, Message: err.Error(), Type: wire.TypeProtocol}
		}
		return v, nil
	case <-ctx.Done():
		p.abandon(pc)
		metrics.callOutErr.Add(1)
		return nil, ctx.Err()
	}
}

// A pendingCall is the local bookkeeping for one outbound call. Its state
// field is guarded by the peer's state lock; the completion channel is
// buffered and receives exactly one frame.
type pendingCall struct {
	id    int64
	text  string // the encoded request frame
	timer *time.Timer
	done  chan *wire.Frame
	state callState
}

type callState int

const (
	callQueued   callState = iota // waiting in the send queue
	callInFlight                  // transmitted, awaiting a response
	callComplete                  // result delivered, no longer tracked
)

// issue allocates an id, registers a pending call, arms its timeout, and
// either transmits the request or places it on the send queue.
func (p *Peer) issue(method string, params []any) *pendingCall {
	p.μ.Lock()
	id := p.nexto
	p.nexto++
	pc := &pendingCall{
		id:   id,
		text: wire.NewRequest(id, method, params).Encode(),
		done: make(chan *wire.Frame, 1),
	}
	pc.timer = time.AfterFunc(p.opts.Timeout, func() { p.expire(pc) })

	if p.state != StateConnected {
		p.enqueueLocked(pc)
		p.μ.Unlock()
		return pc
	}

	pc.state = callInFlight
	p.ocall[id] = pc
	metrics.callPending.Add(1)

	// Send while holding the output lock but not the state lock, so that
	// transmission follows issue order without blocking the dispatch paths.
	p.out.Lock()
	p.μ.Unlock()
	err := p.writeLocked(pc.text)
	p.out.Unlock()

	if err != nil {
		// The channel rejected the write: queue the request instead.
		p.μ.Lock()
		if pc.state == callInFlight {
			delete(p.ocall, pc.id)
			metrics.callPending.Add(-1)
			p.enqueueLocked(pc)
		}
		p.μ.Unlock()
	}
	return pc
}

func (p *Peer) enqueueLocked(pc *pendingCall) {
	pc.state = callQueued
	p.queue = append(p.queue, pc)
	metrics.callQueued.Add(1)
}

// completeLocked removes pc from whichever table holds it and marks it
// complete, reporting whether the caller should deliver a result.
func (p *Peer) completeLocked(pc *pendingCall) bool {
	switch pc.state {
	case callComplete:
		return false
	case callInFlight:
		delete(p.ocall, pc.id)
		metrics.callPending.Add(-1)
	case callQueued:
		for i, q := range p.queue {
			if q == pc {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		metrics.callQueued.Add(-1)
	}
	pc.state = callComplete
	pc.timer.Stop()
	return true
}

// expire completes a pending call with a timeout error. Timers keep
// running while a call is queued, so a request may expire without ever
// having been transmitted.
func (p *Peer) expire(pc *pendingCall) {
	p.μ.Lock()
	ok := p.completeLocked(pc)
	p.μ.Unlock()
	if ok {
		metrics.callTimeout.Add(1)
		pc.done <- wire.NewErrorFrame(wire.IDValue(pc.id), wire.NewError(wire.CodeTimeout, ""))
	}
}

// abandon releases a pending call without delivering a result. Any
// response arriving later for its id is dropped.
func (p *Peer) abandon(pc *pendingCall) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.completeLocked(pc)
}

// onOpen handles the channel's open event: the peer becomes CONNECTED, the
// retry budget resets, and queued requests are transmitted in insertion
// order.
func (p *Peer) onOpen(gen int) {
	p.μ.Lock()
	if gen != p.gen || p.state == StateClosed || p.state == StateConnected {
		p.μ.Unlock()
		return
	}
	old := p.state
	p.state = StateConnected
	p.retries = 0

	queued := p.queue
	p.queue = nil
	var send []*pendingCall
	for _, pc := range queued {
		if pc.state != callQueued {
			continue
		}
		pc.state = callInFlight
		p.ocall[pc.id] = pc
		metrics.callQueued.Add(-1)
		metrics.callPending.Add(1)
		send = append(send, pc)
	}

	p.out.Lock()
	p.μ.Unlock()
	var failed []*pendingCall
	for i, pc := range send {
		if err := p.writeLocked(pc.text); err != nil {
			failed = send[i:]
			break
		}
	}
	p.out.Unlock()

	if len(failed) != 0 {
		p.μ.Lock()
		for _, pc := range failed {
			if pc.state == callInFlight {
				delete(p.ocall, pc.id)
				metrics.callPending.Add(-1)
				p.enqueueLocked(pc)
			}
		}
		p.μ.Unlock()
	}
	p.notify(old, StateConnected)
}

// onLost handles loss of the connection: every in-flight call fails with
// "Server disconnected.", running inbound dispatches are canceled, and the
// peer either arms a reconnection attempt or closes for good. Queued calls
// are kept, along with their running timers.
func (p *Peer) onLost(gen int) {
	p.μ.Lock()
	if gen != p.gen || p.state == StateClosed || p.state == StateReconnecting {
		p.μ.Unlock()
		return
	}
	old := p.state
	inflight, cancels := p.teardownLocked()

	var next State
	if p.factory != nil && p.retries < p.opts.MaxRetries {
		next = StateReconnecting
		p.retries++
		p.retry = time.AfterFunc(p.opts.RetryDelay, p.reconnect)
	} else {
		next = StateClosed
	}
	p.state = next
	if next == StateClosed {
		close(p.done)
	}
	p.μ.Unlock()

	p.closeOut()
	p.settle(inflight, cancels)
	if old != next {
		p.notify(old, next)
	}
}

// teardownLocked empties the in-flight table and collects the cancel
// functions of running inbound dispatches. The caller must hold p.μ and
// pass the results to settle after releasing it.
func (p *Peer) teardownLocked() ([]*pendingCall, []context.CancelFunc) {
	var inflight []*pendingCall
	for _, pc := range p.ocall {
		inflight = append(inflight, pc)
	}
	for _, pc := range inflight {
		p.completeLocked(pc)
	}

	cancels := make([]context.CancelFunc, 0, len(p.icall))
	for _, stop := range p.icall {
		cancels = append(cancels, stop)
	}
	clear(p.icall)
	return inflight, cancels
}

// settle fails the given in-flight calls with "Server disconnected." and
// cancels the given inbound dispatches.
func (p *Peer) settle(inflight []*pendingCall, cancels []context.CancelFunc) {
	for _, pc := range inflight {
		pc.done <- wire.NewErrorFrame(wire.IDValue(pc.id), wire.NewError(wire.CodeDisconnected, ""))
	}
	for _, stop := range cancels {
		stop()
	}
}

// reconnect runs when the retry timer fires: it obtains a fresh channel
// from the factory and wires it up. A factory failure consumes another
// retry, or closes the peer when the budget is spent.
func (p *Peer) reconnect() {
	p.μ.Lock()
	if p.state != StateReconnecting {
		p.μ.Unlock()
		return
	}
	factory := p.factory
	p.μ.Unlock()
	if factory == nil {
		return
	}
	metrics.reconnects.Add(1)

	raw, err := factory()
	if err == nil && raw != nil {
		if err := p.connect(raw); err == nil {
			return
		}
	}

	p.μ.Lock()
	if p.state != StateReconnecting {
		p.μ.Unlock()
		return
	}
	if p.retries < p.opts.MaxRetries {
		p.retries++
		p.retry = time.AfterFunc(p.opts.RetryDelay, p.reconnect)
		p.μ.Unlock()
		return
	}
	p.state = StateClosed
	close(p.done)
	p.μ.Unlock()
	p.notify(StateReconnecting, StateClosed)
}

// onMessage decodes one inbound frame and routes it to the request or the
// response path. Unparseable data is answered with a parse error carrying
// id -1; the engine does not guess the id.
func (p *Peer) onMessage(gen int, payload any) {
	text, ok := channel.Text(payload)
	if !ok {
		metrics.frameDropped.Add(1)
		return
	}
	metrics.frameRecv.Add(1)
	if p.opts.LogFrames != nil {
		p.opts.LogFrames(FrameInfo{Text: text, Sent: false})
	}

	f, err := wire.Decode(text)
	if err != nil {
		p.respond(wire.NewErrorFrame(wire.IDValue(-1), wire.NewError(wire.CodeParseError, "")))
		return
	}
	switch {
	case f.IsRequest():
		p.dispatchRequest(gen, f)
	case f.IsResponse():
		p.dispatchResponse(f)
	default:
		p.respond(wire.NewErrorFrame(wire.IDValue(-1), wire.NewError(wire.CodeInvalidRequest, "")))
	}
}

// dispatchResponse completes the pending call matching the response id.
// Responses with unknown or non-numeric ids are dropped silently; the peer
// may be a slow or misbehaving sender.
func (p *Peer) dispatchResponse(f *wire.Frame) {
	id, ok := f.CallID()
	if !ok {
		metrics.frameDropped.Add(1)
		return
	}
	p.μ.Lock()
	pc, ok := p.ocall[id]
	if !ok || !p.completeLocked(pc) {
		p.μ.Unlock()
		metrics.frameDropped.Add(1)
		return
	}
	p.μ.Unlock()
	pc.done <- f
}

// dispatchRequest runs an inbound request through the routing tree in its
// own goroutine, so a suspended handler never blocks the read path, and
// writes the response back.
func (p *Peer) dispatchRequest(gen int, f *wire.Frame) {
	metrics.callIn.Add(1)

	params, perr := parseParams(f.Params)
	if perr != nil {
		metrics.callInErr.Add(1)
		p.respond(wire.NewErrorFrame(requestID(f), perr))
		return
	}

	base := context.Background
	if p.opts.NewContext != nil {
		base = p.opts.NewContext
	}
	pctx := context.WithValue(base(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)

	p.μ.Lock()
	if gen != p.gen || p.state == StateClosed {
		p.μ.Unlock()
		cancel()
		return
	}
	seq := p.nexti
	p.nexti++
	p.icall[seq] = cancel
	p.μ.Unlock()
	metrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer func() {
			p.μ.Lock()
			delete(p.icall, seq)
			p.μ.Unlock()
			cancel()
			metrics.callActive.Add(-1)
		}()

		inv := &route.Invocation{
			ID:     f.ID,
			Method: f.Method,
			Full:   f.Method,
			Params: params,
			Invoke: p,
		}
		v, err := func() (v any, err error) {
			// A panic out of a handler becomes a graceful internal error.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return p.tree.Dispatch(ctx, inv)
		}()

		if err != nil {
			metrics.callInErr.Add(1)
			p.respond(wire.NewErrorFrame(requestID(f), handlerError(err)))
		} else {
			p.respond(wire.NewResult(requestID(f), v))
		}
		return nil
	})
}

// parseParams interprets the params member of a request. An absent member
// is an empty argument list; a present member must be a JSON array.
func parseParams(raw json.RawMessage) ([]any, *wire.Error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []any{}, nil
	}
	var params []any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wire.NewError(wire.CodeInvalidParams, "")
	}
	if params == nil {
		params = []any{}
	}
	return params, nil
}

// requestID returns the id to echo in a response to f, substituting an
// explicit null for an absent id.
func requestID(f *wire.Frame) json.RawMessage {
	if f.ID == nil {
		return json.RawMessage("null")
	}
	return f.ID
}

// handlerError maps an error reported by a handler onto the wire
// catalogue. A *wire.Error passes through with its code, message, and data
// preserved verbatim; JSON syntax and type errors map to the protocol
// codes; anything else is an internal error carrying the handler's
// message.
func handlerError(err error) *wire.Error {
	var werr *wire.Error
	if errors.As(err, &werr) {
		if werr.Type == "" {
			werr.Type = wire.TypeForCode(werr.Code)
		}
		return werr
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return &wire.Error{Code: wire.CodeParseError, Message: err.Error(), Type: wire.TypeProtocol}
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return &wire.Error{Code: wire.CodeInvalidParams, Message: err.Error(), Type: wire.TypeProtocol}
	}
	return &wire.Error{Code: wire.CodeInternalError, Message: err.Error(), Type: wire.TypeSystem}
}

// respond writes a response frame. A response that cannot be written is
// dropped; connection-level failures surface through the channel's own
// close and error events.
func (p *Peer) respond(f *wire.Frame) {
	p.out.Lock()
	defer p.out.Unlock()
	if p.writeLocked(f.Encode()) != nil {
		metrics.frameDropped.Add(1)
	}
}

// writeLocked writes one frame text. The caller must hold p.out.
func (p *Peer) writeLocked(text string) error {
	if p.out.link == nil {
		return errors.New("no channel is bound")
	}
	metrics.frameSent.Add(1)
	if p.opts.LogFrames != nil {
		p.opts.LogFrames(FrameInfo{Text: text, Sent: true})
	}
	return p.out.link.Send(text)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.link != nil {
		p.out.link.Close()
	}
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil
// if none is defined. The context passed to an inbound handler has this
// value, which is how a handler calls back into the peer that invoked it.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
