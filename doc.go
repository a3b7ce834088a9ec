// Package drpc implements a lightweight, transport-agnostic, bi-directional
// JSON-RPC 2.0 engine.
//
// A single engine instance, bound to one message channel, acts as client
// and server at the same time: it issues outbound calls, serves inbound
// calls from the remote peer, and multiplexes the responses for both over
// the same pipe. The engine owns request/response correlation, method
// routing, per-call timeouts, and the connection state machine; transports
// stay outside and plug in as channels.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Construct one with
// [NewPeer] and start it on a channel:
//
//	p := drpc.NewPeer(&drpc.Options{
//	    Opened:  true,
//	    Routing: route.Map{"echo": echoHandler},
//	})
//	if err := p.Start(ch); err != nil {
//	    log.Fatalf("Start: %v", err)
//	}
//
// The peer runs until [Peer.Stop] is called, the channel closes, or the
// reconnection budget is spent. The [Open] and [Handler] entry points wrap
// this for the common client and server shapes:
//
//	proxy, err := drpc.Open(ch, nil)              // client: returns the proxy
//	serve := drpc.Handler(routing, nil)           // server: listener factory
//	peer, err := serve(conn)                      // one peer per connection
//
// # Channels
//
// A channel is any value that can write a text frame and deliver message,
// open, close, error, and exit events to listeners. The engine probes the
// channel for the method conventions described in the channel package, so
// values from different transport libraries can be used without adapters.
// Passing a factory function instead of a channel enables reconnection
// with capped retries after connection loss.
//
// # Calls
//
// Outbound calls go through [Peer.Call] or the method proxy returned by
// [Peer.Root]:
//
//	res, err := p.Root().Path("user").Path("get").Call(ctx, 42)
//
// Requests issued while the connection is not open are queued and
// transmitted, in order, once it opens. Every call is bounded by the
// configured timeout whether queued or in flight. Errors reported by Call
// have concrete type [*wire.Error].
//
// Inbound calls are resolved against the routing tree supplied at
// construction; see the route package for the tree grammar, middleware
// chains, and longest-prefix matching rules.
//
// # Callbacks
//
// A method handler may call back into the peer that invoked it, either
// through the Invoke field of its invocation or with [ContextPeer]:
//
//	func handle(ctx context.Context, inv *route.Invocation) (any, error) {
//	    return inv.Invoke.Call(ctx, "transform", inv.Arg(0))
//	}
//
// This is an ordinary outbound call and may itself be answered by a
// handler on the other side, recursively.
//
// # Metrics
//
// Peers maintain a collection of expvar counters while running; use
// [Peer.Metrics] to obtain the map. [Options.LogFrames] registers a
// callback observing every frame exchanged with the remote peer, including
// frames that are discarded (such as responses to unknown call ids).
package drpc
