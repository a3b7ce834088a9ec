package drpc

import (
	"context"
	"sync"
)

// A Proxy is the user-facing surface for issuing outbound calls on a peer.
// A proxy denotes one dotted method path; Path materializes child proxies
// for deeper paths on demand, without any pre-declaration on either side:
//
//	user := p.Root().Path("user")
//	res, err := user.Path("profile").Path("get").Call(ctx, 1)
//
// behaves as a call to "user.profile.get" with params [1]. The first
// access at a given path creates the child, later accesses return the same
// child. The root proxy itself is callable; it addresses the empty method
// name, which a remote peer answers with "Method not found." unless it
// exposes an empty-name handler.
//
// A proxy has no mutable surface beyond its lazily built child table; all
// other state it exposes is read-only.
type Proxy struct {
	peer *Peer
	path string

	μ    sync.Mutex
	kids map[string]*Proxy
}

// Path returns the child proxy for name, creating and caching it on first
// use. The name may itself contain dots, addressing several segments at
// once.
func (x *Proxy) Path(name string) *Proxy {
	x.μ.Lock()
	defer x.μ.Unlock()
	if kid, ok := x.kids[name]; ok {
		return kid
	}
	full := name
	if x.path != "" {
		full = x.path + "." + name
	}
	kid := &Proxy{peer: x.peer, path: full}
	if x.kids == nil {
		x.kids = make(map[string]*Proxy)
	}
	x.kids[name] = kid
	return kid
}

// Call issues an outbound call for the proxy's method path with the given
// positional arguments. It blocks as Peer.Call does.
func (x *Proxy) Call(ctx context.Context, args ...any) (any, error) {
	return x.peer.Call(ctx, x.path, args...)
}

// Method reports the dotted method path the proxy addresses. The root
// proxy reports "".
func (x *Proxy) Method() string { return x.path }

// State reports the connection state of the underlying peer.
func (x *Proxy) State() State { return x.peer.State() }

// Channel returns the channel object the underlying peer is bound to.
func (x *Proxy) Channel() any { return x.peer.Channel() }

// Peer returns the peer engine the proxy issues calls on.
func (x *Proxy) Peer() *Peer { return x.peer }
