// Package route implements the method routing tree used to dispatch inbound
// calls on a drpc peer.
//
// A routing tree is a recursive value with four variants: a [Func] is a
// terminal handler, a [Chain] is an ordered middleware pipeline, a [Map] is
// a namespace keyed by dotted name segments, and a literal (see [Value])
// resolves to a handler returning a fixed value.
//
// Resolution consumes the longest dotted prefix of the method name that
// literally appears as a key of the current namespace, so a tree
//
//	route.Map{
//	  "user":         getUser,
//	  "user.special": getSpecial,
//	}
//
// routes "user.special" to getSpecial and "user.profile.get" to getUser
// with the invocation's Method set to the unconsumed suffix "profile.get".
//
// The tree is immutable for the lifetime of the engine that holds it and is
// safe for concurrent traversal. Resolved plans are cached per tree.
package route

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/Instun/drpc/wire"
)

// A Node is one vertex of a routing tree: a Func, Chain, Map, or literal.
type Node interface{ node() }

// A Func is a terminal method handler. The handler receives the per-call
// [Invocation] and returns the call result, which must be encodable as JSON,
// or an error. Returning a *wire.Error controls the code, message, and data
// reported to the remote caller.
type Func func(ctx context.Context, inv *Invocation) (any, error)

func (Func) node() {}

// A Chain is an ordered sequence of routing-tree values executed as a
// middleware pipeline on a shared invocation. Every element but the last
// must return no value; the value of the last element is the value of the
// chain. Elements communicate by mutating the invocation's Params in place.
type Chain []Node

func (Chain) node() {}

// A Map is a namespace mapping name segments to subtrees. A key may itself
// contain dots, and such keys match whole prefixes of the method name.
type Map map[string]Node

func (Map) node() {}

type literal struct{ v any }

func (literal) node() {}

// Value returns a literal node that resolves to a handler returning v
// regardless of its arguments. A nil v returns null to the caller.
func Value(v any) Node { return literal{v} }

// A Caller issues outbound calls to the remote peer. The peer engine
// satisfies this interface; it is exposed to handlers as Invocation.Invoke
// so a handler can call back into the peer that invoked it.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (any, error)
}

// An Invocation is the mutable per-call record passed to every handler in a
// chain.
type Invocation struct {
	ID     json.RawMessage // the id of the inbound request, verbatim
	Method string          // method name remaining after prefix consumption
	Full   string          // the original, unconsumed method name
	Params []any           // positional arguments; elements may be mutated
	Invoke Caller          // outbound surface of the engine serving the call
}

// Arg returns the i'th positional argument, or nil if there is none.
func (inv *Invocation) Arg(i int) any {
	if i < 0 || i >= len(inv.Params) {
		return nil
	}
	return inv.Params[i]
}

// A Tree is a routing tree together with its resolution cache.
type Tree struct {
	root Node

	μ     sync.Mutex
	plans map[string]plan
}

// A plan records the terminal node for a fully-qualified method name and
// the unconsumed suffix to present to it.
type plan struct {
	node Node
	rest string
}

// NewTree constructs a routing tree from root. A nil root yields a tree on
// which every resolution fails with "Method not found."
func NewTree(root Node) *Tree {
	return &Tree{root: root, plans: make(map[string]plan)}
}

// Resolve resolves a fully-qualified method name to its terminal node and
// the unconsumed method suffix. It fails with a *wire.Error carrying code
// -32601 if no route matches.
func (t *Tree) Resolve(method string) (Node, string, error) {
	t.μ.Lock()
	p, ok := t.plans[method]
	t.μ.Unlock()
	if ok {
		return p.node, p.rest, nil
	}

	node, rest, err := descend(t.root, method)
	if err != nil {
		return nil, "", err
	}

	t.μ.Lock()
	t.plans[method] = plan{node: node, rest: rest}
	t.μ.Unlock()
	return node, rest, nil
}

// Dispatch resolves the invocation's method and executes the result.
// The invocation's Method field is rewritten to the unconsumed suffix
// before any handler runs.
func (t *Tree) Dispatch(ctx context.Context, inv *Invocation) (any, error) {
	node, rest, err := t.Resolve(inv.Method)
	if err != nil {
		return nil, err
	}
	inv.Method = rest
	return run(ctx, node, inv)
}

// descend walks nested namespaces consuming matched prefixes of method
// until it reaches a terminal node.
func descend(node Node, method string) (Node, string, error) {
	for {
		if node == nil {
			return nil, "", wire.NewError(wire.CodeMethodNotFound, "")
		}
		ns, ok := node.(Map)
		if !ok {
			return node, method, nil
		}

		child, rest, ok := matchPrefix(ns, method)
		if !ok {
			return nil, "", wire.NewError(wire.CodeMethodNotFound, "")
		}
		node, method = child, rest
	}
}

// matchPrefix finds the longest dotted prefix of method that is literally a
// key of ns, and returns the child and the unconsumed suffix.
func matchPrefix(ns Map, method string) (Node, string, bool) {
	segs := strings.Split(method, ".")
	for n := len(segs); n >= 1; n-- {
		key := strings.Join(segs[:n], ".")
		if child, ok := ns[key]; ok {
			return child, strings.Join(segs[n:], "."), true
		}
	}
	return nil, "", false
}

const chainMessage = "Only the last handler in the chain can return a value"

// run executes a terminal node against inv. A Map reached here occurs only
// as a chain element; it is resolved against the invocation's current
// (already shortened) method name, which is what yields the fuzzy matching
// semantics for nested trees inside chains.
func run(ctx context.Context, node Node, inv *Invocation) (any, error) {
	switch n := node.(type) {
	case Func:
		return n(ctx, inv)
	case literal:
		return n.v, nil
	case Chain:
		return runChain(ctx, n, inv)
	case Map:
		child, rest, err := descend(n, inv.Method)
		if err != nil {
			return nil, err
		}
		sub := *inv
		sub.Method = rest
		return run(ctx, child, &sub)
	default:
		return nil, wire.NewError(wire.CodeMethodNotFound, "")
	}
}

// runChain executes the elements of a chain in order on a shared
// invocation. Intermediate elements must return no value.
func runChain(ctx context.Context, chain Chain, inv *Invocation) (any, error) {
	var out any
	for i, el := range chain {
		v, err := run(ctx, el, inv)
		if err != nil {
			return nil, err
		}
		if i == len(chain)-1 {
			out = v
		} else if v != nil {
			return nil, &wire.Error{
				Code:    wire.CodeInternalError,
				Message: chainMessage,
				Type:    wire.TypeSystem,
			}
		}
	}
	return out, nil
}
