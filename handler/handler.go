// Package handler provides adapters to the route.Func type for functions
// with typed signatures.
//
// Positional parameters are decoded from the invocation's argument list by
// JSON conversion. A missing or null argument decodes as the zero value of
// its parameter type, matching the behavior of callers that omit trailing
// arguments; an argument that cannot be converted reports "Invalid params."
// to the remote caller.
package handler

import (
	"context"
	"encoding/json"

	"github.com/Instun/drpc/route"
	"github.com/Instun/drpc/wire"
)

// invContextKey is a context key for the invocation passed to a handler.
type invContextKey struct{}

// ContextInvocation returns the invocation record passed to the handler, or
// nil if ctx has no associated invocation. The context passed to a function
// adapted by this package has this value.
func ContextInvocation(ctx context.Context) *route.Invocation {
	if v := ctx.Value(invContextKey{}); v != nil {
		return v.(*route.Invocation)
	}
	return nil
}

// Func0 adapts a function accepting no parameters to a route.Func.
// Extra arguments supplied by the caller are ignored.
func Func0[R any](f func(context.Context) (R, error)) route.Func {
	return func(ctx context.Context, inv *route.Invocation) (any, error) {
		return f(context.WithValue(ctx, invContextKey{}, inv))
	}
}

// Func1 adapts a function accepting one positional parameter to a
// route.Func.
func Func1[A, R any](f func(context.Context, A) (R, error)) route.Func {
	return func(ctx context.Context, inv *route.Invocation) (any, error) {
		a, err := arg[A](inv, 0)
		if err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, invContextKey{}, inv), a)
	}
}

// Func2 adapts a function accepting two positional parameters to a
// route.Func.
func Func2[A, B, R any](f func(context.Context, A, B) (R, error)) route.Func {
	return func(ctx context.Context, inv *route.Invocation) (any, error) {
		a, err := arg[A](inv, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](inv, 1)
		if err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, invContextKey{}, inv), a, b)
	}
}

// Func3 adapts a function accepting three positional parameters to a
// route.Func.
func Func3[A, B, C, R any](f func(context.Context, A, B, C) (R, error)) route.Func {
	return func(ctx context.Context, inv *route.Invocation) (any, error) {
		a, err := arg[A](inv, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](inv, 1)
		if err != nil {
			return nil, err
		}
		c, err := arg[C](inv, 2)
		if err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, invContextKey{}, inv), a, b, c)
	}
}

// Slice adapts a function accepting the whole argument list as a slice of T
// to a route.Func.
func Slice[T, R any](f func(context.Context, []T) (R, error)) route.Func {
	return func(ctx context.Context, inv *route.Invocation) (any, error) {
		args := make([]T, len(inv.Params))
		for i := range inv.Params {
			v, err := arg[T](inv, i)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return f(context.WithValue(ctx, invContextKey{}, inv), args)
	}
}

// arg converts the i'th positional argument to type T. A missing or null
// argument yields the zero value of T.
func arg[T any](inv *route.Invocation, i int) (T, error) {
	var out T
	raw := wire.MarshalValue(inv.Arg(i))
	if string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, wire.NewError(wire.CodeInvalidParams, "")
	}
	return out, nil
}
