package drpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Instun/drpc"
	"github.com/Instun/drpc/channel"
	"github.com/Instun/drpc/handler"
	"github.com/Instun/drpc/peers"
	"github.com/Instun/drpc/route"
	"github.com/Instun/drpc/wire"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// testRouting is the routing tree served by peer A in most of the tests.
func testRouting() route.Map {
	return route.Map{
		"test": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			a, _ := inv.Arg(0).(float64)
			b, _ := inv.Arg(1).(float64)
			return a + b, nil
		}),
		"sum": handler.Slice(func(_ context.Context, vs []float64) (float64, error) {
			var total float64
			for _, v := range vs {
				total += v
			}
			return total, nil
		}),
		"user": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			return inv.Method, nil
		}),
		"user.special": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			return map[string]any{"special": true, "data": inv.Arg(0)}, nil
		}),
		"transform": route.Chain{
			route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
				s, _ := inv.Arg(0).(string)
				inv.Params[0] = strings.ToUpper(s)
				return nil, nil
			}),
			route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
				s, _ := inv.Arg(0).(string)
				inv.Params[0] = s + "!"
				return nil, nil
			}),
			route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
				s, _ := inv.Arg(0).(string)
				return "[" + s + "]", nil
			}),
		},
		"bad": route.Chain{
			route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
				s, _ := inv.Arg(0).(string)
				return strings.ToUpper(s), nil
			}),
			route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
				return inv.Arg(0), nil
			}),
		},
		"version": route.Value("1.0.0"),
		"fail": route.Func(func(context.Context, *route.Invocation) (any, error) {
			return nil, &wire.Error{Code: 1701, Message: "beam blocked", Data: json.RawMessage(`{"by":"shield"}`)}
		}),
		"panic": route.Func(func(context.Context, *route.Invocation) (any, error) {
			panic("deliberate")
		}),
	}
}

func TestCalls(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(&drpc.Options{Routing: testRouting()}, nil)
	defer loc.Stop()
	ctx := context.Background()

	t.Run("Basic", func(t *testing.T) {
		got, err := loc.B.Call(ctx, "test", 1, 2)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got != float64(3) {
			t.Errorf("Result: got %v, want 3", got)
		}
	})

	t.Run("Adapter", func(t *testing.T) {
		got, err := loc.B.Call(ctx, "sum", 1, 2, 3, 4)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got != float64(10) {
			t.Errorf("Result: got %v, want 10", got)
		}
	})

	t.Run("Chain", func(t *testing.T) {
		got, err := loc.B.Call(ctx, "transform", "hello")
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got != "[HELLO!]" {
			t.Errorf("Result: got %v, want [HELLO!]", got)
		}
	})

	t.Run("ChainReturnRule", func(t *testing.T) {
		_, err := loc.B.Call(ctx, "bad", "x")
		werr := mustWireError(t, err, wire.CodeInternalError)
		if want := "Only the last handler in the chain can return a value"; werr.Message != want {
			t.Errorf("Message: got %q, want %q", werr.Message, want)
		}
	})

	t.Run("FuzzyPrefix", func(t *testing.T) {
		got, err := loc.B.Call(ctx, "user.profile.get", map[string]any{"n": 1})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got != "profile.get" {
			t.Errorf("Result: got %v, want profile.get", got)
		}

		got, err = loc.B.Call(ctx, "user.special", map[string]any{"t": 1})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		want := map[string]any{"special": true, "data": map[string]any{"t": float64(1)}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Result (-want, +got):\n%s", diff)
		}
	})

	t.Run("Literal", func(t *testing.T) {
		got, err := loc.B.Call(ctx, "version")
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got != "1.0.0" {
			t.Errorf("Result: got %v, want 1.0.0", got)
		}
	})

	t.Run("MethodNotFound", func(t *testing.T) {
		_, err := loc.B.Call(ctx, "nonesuch")
		werr := mustWireError(t, err, wire.CodeMethodNotFound)
		if werr.Type != wire.TypeBusiness {
			t.Errorf("Type: got %v, want %v", werr.Type, wire.TypeBusiness)
		}
	})

	t.Run("EmptyRoot", func(t *testing.T) {
		// The root proxy is callable, but the peer exposes no empty-name
		// handler, so the call reports "Method not found."
		_, err := loc.B.Root().Call(ctx)
		mustWireError(t, err, wire.CodeMethodNotFound)
	})

	t.Run("NoRouting", func(t *testing.T) {
		// Peer B serves no routing at all; every inbound call fails.
		_, err := loc.A.Call(ctx, "test", 1, 2)
		mustWireError(t, err, wire.CodeMethodNotFound)
	})

	t.Run("CustomError", func(t *testing.T) {
		_, err := loc.B.Call(ctx, "fail")
		werr := mustWireError(t, err, 1701)
		if werr.Message != "beam blocked" {
			t.Errorf("Message: got %q, want %q", werr.Message, "beam blocked")
		}
		if got, want := string(werr.Data), `{"by":"shield"}`; got != want {
			t.Errorf("Data: got %#q, want %#q", got, want)
		}
		if werr.Type != wire.TypeSystem {
			t.Errorf("Type: got %v, want %v", werr.Type, wire.TypeSystem)
		}
	})

	t.Run("PanicRecovered", func(t *testing.T) {
		_, err := loc.B.Call(ctx, "panic")
		werr := mustWireError(t, err, wire.CodeInternalError)
		if !strings.Contains(werr.Message, "deliberate") {
			t.Errorf("Message: got %q, want the panic text", werr.Message)
		}

		// The engine survives the panic.
		if got, err := loc.B.Call(ctx, "test", 2, 2); err != nil || got != float64(4) {
			t.Errorf("Follow-up call: got %v, %v; want 4, nil", got, err)
		}
	})
}

func mustWireError(t *testing.T, err error, code int) *wire.Error {
	t.Helper()
	var werr *wire.Error
	if !errors.As(err, &werr) {
		t.Fatalf("Got error %v, want *wire.Error", err)
	}
	if werr.Code != code {
		t.Fatalf("Code: got %d, want %d", werr.Code, code)
	}
	return werr
}

func TestProxy(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(&drpc.Options{Routing: testRouting()}, nil)
	defer loc.Stop()
	ctx := context.Background()

	root := loc.B.Root()
	user := root.Path("user")

	t.Run("Call", func(t *testing.T) {
		got, err := user.Path("profile").Path("get").Call(ctx, 1)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got != "profile.get" {
			t.Errorf("Result: got %v, want profile.get", got)
		}
	})

	t.Run("DottedPath", func(t *testing.T) {
		got, err := root.Path("user.special").Call(ctx, map[string]any{"t": 1})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if m, ok := got.(map[string]any); !ok || m["special"] != true {
			t.Errorf("Result: got %v, want special map", got)
		}
	})

	t.Run("ChildCaching", func(t *testing.T) {
		if root.Path("user") != user {
			t.Error("Path should return the cached child")
		}
		if user.Path("x") != user.Path("x") {
			t.Error("Nested children should be cached too")
		}
	})

	t.Run("Names", func(t *testing.T) {
		if got, want := user.Path("profile").Method(), "user.profile"; got != want {
			t.Errorf("Method: got %q, want %q", got, want)
		}
		if got := root.Method(); got != "" {
			t.Errorf("Root method: got %q, want empty", got)
		}
	})

	t.Run("Introspection", func(t *testing.T) {
		if got := root.State(); got != drpc.StateConnected {
			t.Errorf("State: got %v, want %v", got, drpc.StateConnected)
		}
		if _, ok := root.Channel().(*channel.Port); !ok {
			t.Errorf("Channel: got %T, want *channel.Port", root.Channel())
		}
		if root.Peer() != loc.B {
			t.Error("Peer should return the owning engine")
		}
	})
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	server := route.Map{
		"process": route.Func(func(ctx context.Context, inv *route.Invocation) (any, error) {
			v, err := inv.Invoke.Call(ctx, "transform", inv.Arg(0))
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Processed: %v", v), nil
		}),
	}
	client := route.Map{
		"transform": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			s, _ := inv.Arg(0).(string)
			return strings.ToUpper(s), nil
		}),
	}

	loc := peers.NewLocal(&drpc.Options{Routing: server}, &drpc.Options{Routing: client})
	defer loc.Stop()

	got, err := loc.B.Call(context.Background(), "process", "hello")
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if got != "Processed: HELLO" {
		t.Errorf("Result: got %v, want %q", got, "Processed: HELLO")
	}
}

func TestContextPeer(t *testing.T) {
	defer leaktest.Check(t)()

	routing := route.Map{
		"relay": route.Func(func(ctx context.Context, inv *route.Invocation) (any, error) {
			// The serving peer is reachable from the handler context.
			return drpc.ContextPeer(ctx).Call(ctx, "leaf", inv.Arg(0))
		}),
	}
	client := route.Map{
		"leaf": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			return inv.Arg(0), nil
		}),
	}

	loc := peers.NewLocal(&drpc.Options{Routing: routing}, &drpc.Options{Routing: client})
	defer loc.Stop()

	got, err := loc.B.Call(context.Background(), "relay", "ok")
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("Result: got %v, want ok", got)
	}
}

func TestContextPlumbing(t *testing.T) {
	defer leaktest.Check(t)()

	type testKey struct{}
	routing := route.Map{
		"probe": route.Func(func(ctx context.Context, _ *route.Invocation) (any, error) {
			v, _ := ctx.Value(testKey{}).(string)
			return v, nil
		}),
	}
	loc := peers.NewLocal(&drpc.Options{
		Routing: routing,
		NewContext: func() context.Context {
			return context.WithValue(context.Background(), testKey{}, "plumbed")
		},
	}, nil)
	defer loc.Stop()

	got, err := loc.B.Call(context.Background(), "probe")
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if got != "plumbed" {
		t.Errorf("Result: got %v, want plumbed", got)
	}
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	routing := route.Map{
		"slow": route.Func(func(ctx context.Context, _ *route.Invocation) (any, error) {
			<-ctx.Done() // hold the call until shutdown
			return nil, ctx.Err()
		}),
	}
	loc := peers.NewLocal(
		&drpc.Options{Routing: routing},
		&drpc.Options{Timeout: 100 * time.Millisecond},
	)
	defer loc.Stop()

	start := time.Now()
	_, err := loc.B.Call(context.Background(), "slow")
	elapsed := time.Since(start)

	werr := mustWireError(t, err, wire.CodeTimeout)
	if werr.Message != "Request timeout." {
		t.Errorf("Message: got %q, want %q", werr.Message, "Request timeout.")
	}
	if werr.Type != wire.TypeNetwork {
		t.Errorf("Type: got %v, want %v", werr.Type, wire.TypeNetwork)
	}
	if elapsed < 90*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("Timed out after %v, want about 100ms", elapsed)
	}
}

func TestDisconnect(t *testing.T) {
	defer leaktest.Check(t)()

	ready := make(chan struct{})
	routing := route.Map{
		"hang": route.Func(func(ctx context.Context, _ *route.Invocation) (any, error) {
			close(ready)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	loc := peers.NewLocal(&drpc.Options{Routing: routing}, nil)
	defer loc.Stop()

	done := taskgroup.Go(func() error {
		_, err := loc.B.Call(context.Background(), "hang")
		return err
	})

	<-ready // the request is in flight and the handler is holding it

	// Tear down the transport out from under both peers.
	loc.B.Root().Channel().(*channel.Port).Close()

	select {
	case <-loc.B.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for peer B to close")
	}

	err := done.Wait()
	werr := mustWireError(t, err, wire.CodeDisconnected)
	if werr.Message != "Server disconnected." {
		t.Errorf("Message: got %q, want %q", werr.Message, "Server disconnected.")
	}
	if got := loc.B.State(); got != drpc.StateClosed {
		t.Errorf("State: got %v, want %v", got, drpc.StateClosed)
	}
}

// A script is a scriptable message channel for driving the engine from
// tests: it records everything sent and lets the test emit events.
type script struct {
	μ         sync.Mutex
	listeners map[string][]func(any)
	sent      []string
	fail      bool
}

func newScript() *script { return &script{listeners: make(map[string][]func(any))} }

func (s *script) On(event string, fn func(any)) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.listeners[event] = append(s.listeners[event], fn)
}

func (s *script) Send(text string) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.fail {
		return errors.New("channel not transmittable")
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *script) Close() error { return nil }

func (s *script) emit(event string, payload any) {
	s.μ.Lock()
	fns := append([]func(any)(nil), s.listeners[event]...)

	s.μ.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (s *script) setFail(fail bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.fail = fail
}

func (s *script) frames(t *testing.T) []*wire.Frame {
	t.Helper()
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]*wire.Frame, len(s.sent))
	for i, text := range s.sent {
		f, err := wire.Decode(text)
		if err != nil {
			t.Fatalf("Sent frame %d is invalid: %v", i, err)
		}
		out[i] = f
	}
	return out
}

func (s *script) waitSent(t *testing.T, n int) []*wire.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.μ.Lock()
		have := len(s.sent)
		s.μ.Unlock()
		if have >= n {
			return s.frames(t)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d sent frames", n)
	return nil
}

func TestQueueing(t *testing.T) {
	defer leaktest.Check(t)()

	ch := newScript()
	p := drpc.NewPeer(&drpc.Options{Timeout: 5 * time.Second})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if got := p.State(); got != drpc.StateConnecting {
		t.Fatalf("State: got %v, want %v", got, drpc.StateConnecting)
	}

	// Issue calls before the channel opens: they must queue, not fail.
	ctx := context.Background()
	calls := taskgroup.New(nil)
	results := make([]any, 2)
	for i := range results {
		calls.Go(func() error {
			v, err := p.Call(ctx, "echo", i)
			results[i] = v
			return err
		})
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(ch.frames(t)); got != 0 {
		t.Fatalf("Sent before open: got %d frames, want 0", got)
	}

	// Open the channel: both queued requests flush in id order.
	ch.emit("open", nil)
	frames := ch.waitSent(t, 2)
	for i, f := range frames {
		if !f.IsRequest() || f.Method != "echo" {
			t.Fatalf("Frame %d: got %v, want echo request", i, f)
		}
		id, ok := f.CallID()
		if !ok || id != int64(i) {
			t.Errorf("Frame %d: got id %d, want %d", i, id, i)
		}
	}

	// Answer both calls, naming each result after the request's argument so
	// that it matches the caller whichever id that caller was assigned.
	for _, f := range frames {
		id, _ := f.CallID()
		var args []any
		if err := json.Unmarshal(f.Params, &args); err != nil || len(args) != 1 {
			t.Fatalf("Frame %d: bad params %s", id, f.Params)
		}
		ch.emit("message", fmt.Sprintf(`{"id":%d,"result":"r%v"}`, id, args[0]))
	}
	if err := calls.Wait(); err != nil {
		t.Fatalf("Calls failed: %v", err)
	}
	if diff := cmp.Diff([]any{"r0", "r1"}, results); diff != "" {
		t.Errorf("Results (-want, +got):\n%s", diff)
	}
}

func TestWriteRejection(t *testing.T) {
	defer leaktest.Check(t)()

	ch := newScript()
	ch.setFail(true)
	p := drpc.NewPeer(&drpc.Options{Opened: true, Timeout: 100 * time.Millisecond})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// A rejected write queues the request instead of failing the call; the
	// armed timeout is then the only thing that completes it.
	_, err := p.Call(context.Background(), "echo", "x")
	mustWireError(t, err, wire.CodeTimeout)
	if got := len(ch.frames(t)); got != 0 {
		t.Errorf("Sent frames: got %d, want 0", got)
	}
}

func TestParseError(t *testing.T) {
	defer leaktest.Check(t)()

	ch := newScript()
	p := drpc.NewPeer(&drpc.Options{Opened: true})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	ch.emit("message", "this is not json")
	frames := ch.waitSent(t, 1)

	f := frames[0]
	if id, ok := f.CallID(); !ok || id != -1 {
		t.Errorf("Error id: got %s, want -1", f.ID)
	}
	if f.Error == nil || f.Error.Code != wire.CodeParseError {
		t.Errorf("Error: got %v, want code %d", f.Error, wire.CodeParseError)
	}
	if f.Error != nil && f.Error.Message != "Parse error." {
		t.Errorf("Message: got %q, want %q", f.Error.Message, "Parse error.")
	}
}

func TestInvalidParams(t *testing.T) {
	defer leaktest.Check(t)()

	ch := newScript()
	p := drpc.NewPeer(&drpc.Options{Opened: true, Routing: route.Map{"m": route.Value(1)}})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// params present but not an array.
	ch.emit("message", `{"id":7,"method":"m","params":{"a":1}}`)
	frames := ch.waitSent(t, 1)
	f := frames[0]
	if id, ok := f.CallID(); !ok || id != 7 {
		t.Errorf("Response id: got %s, want 7", f.ID)
	}
	if f.Error == nil || f.Error.Code != wire.CodeInvalidParams {
		t.Errorf("Error: got %v, want code %d", f.Error, wire.CodeInvalidParams)
	}

	// params absent entirely is an empty argument list, not an error.
	ch.emit("message", `{"id":8,"method":"m"}`)
	frames = ch.waitSent(t, 2)
	if f := frames[1]; f.Error != nil || string(f.Result) != "1" {
		t.Errorf("Response: got %v, want result 1", f)
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var dropped []string
	ch := newScript()
	p := drpc.NewPeer(&drpc.Options{Opened: true, LogFrames: func(fi drpc.FrameInfo) {
		mu.Lock()
		defer mu.Unlock()
		if !fi.Sent {
			dropped = append(dropped, fi.Text)
		}
	}})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// A response for an id that was never issued is dropped without reply.
	ch.emit("message", `{"id":99,"result":"stale"}`)
	time.Sleep(20 * time.Millisecond)
	if got := len(ch.frames(t)); got != 0 {
		t.Errorf("Sent frames: got %d, want 0", got)
	}

	// The frame was still observable through the logger.
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || !strings.Contains(dropped[0], "stale") {
		t.Errorf("Logged frames: got %v, want the stale response", dropped)
	}
}

func TestReconnect(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var chans []*script
	factory := func() any {
		mu.Lock()
		defer mu.Unlock()
		chans = append(chans, newScript())
		return chans[len(chans)-1]
	}
	current := func() *script {
		mu.Lock()
		defer mu.Unlock()
		return chans[len(chans)-1]
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(chans)
	}
	waitChans := func(n int) *script {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if count() >= n {
				return current()
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("Timed out waiting for channel %d", n)
		return nil
	}

	var sμ sync.Mutex
	var states []drpc.State
	p := drpc.NewPeer(&drpc.Options{
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
		OnStateChange: func(_, next drpc.State) {
			sμ.Lock()
			defer sμ.Unlock()
			states = append(states, next)
		},
	})
	if err := p.Start(factory); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First connection opens and then drops.
	waitChans(1).emit("open", nil)
	current().emit("close", nil)

	// One retry: the factory is asked for a fresh channel, which also drops.
	waitChans(2).emit("close", nil)

	// Second retry: the budget is now spent, so the next drop closes the peer.
	waitChans(3).emit("close", nil)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the peer to close")
	}
	p.Stop()

	want := []drpc.State{
		drpc.StateConnecting, drpc.StateConnected,
		drpc.StateReconnecting, drpc.StateConnecting,
		drpc.StateReconnecting, drpc.StateConnecting,
		drpc.StateClosed,
	}
	sμ.Lock()
	defer sμ.Unlock()
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("State transitions (-want, +got):\n%s", diff)
	}
}

func TestReconnectRecovers(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var chans []*script
	factory := func() any {
		mu.Lock()
		defer mu.Unlock()
		chans = append(chans, newScript())
		return chans[len(chans)-1]
	}
	p := drpc.NewPeer(&drpc.Options{
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
		Timeout:    5 * time.Second,
	})
	if err := p.Start(factory); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	mu.Lock()
	first := chans[0]
	mu.Unlock()
	first.emit("open", nil)

	// A call in flight when the connection drops fails immediately...
	done := taskgroup.Go(func() error {
		_, err := p.Call(context.Background(), "echo")
		return err
	})
	first.waitSent(t, 1)
	first.emit("close", nil)
	mustWireError(t, done.Wait(), wire.CodeDisconnected)

	// ...but a call issued while reconnecting queues, and flushes once the
	// replacement channel opens. The successful open resets the retry
	// budget.
	done2 := taskgroup.Go(func() error {
		v, err := p.Call(context.Background(), "echo", "again")
		if err != nil {
			return err
		}
		if v != "pong" {
			return fmt.Errorf("got %v, want pong", v)
		}
		return nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(chans)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the replacement channel")
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	second := chans[1]
	mu.Unlock()

	second.emit("open", nil)
	frames := second.waitSent(t, 1)
	id, _ := frames[0].CallID()
	second.emit("message", fmt.Sprintf(`{"id":%d,"result":"pong"}`, id))

	if err := done2.Wait(); err != nil {
		t.Fatalf("Queued call: %v", err)
	}
}

func TestClosedCallsTimeOut(t *testing.T) {
	defer leaktest.Check(t)()

	ch := newScript()
	p := drpc.NewPeer(&drpc.Options{Opened: true, Timeout: 50 * time.Millisecond})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.emit("close", nil) // no factory: the peer closes for good

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for close")
	}

	// Calls made after CLOSED still queue, and fail only by timeout.
	start := time.Now()
	_, err := p.Call(context.Background(), "late")
	mustWireError(t, err, wire.CodeTimeout)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Call failed after %v, want the timeout to elapse", elapsed)
	}
	p.Stop()
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	echo := route.Map{
		"echo": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			return inv.Arg(0), nil
		}),
	}
	loc := peers.NewLocal(&drpc.Options{Routing: echo}, &drpc.Options{Routing: echo})
	defer loc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// To give the race detector something to push against, make the peers
	// call each other lots of times concurrently and wait for the results.
	const numCalls = 128 // per peer

	calls := taskgroup.New(taskgroup.Trigger(cancel))
	for i := 0; i < numCalls; i++ {
		ab := fmt.Sprintf("ab-call-%d", i+1)
		calls.Go(func() error {
			v, err := loc.A.Call(ctx, "echo", ab)
			if err != nil {
				return err
			} else if v != ab {
				return fmt.Errorf("got %v, want %q", v, ab)
			}
			return nil
		})

		ba := fmt.Sprintf("ba-call-%d", i+1)
		calls.Go(func() error {
			v, err := loc.B.Call(ctx, "echo", ba)
			if err != nil {
				return err
			} else if v != ba {
				return fmt.Errorf("got %v, want %q", v, ba)
			}
			return nil
		})
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func TestDistinctIDs(t *testing.T) {
	defer leaktest.Check(t)()

	ch := newScript()
	p := drpc.NewPeer(&drpc.Options{Opened: true, Timeout: 5 * time.Second})
	if err := p.Start(ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	const numCalls = 16
	calls := taskgroup.New(nil)
	for i := 0; i < numCalls; i++ {
		calls.Go(func() error {
			_, err := p.Call(context.Background(), "noop")
			return err
		})
	}

	frames := ch.waitSent(t, numCalls)
	seen := make(map[int64]bool)
	for _, f := range frames {
		id, ok := f.CallID()
		if !ok {
			t.Fatalf("Frame without numeric id: %v", f)
		}
		if seen[id] {
			t.Errorf("Duplicate id %d", id)
		}
		seen[id] = true
		ch.emit("message", fmt.Sprintf(`{"id":%d,"result":%d}`, id, id))
	}
	if err := calls.Wait(); err != nil {
		t.Fatalf("Calls: %v", err)
	}
}

func TestOpenAndHandler(t *testing.T) {
	defer leaktest.Check(t)()

	ca, cb := channel.Direct()

	serve := drpc.Handler(route.Map{"ping": route.Value("pong")}, nil)
	server, err := serve(ca)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	defer server.Stop()

	proxy, err := drpc.Open(cb, &drpc.Options{Opened: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer proxy.Peer().Stop()

	got, err := proxy.Path("ping").Call(context.Background())
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if got != "pong" {
		t.Errorf("Result: got %v, want pong", got)
	}
}

func TestDoubleStart(t *testing.T) {
	defer leaktest.Check(t)()

	p := drpc.NewPeer(nil)
	if err := p.Start(newScript()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	got := mtest.MustPanic(t, func() { p.Start(newScript()) }).(string)
	if !strings.Contains(got, "already started") {
		t.Errorf("Start panic: got %q, want already started", got)
	}
}

func BenchmarkRoundTrip(b *testing.B) {
	echo := route.Map{
		"echo": route.Func(func(_ context.Context, inv *route.Invocation) (any, error) {
			return inv.Arg(0), nil
		}),
	}
	loc := peers.NewLocal(&drpc.Options{Routing: echo}, nil)
	defer loc.Stop()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := loc.B.Call(ctx, "echo", i); err != nil {
			b.Fatal(err)
		}
	}
}
