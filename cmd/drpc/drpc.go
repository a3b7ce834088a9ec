// Program drpc is a command-line utility for interacting with drpc peers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Instun/drpc"
	"github.com/Instun/drpc/channel"
	"github.com/Instun/drpc/handler"
	"github.com/Instun/drpc/peers"
	"github.com/Instun/drpc/route"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var callFlags struct {
	Timeout time.Duration `flag:"timeout,Per-call timeout (overrides $DRPC_CALL_TIMEOUT)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with drpc peers.",
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "<address> <method> [json-arg...]",
				Help: `Call a method on a remote peer.

The address is dialed as TCP if it looks like host:port, otherwise as a
Unix-domain socket, and frames are exchanged as newline-delimited JSON.
Each argument is parsed as JSON; an argument that is not valid JSON is
passed along as a string literal.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &callFlags) },
				Run:      runCall,
			},
			{
				Name:  "serve",
				Usage: "<address>",
				Help: `Run a demonstration peer on the given address.

The demo routing exposes ping, echo, time, and a math namespace, so that
an installation can be smoke-tested with the call command.`,
				Run: runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("required arguments: address method [args...]")
	}
	opts, err := drpc.OptionsFromEnv()
	if err != nil {
		return err
	}
	if callFlags.Timeout > 0 {
		opts.Timeout = callFlags.Timeout
	}
	opts.Opened = true

	ntype, target := peers.SplitAddress(env.Args[0])
	conn, err := net.Dial(ntype, target)
	if err != nil {
		return err
	}
	proxy, err := drpc.Open(channel.Line(conn, conn), opts)
	if err != nil {
		conn.Close()
		return err
	}
	defer proxy.Peer().Stop()

	args := make([]any, len(env.Args[2:]))
	for i, raw := range env.Args[2:] {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[i] = v
	}

	res, err := proxy.Peer().Call(context.Background(), env.Args[1], args...)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("required argument: address")
	}
	opts, err := drpc.OptionsFromEnv()
	if err != nil {
		return err
	}
	opts.Opened = true
	opts.Routing = demoRouting()

	ntype, target := peers.SplitAddress(env.Args[0])
	lst, err := net.Listen(ntype, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Serving on %s %q\n", ntype, target)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() { <-ctx.Done(); lst.Close() }()

	return peers.Loop(ctx, peers.NetAccepter(lst), func() *drpc.Peer {
		return drpc.NewPeer(opts)
	})
}

func demoRouting() route.Map {
	return route.Map{
		"ping": route.Value("pong"),
		"echo": handler.Slice(func(_ context.Context, args []any) ([]any, error) {
			return args, nil
		}),
		"time": handler.Func0(func(context.Context) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		}),
		"math": route.Map{
			"add": handler.Slice(func(_ context.Context, vs []float64) (float64, error) {
				var sum float64
				for _, v := range vs {
					sum += v
				}
				return sum, nil
			}),
			"mul": handler.Slice(func(_ context.Context, vs []float64) (float64, error) {
				prod := 1.0
				for _, v := range vs {
					prod *= v
				}
				return prod, nil
			}),
		},
	}
}
