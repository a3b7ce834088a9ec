// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Instun/drpc"
	"github.com/Instun/drpc/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *drpc.Peer
	B *drpc.Peer
}

// Stop shuts down both peers and blocks until both have settled.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers that communicate
// over a direct channel. Each side takes its own options; both sides treat
// the channel as pre-opened regardless of what the options say. Nil
// options are allowed.
func NewLocal(aOpts, bOpts *drpc.Options) *Local {
	ca, cb := channel.Direct()
	return &Local{
		A: start(ca, aOpts),
		B: start(cb, bOpts),
	}
}

func start(ch any, opts *drpc.Options) *drpc.Peer {
	var o drpc.Options
	if opts != nil {
		o = *opts
	}
	o.Opened = true
	p := drpc.NewPeer(&o)
	if err := p.Start(ch); err != nil {
		panic(fmt.Sprintf("starting local peer: %v", err))
	}
	return p
}

// An Accepter accepts channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (any, error)
}

// Loop accepts channels from acc and starts a peer for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *drpc.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer()
			if err := peer.Start(ch); err != nil {
				return err
			}
			go func() {
				select {
				case <-sctx.Done():
					peer.Stop()
				case <-peer.Done():
				}
			}()
			<-peer.Done()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface, yielding a
// line-delimited channel for each accepted connection.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (any, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Line(conn, conn), nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as
// "unix". The network "unix" is also assigned if port == "", port contains
// characters other than ASCII letters, digits, and "-", or if host
// contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function
// does not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for
// our purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
