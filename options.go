package drpc

import (
	"context"
	"time"

	"github.com/Instun/drpc/route"
	"github.com/kelseyhightower/envconfig"
)

// Options carry the configuration of a peer engine. Options are copied at
// construction and are immutable for the lifetime of the peer. A nil
// *Options is ready for use and provides defaults throughout.
type Options struct {
	// Timeout is the per-call deadline for outbound calls. A call that has
	// not completed within this window fails with code -32001, whether it
	// was transmitted or still queued. Default: 10s.
	Timeout time.Duration `envconfig:"DRPC_CALL_TIMEOUT" default:"10s"`

	// MaxRetries bounds the number of reconnection attempts made after the
	// connection is lost. Retries only happen when the peer was started
	// with a channel factory. A negative value disables reconnection.
	// Default: 3.
	MaxRetries int `envconfig:"DRPC_MAX_RETRIES" default:"3"`

	// RetryDelay is the pause before each reconnection attempt.
	// Default: 1s.
	RetryDelay time.Duration `envconfig:"DRPC_RETRY_DELAY" default:"1s"`

	// Opened indicates the supplied channel is already open, so the peer
	// becomes CONNECTED immediately instead of waiting for an open event.
	Opened bool `ignored:"true"`

	// Routing is the routing tree served to the remote peer. An empty or
	// nil map answers every inbound call with "Method not found."
	Routing route.Map `ignored:"true"`

	// OnStateChange, if set, is invoked synchronously on every connection
	// state transition.
	OnStateChange func(old, next State) `ignored:"true"`

	// NewContext, if set, returns the base context for inbound handlers.
	// This allows request-independent host resources to be plumbed into a
	// handler. If unset, a background context is used.
	NewContext func() context.Context `ignored:"true"`

	// LogFrames, if set, is invoked for every frame exchanged with the
	// remote peer, including inbound frames that are discarded.
	LogFrames FrameLogger `ignored:"true"`
}

// Default configuration values.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// merged returns a copy of o with zero fields replaced by defaults.
// It accepts a nil receiver.
func (o *Options) merged() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	} else if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	return out
}

// OptionsFromEnv loads engine options from the environment variables named
// in the Options field tags, falling back to the documented defaults.
func OptionsFromEnv() (*Options, error) {
	var o Options
	if err := envconfig.Process("", &o); err != nil {
		return nil, err
	}
	return &o, nil
}
