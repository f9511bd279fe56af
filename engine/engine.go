// Package engine defines the opaque network runtime behind the broker and
// the supervisor that loads it, gates readiness on an affirmative health
// probe, and recovers it from faults.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Engine is the underlying network runtime: a byte-stream dialer plus a
// request/response round tripper over the same transport. Implementations
// report their own death through Done and classify internal crashes as
// faults with Fault.
type Engine interface {
	// OpenStream dials a byte stream to target through the engine's
	// transport.
	//
	// Parameters:
	//   - ctx: Bounds the dial
	//   - target: The host:port to reach
	//
	// Returns:
	//   - The open stream, or an error
	OpenStream(ctx context.Context, target string) (io.ReadWriteCloser, error)

	// RoundTrip performs one HTTP exchange through the engine's transport.
	RoundTrip(req *http.Request) (*http.Response, error)

	// Healthz probes liveness. Only a nil return means the engine answered
	// affirmatively; readiness is never assumed from load completion.
	Healthz(ctx context.Context) error

	// Done is closed when the engine dies asynchronously.
	Done() <-chan struct{}

	// Err reports why Done fired, nil before then.
	Err() error

	// Close shuts the engine down. Safe to call more than once.
	Close() error
}

// Loader constructs a fresh Engine instance. The supervisor calls it under
// the loading guard, never concurrently with itself.
type Loader func(ctx context.Context) (Engine, error)

var (
	// ErrEngineFault marks failures caused by the runtime itself rather
	// than the operation it was running. The supervisor answers a fault by
	// discarding the engine and reloading it.
	ErrEngineFault = errors.New("engine fault")

	// ErrNotReady is returned when a bounded readiness wait expires.
	ErrNotReady = errors.New("engine not ready")
)

// Fault classifies err as a runtime fault. A nil err yields the bare
// sentinel.
//
// Parameters:
//   - err: The underlying failure
//
// Returns:
//   - An error matched by IsFault that still unwraps to err
func Fault(err error) error {
	if err == nil {
		return ErrEngineFault
	}

	return fmt.Errorf("%w: %w", ErrEngineFault, err)
}

// IsFault reports whether err is a runtime fault.
func IsFault(err error) bool {
	return errors.Is(err, ErrEngineFault)
}
