package gearman

import (
	"fmt"

	"github.com/roadrunner-server/errors"

	"github.com/p-alik/gearman/protocol"
)

// Sentinel errors classifying engine failures. Match them with errors.Is;
// returned errors additionally carry an operation chain via errors.E.
var (
	// ErrNoServers is returned when the configuration carries no job-server
	// addresses.
	ErrNoServers = errors.Str("no job servers configured")

	// ErrConnection marks an unreachable or broken job server. The engine
	// attempts a single reconnect per operation and never retries beyond it.
	ErrConnection = errors.Str("job server connection failed")

	// ErrProtocol marks a malformed or unexpected packet. The connection it
	// arrived on is considered corrupt and is torn down.
	ErrProtocol = protocol.ErrMalformed

	// ErrTimeout is returned by a taskset wait that was abandoned locally.
	// The job server may keep executing the abandoned jobs.
	ErrTimeout = errors.Str("wait timed out")

	// ErrSetClosed is returned when tasks are added to a taskset whose wait
	// loop already finished.
	ErrSetClosed = errors.Str("taskset already finished")
)

// opError pairs the roadrunner-rendered error with its cause: *errors.Error
// has no Unwrap method, so stdlib errors.Is/As need the cause kept alongside
// to traverse the op chain.
type opError struct {
	error
	cause error
}

func (e *opError) Unwrap() error { return e.cause }

// wrapE builds errors.E(op, err) while keeping err reachable via errors.Is.
func wrapE(op errors.Op, err error) error {
	return &opError{errors.E(op, err), err}
}

// connErr tags err as a connection-level failure so callers can match it
// with errors.Is(err, ErrConnection) through the op chain.
func connErr(op errors.Op, err error) error {
	return wrapE(op, fmt.Errorf("%w: %w", ErrConnection, err))
}
