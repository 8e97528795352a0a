// Package errs defines the error kinds used across the storage and ingest
// core, as sentinel values checked with errors.Is rather than type switches.
package errs

import "github.com/pkg/errors"

// Sentinel error kinds from the error taxonomy. Component errors attach one
// of these with Wrap (often adding errors.Wrap/Wrapf context on top) so
// callers can still errors.Is against the kind after the wrapping.
var (
	// Io marks any underlying storage I/O failure.
	Io = errors.New("io error")

	// Corruption marks bad magic, truncated segments, or CRC mismatches.
	Corruption = errors.New("corruption")

	// InvalidFormat marks a wrong magic byte or unknown codec selector.
	InvalidFormat = errors.New("invalid format")

	// QueueFull is the producer back-pressure signal.
	QueueFull = errors.New("ingest queue full")

	// Shutdown marks ingest attempted after the engine has stopped.
	Shutdown = errors.New("engine shut down")

	// InvalidArgument marks a caller error such as an empty point batch.
	InvalidArgument = errors.New("invalid argument")

	// OutOfMemory is propagated from allocators.
	OutOfMemory = errors.New("out of memory")
)

// Wrap annotates err with kind so errors.Is(result, kind) succeeds, while
// keeping msg and err in the error chain for logging. If err is nil, Wrap
// still returns a non-nil error carrying kind and msg (useful for
// constructing a fresh typed error with no separate underlying cause).
func Wrap(kind error, err error, msg string) error {
	if err == nil {
		err = kind
	}
	return &kindError{kind: kind, msg: msg, cause: err}
}

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.msg == "" {
		return e.kind.Error() + ": " + e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Is(target error) bool { return target == e.kind }
