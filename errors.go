package capture

import "errors"

// Errors returned by the capture engine and its queues. They form a closed
// set; call sites wrap them with fmt.Errorf("%w: ...") so errors.Is keeps
// working through the extra context.
var (
	// ErrInvalidArg indicates a bad argument (nil source, out-of-range id,
	// unsupported codec combination).
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInvalidState indicates an operation in the wrong lifecycle state
	// (mutation after Start, acquire on a disabled path, use after Close).
	ErrInvalidState = errors.New("invalid state")

	// ErrNoMem indicates an allocation failure.
	ErrNoMem = errors.New("out of memory")

	// ErrNoResources indicates a worker or queue could not be created.
	ErrNoResources = errors.New("no resources")

	// ErrNotFound indicates nothing was available (non-blocking receive on
	// an empty queue, acquire after a stream fault has drained).
	ErrNotFound = errors.New("not found")

	// ErrNotSupported indicates the operation is not supported by the
	// current configuration.
	ErrNotSupported = errors.New("not supported")

	// ErrNotEnough indicates a capacity limit was hit (path id beyond
	// PathMax, ring full on a non-blocking add).
	ErrNotEnough = errors.New("not enough")

	// ErrInternal indicates a bug in the engine or one of its collaborators.
	ErrInternal = errors.New("internal error")
)
