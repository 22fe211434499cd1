package lock

import "errors"

// Lock manager errors.
var (
	// ErrResourceHeld is returned by a non-waiting acquire when the
	// resource is held by another owner.
	ErrResourceHeld = errors.New("lock: resource already held")

	// ErrNotHolder is returned when release or renew names an owner
	// that does not hold the resource.
	ErrNotHolder = errors.New("lock: not the holder")

	// ErrTokenMismatch is returned when release or renew presents a
	// fencing token that is not the holder's current token.
	ErrTokenMismatch = errors.New("lock: fencing token mismatch")

	// ErrNotExpired is returned when a reap targets a resource whose
	// lease has not expired.
	ErrNotExpired = errors.New("lock: lease not expired")

	// ErrUnknownCommand is returned for a command kind the lock table
	// does not understand.
	ErrUnknownCommand = errors.New("lock: unknown command kind")

	// ErrAcquireAborted is returned when a blocking acquire is
	// abandoned before the resource is granted.
	ErrAcquireAborted = errors.New("lock: acquire aborted")

	// ErrCorrupted is returned when a lock command or snapshot fails
	// to decode.
	ErrCorrupted = errors.New("lock: corrupted payload")
)
