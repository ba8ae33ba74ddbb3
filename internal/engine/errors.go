package engine

import "errors"

// Error kinds, one per row of the error-handling design. Components wrap
// these with fmt.Errorf("...: %w", ...) at the call site so callers can
// still errors.Is against the kind after context is added.
var (
	// ErrNotInitialized is returned when a component is used before its
	// store has been attached.
	ErrNotInitialized = errors.New("engine: not initialized")

	// ErrValidation covers invalid names, out-of-range strengths, and bad
	// event-field combinations.
	ErrValidation = errors.New("engine: validation failed")

	// ErrFileNotFound is returned by the indexer when the file it was
	// asked to inspect no longer exists on disk.
	ErrFileNotFound = errors.New("engine: file not found")

	// ErrSizeLimitExceeded is returned when a checkpoint snapshot would
	// exceed the configured size cap.
	ErrSizeLimitExceeded = errors.New("engine: size limit exceeded")

	// ErrNameCollision is returned when a checkpoint name already exists.
	ErrNameCollision = errors.New("engine: name collision")

	// ErrCorruptBlob is returned when a checkpoint blob fails to
	// decompress or parse.
	ErrCorruptBlob = errors.New("engine: corrupt checkpoint blob")

	// ErrDimensionMismatch is returned when a restored vector's length
	// does not match the process embedding dimension.
	ErrDimensionMismatch = errors.New("engine: embedding dimension mismatch")

	// ErrIndexFailure is returned by the transaction manager when the
	// caller-supplied index function fails after the file was written.
	ErrIndexFailure = errors.New("engine: index function failed")

	// ErrTransientDbBusy marks a SQLITE_BUSY condition tolerated only in
	// narrow, whitelisted cleanup paths.
	ErrTransientDbBusy = errors.New("engine: database busy")

	// ErrMissingSqliteVec indicates the vector extension did not load;
	// non-fatal everywhere except vector-dependent paths.
	ErrMissingSqliteVec = errors.New("engine: sqlite-vec extension unavailable")

	// ErrNotFound is a general "no such row" condition for lookups that
	// are not part of the error-kind table but still need a sentinel
	// (checkpoint get/delete, edge update/delete, history undo with no
	// prior event).
	ErrNotFound = errors.New("engine: not found")
)
