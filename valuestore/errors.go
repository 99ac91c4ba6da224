package valuestore

import "errors"

// Sentinel errors surfaced by Store operations. This package does not
// depend on the root error type; the root package's Init wraps any Open
// error with memwatch.NewError(Corruption, ...), and its worker turns a
// failed spill into Payload.Unavailable without wrapping the error.
var (
	ErrNotFound      = errors.New("valuestore: key not found")
	ErrKeyTooLong    = errors.New("valuestore: key exceeds the maximum key length")
	ErrKeyEmpty      = errors.New("valuestore: key must be non-empty")
	ErrValueTooLarge = errors.New("valuestore: value exceeds the configured per-record cap")
	ErrCorruption    = errors.New("valuestore: header magic, version or CRC mismatch")
	ErrTableFull     = errors.New("valuestore: hash table has no free slot after a full probe sequence")
)
