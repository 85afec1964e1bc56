package turnlog

import (
	"errors"
	"fmt"
)

var (
	// ErrIOFailure wraps failures of the underlying storage. Persistence
	// failures are surfaced immediately and never swallowed: the log is the
	// user's only copy of the conversation.
	ErrIOFailure = errors.New("turnlog: io failure")

	// ErrEncryptionFailure covers an unavailable or invalid key.
	ErrEncryptionFailure = errors.New("turnlog: encryption failure")

	// ErrCorruptionDetected is the sentinel matched by errors.Is against
	// *CorruptionError.
	ErrCorruptionDetected = errors.New("turnlog: corruption detected")

	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("turnlog: log closed")

	// ErrSessionLocked means another process holds the session's exclusive
	// lock file.
	ErrSessionLocked = errors.New("turnlog: session locked by another process")

	// ErrKeyExists is returned by GenerateKey when the key file is already
	// in place.
	ErrKeyExists = errors.New("turnlog: key file already exists")
)

// CorruptionError reports an integrity failure during replay on a record
// that is not the last physical record (a failing last record is a torn
// append and is silently discarded instead). LastGoodSeq lets the caller
// decide to truncate-and-continue or abort.
type CorruptionError struct {
	// Seq is the sequence id of the record that failed its check.
	Seq uint64
	// LastGoodSeq is the highest sequence id that replayed intact.
	LastGoodSeq uint64
	Reason      string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("turnlog: corruption detected at seq %d (last good %d): %s",
		e.Seq, e.LastGoodSeq, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruptionDetected }
