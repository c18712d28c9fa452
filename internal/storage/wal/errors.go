package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL: a record could not be decoded, usually a write torn
	// by a crash.
	ErrCorruptedWAL = errors.New("wal: corrupted record")

	// ErrChecksumMismatch: a record decoded but its CRC does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	ErrWALClosed = errors.New("wal: closed")
)

// Damage classifies a bad record.
type Damage int

const (
	Torn     Damage = iota // 無法解碼
	Tampered               // CRC 不符
)

// CorruptionError locates a bad record in a journal file. Offset is where the
// last good record ends; truncating there leaves a valid journal.
type CorruptionError struct {
	Path   string
	Kind   Damage
	Seq    uint64 // Torn: last good seq; Tampered: seq of the bad record
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Kind == Tampered {
		return fmt.Sprintf("wal: %s: checksum mismatch at seq %d (offset %d): %v", e.Path, e.Seq, e.Offset, e.Err)
	}
	return fmt.Sprintf("wal: %s: undecodable record after seq %d (offset %d): %v", e.Path, e.Seq, e.Offset, e.Err)
}

func (e *CorruptionError) Is(target error) bool {
	switch e.Kind {
	case Tampered:
		return target == ErrChecksumMismatch
	default:
		return target == ErrCorruptedWAL
	}
}

func (e *CorruptionError) Unwrap() error { return e.Err }
