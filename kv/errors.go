package kv

import (
	"errors"
	"fmt"
)

// ErrAlreadyExists is returned by Insert when the primary key is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrIndexConflict is returned when a write would map a secondary index key
// to a second primary key.
var ErrIndexConflict = errors.New("index conflict")

// ErrInvalidKey is returned when a key does not match the table's expected
// key shape. It is detected before any engine call.
var ErrInvalidKey = errors.New("invalid key")

// ErrNotFound is returned by update-style operations whose target record is
// absent. Plain reads fold absence into a nil result instead.
var ErrNotFound = errors.New("not found")

// ErrBucketNotFound is returned by EngineTx.DeleteBucket when the bucket
// doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// CorruptRecordError reports a record that could not be decoded. It carries
// the offending key so the operator can locate the record; iteration
// surfaces it per entry without aborting the scan.
type CorruptRecordError struct {
	Table string
	Key   []byte
	Err   error
}

func corruptErr(table string, key []byte, err error) error {
	return &CorruptRecordError{Table: table, Key: append([]byte(nil), key...), Err: err}
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("%s/%x: corrupt record: %v", e.Table, e.Key, e.Err)
}

// IsCorrupt reports whether err wraps a CorruptRecordError.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}

func tableErrf(table string, key []byte, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if key != nil {
		return fmt.Errorf("%s/%x: %s: %w", table, key, msg, err)
	}
	return fmt.Errorf("%s: %s: %w", table, msg, err)
}
