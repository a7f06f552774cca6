package kv

import (
	"encoding/binary"
	"fmt"
)

// A KeyCodec encodes a logical key into the engine's flat ordered byte
// keyspace and back. Numeric keys are encoded big-endian so that the
// engine's lexicographic order matches numeric order.
type KeyCodec[K any] interface {
	// Append encodes key onto dst. Keys that do not fit the table's
	// expected shape fail with ErrInvalidKey before any engine call.
	Append(dst []byte, key K) ([]byte, error)
	// Parse decodes a raw key. Malformed input fails with ErrInvalidKey.
	Parse(raw []byte) (K, error)
}

// Uint32Key encodes uint32 keys as 4 big-endian bytes.
type Uint32Key struct{}

func (Uint32Key) Append(dst []byte, key uint32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(dst, key), nil
}

func (Uint32Key) Parse(raw []byte) (uint32, error) {
	if len(raw) != 4 {
		return 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

// Uint64Key encodes uint64 keys as 8 big-endian bytes.
type Uint64Key struct{}

func (Uint64Key) Append(dst []byte, key uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(dst, key), nil
}

func (Uint64Key) Parse(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Int64Key encodes int64 keys as 8 big-endian bytes with the sign bit
// flipped, preserving numeric order for negative values.
type Int64Key struct{}

func (Int64Key) Append(dst []byte, key int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(dst, uint64(key)^(1<<63)), nil
}

func (Int64Key) Parse(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw) ^ (1 << 63)), nil
}

// StringKey encodes non-empty string keys as raw bytes.
type StringKey struct{}

func (StringKey) Append(dst []byte, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty string key", ErrInvalidKey)
	}
	return append(dst, key...), nil
}

func (StringKey) Parse(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty string key", ErrInvalidKey)
	}
	return string(raw), nil
}

// EncodeKey is a convenience wrapper around KeyCodec.Append for building
// standalone keys and scan prefixes.
func EncodeKey[K any](c KeyCodec[K], key K) ([]byte, error) {
	return c.Append(nil, key)
}

// PrefixUint32 returns the 4-byte big-endian scan prefix for composite keys
// whose first component is a uint32 (e.g. a model ID).
func PrefixUint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}
