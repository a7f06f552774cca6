package kv

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/vmihailenco/msgpack/v5"
)

// TableSpec declares a table. Rev is the format revision of the record
// payload; bump it when the msgpack layout changes and add a migration
// step. Version is the store schema version stamped on every write.
type TableSpec[K, R any] struct {
	Name     string
	Keys     KeyCodec[K]
	Kind     RecordKind
	Rev      uint8
	Version  uint16
	Compress bool

	// KeyInto, if set, copies the decoded key into the record after
	// deserialization (for record types that carry their key fields but
	// exclude them from the payload).
	KeyInto func(rec *R, key K)
}

// Table provides CRUD and ordered prefix iteration over one logical
// collection of records. Each table exclusively owns one keyspace
// partition.
type Table[K, R any] struct {
	spec TableSpec[K, R]
}

// NewTable defines a table. The table must be listed in DB.Prepare before
// use.
func NewTable[K, R any](spec TableSpec[K, R]) *Table[K, R] {
	if spec.Name == "" || spec.Keys == nil || spec.Kind == 0 {
		panic(fmt.Errorf("kv: incomplete spec for table %q", spec.Name))
	}
	return &Table[K, R]{spec: spec}
}

// Name returns the table name.
func (t *Table[K, R]) Name() string { return t.spec.Name }

// EncodeKey returns the raw engine key for key.
func (t *Table[K, R]) EncodeKey(key K) ([]byte, error) {
	raw, err := t.spec.Keys.Append(nil, key)
	if err != nil {
		return nil, tableErrf(t.spec.Name, nil, err, "encoding key")
	}
	return raw, nil
}

// Get returns the record under key, or nil if absent.
func (t *Table[K, R]) Get(tx *Tx, key K) (*R, error) {
	rawKey, err := t.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	raw := tx.mustBucket(t.spec.Name, dataBucket).Get(rawKey)
	if raw == nil {
		return nil, nil
	}
	return t.decode(rawKey, raw, key)
}

// Exists reports whether key is present without decoding the record.
func (t *Table[K, R]) Exists(tx *Tx, key K) (bool, error) {
	rawKey, err := t.EncodeKey(key)
	if err != nil {
		return false, err
	}
	return tx.mustBucket(t.spec.Name, dataBucket).Get(rawKey) != nil, nil
}

// Put upserts the record under key with no existence check.
func (t *Table[K, R]) Put(tx *Tx, key K, rec *R) error {
	rawKey, err := t.EncodeKey(key)
	if err != nil {
		return err
	}
	raw, err := t.encode(rec)
	if err != nil {
		return tableErrf(t.spec.Name, rawKey, err, "encoding record")
	}
	return tx.mustBucket(t.spec.Name, dataBucket).Put(rawKey, raw)
}

// Insert stores the record under key, failing with ErrAlreadyExists if the
// key is present.
func (t *Table[K, R]) Insert(tx *Tx, key K, rec *R) error {
	rawKey, err := t.EncodeKey(key)
	if err != nil {
		return err
	}
	buck := tx.mustBucket(t.spec.Name, dataBucket)
	if buck.Get(rawKey) != nil {
		return tableErrf(t.spec.Name, rawKey, ErrAlreadyExists, "insert")
	}
	raw, err := t.encode(rec)
	if err != nil {
		return tableErrf(t.spec.Name, rawKey, err, "encoding record")
	}
	return buck.Put(rawKey, raw)
}

// Delete removes the record under key. Returns false if the key was absent.
func (t *Table[K, R]) Delete(tx *Tx, key K) (bool, error) {
	rawKey, err := t.EncodeKey(key)
	if err != nil {
		return false, err
	}
	buck := tx.mustBucket(t.spec.Name, dataBucket)
	if buck.Get(rawKey) == nil {
		return false, nil
	}
	return true, buck.Delete(rawKey)
}

// Count returns the number of records in the table.
func (t *Table[K, R]) Count(tx *Tx) int {
	return tx.mustBucket(t.spec.Name, dataBucket).KeyCount()
}

// Entry is one element of a table scan. A record that fails to decode is
// reported through Err for that entry alone; the scan continues.
type Entry[K, R any] struct {
	Key    K
	Record *R
	Err    error
}

// Scan returns a lazy sequence of records whose raw keys start with prefix
// (nil for the whole table), in ascending key order. The sequence is
// restartable: re-ranging rescans from the prefix start rather than
// resuming a prior cursor. Abandoning the scan early has no side effects.
func (t *Table[K, R]) Scan(tx *Tx, prefix []byte) iter.Seq[Entry[K, R]] {
	return func(yield func(Entry[K, R]) bool) {
		c := tx.mustBucket(t.spec.Name, dataBucket).Cursor()
		var k, v []byte
		if len(prefix) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(prefix)
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !yield(t.entry(k, v)) {
				return
			}
		}
	}
}

func (t *Table[K, R]) entry(rawKey, raw []byte) Entry[K, R] {
	key, err := t.spec.Keys.Parse(rawKey)
	if err != nil {
		return Entry[K, R]{Err: tableErrf(t.spec.Name, rawKey, err, "parsing key")}
	}
	rec, err := t.decode(rawKey, raw, key)
	if err != nil {
		return Entry[K, R]{Key: key, Err: err}
	}
	return Entry[K, R]{Key: key, Record: rec}
}

func (t *Table[K, R]) encode(rec *R) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return EncodeRecord(t.spec.Version, t.spec.Kind, t.spec.Rev, payload, t.spec.Compress), nil
}

func (t *Table[K, R]) decode(rawKey, raw []byte, key K) (*R, error) {
	h, payload, err := DecodeRecord(raw)
	if err != nil {
		return nil, corruptErr(t.spec.Name, rawKey, err)
	}
	if h.Kind != t.spec.Kind {
		return nil, corruptErr(t.spec.Name, rawKey, fmt.Errorf("kind %d, want %d", h.Kind, t.spec.Kind))
	}
	if h.Rev != t.spec.Rev {
		return nil, corruptErr(t.spec.Name, rawKey, fmt.Errorf("format revision %d, want %d", h.Rev, t.spec.Rev))
	}
	rec := new(R)
	if err := msgpack.Unmarshal(payload, rec); err != nil {
		return nil, corruptErr(t.spec.Name, rawKey, err)
	}
	if t.spec.KeyInto != nil {
		t.spec.KeyInto(rec, key)
	}
	return rec, nil
}

// RawEntry is a raw key-value pair, used by migrations.
type RawEntry struct {
	Key   []byte
	Value []byte
}

// BatchRaw collects up to limit raw entries from the named table's data
// bucket with keys strictly after `after` (nil to start from the
// beginning). It lets migrations walk large tables in bounded batches
// without holding a whole table in memory.
func BatchRaw(tx *Tx, table string, after []byte, limit int) []RawEntry {
	buck := tx.mustBucket(table, dataBucket)
	c := buck.Cursor()
	var k, v []byte
	if after == nil {
		k, v = c.First()
	} else {
		// The successor of `after` in lexicographic order is after+0x00.
		seek := append(append([]byte(nil), after...), 0)
		k, v = c.Seek(seek)
	}
	var out []RawEntry
	for ; k != nil && len(out) < limit; k, v = c.Next() {
		out = append(out, RawEntry{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
	return out
}
