package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
)

// seqKey holds the last assigned record ID in the table's meta bucket.
var seqKey = []byte("seq")

// Indexed is implemented by records kept in an IndexedTable. IndexKey
// derives the unique secondary lookup key (e.g. a name) from the record's
// content; the record ID is the auto-assigned primary key.
type Indexed interface {
	IndexKey() []byte
	RecordID() uint32
	SetRecordID(uint32)
}

// IndexedTable is a Table keyed by auto-assigned uint32 IDs that
// additionally maintains a unique secondary index. The primary entry and
// the index entry are written in the same engine transaction, so readers
// never observe one without the other.
type IndexedTable[R any, PR interface {
	*R
	Indexed
}] struct {
	tbl *Table[uint32, R]
}

// NewIndexedTable defines an indexed table. The record's ID field must be
// excluded from the payload; it is re-derived from the primary key.
func NewIndexedTable[R any, PR interface {
	*R
	Indexed
}](spec TableSpec[uint32, R]) *IndexedTable[R, PR] {
	if spec.Keys == nil {
		spec.Keys = Uint32Key{}
	}
	if spec.KeyInto == nil {
		spec.KeyInto = func(rec *R, id uint32) {
			PR(rec).SetRecordID(id)
		}
	}
	return &IndexedTable[R, PR]{tbl: NewTable(spec)}
}

// Name returns the table name.
func (t *IndexedTable[R, PR]) Name() string { return t.tbl.Name() }

// Insert adds a record, assigning the next record ID unless the record
// carries a nonzero one. Fails with ErrAlreadyExists when the explicit ID
// is taken and with ErrIndexConflict when the derived index key already
// maps to another record; in both cases nothing is written.
func (t *IndexedTable[R, PR]) Insert(tx *Tx, rec PR) (uint32, error) {
	idxKey := rec.IndexKey()
	if len(idxKey) == 0 {
		return 0, tableErrf(t.tbl.Name(), nil, ErrInvalidKey, "empty index key")
	}
	idxBuck := tx.mustBucket(t.tbl.Name(), indexBucket)
	if existing := idxBuck.Get(idxKey); existing != nil {
		return 0, tableErrf(t.tbl.Name(), idxKey, ErrIndexConflict, "insert")
	}

	id := rec.RecordID()
	if id == 0 {
		var err error
		id, err = t.nextID(tx)
		if err != nil {
			return 0, err
		}
		rec.SetRecordID(id)
	} else if err := t.reserveID(tx, id); err != nil {
		return 0, err
	}
	if err := t.tbl.Insert(tx, id, (*R)(rec)); err != nil {
		return 0, err
	}
	if err := idxBuck.Put(idxKey, binary.BigEndian.AppendUint32(nil, id)); err != nil {
		return 0, err
	}
	return id, nil
}

// GetByID returns the record with the given ID, or nil if absent.
func (t *IndexedTable[R, PR]) GetByID(tx *Tx, id uint32) (*R, error) {
	return t.tbl.Get(tx, id)
}

// GetByIndex resolves the index key to its record with one extra point
// read, or returns nil if no record carries that key.
func (t *IndexedTable[R, PR]) GetByIndex(tx *Tx, idxKey []byte) (*R, error) {
	if len(idxKey) == 0 {
		return nil, tableErrf(t.tbl.Name(), nil, ErrInvalidKey, "empty index key")
	}
	raw := tx.mustBucket(t.tbl.Name(), indexBucket).Get(idxKey)
	if raw == nil {
		return nil, nil
	}
	if len(raw) != 4 {
		return nil, corruptErr(t.tbl.Name(), idxKey, fmt.Errorf("index entry is %d bytes, want 4", len(raw)))
	}
	return t.tbl.Get(tx, binary.BigEndian.Uint32(raw))
}

// Update loads the record with the given ID, applies mutate, and writes it
// back. If the derived index key changed, the old index entry is deleted
// and the new one written in the same transaction; an update that would
// collide with another record's index key fails with ErrIndexConflict and
// writes nothing. Returns ErrNotFound if the ID is absent.
func (t *IndexedTable[R, PR]) Update(tx *Tx, id uint32, mutate func(rec PR) error) error {
	rec, err := t.tbl.Get(tx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return tableErrf(t.tbl.Name(), nil, ErrNotFound, "update id %d", id)
	}
	oldIdxKey := PR(rec).IndexKey()
	if err := mutate(rec); err != nil {
		return err
	}
	newIdxKey := PR(rec).IndexKey()
	if len(newIdxKey) == 0 {
		return tableErrf(t.tbl.Name(), nil, ErrInvalidKey, "empty index key")
	}

	idxBuck := tx.mustBucket(t.tbl.Name(), indexBucket)
	if !bytes.Equal(oldIdxKey, newIdxKey) {
		if other := idxBuck.Get(newIdxKey); other != nil && binary.BigEndian.Uint32(other) != id {
			return tableErrf(t.tbl.Name(), newIdxKey, ErrIndexConflict, "update id %d", id)
		}
		if err := idxBuck.Delete(oldIdxKey); err != nil {
			return err
		}
		if err := idxBuck.Put(newIdxKey, binary.BigEndian.AppendUint32(nil, id)); err != nil {
			return err
		}
	}
	return t.tbl.Put(tx, id, rec)
}

// Delete removes the record and its index entry atomically. Returns false
// if the ID was absent.
func (t *IndexedTable[R, PR]) Delete(tx *Tx, id uint32) (bool, error) {
	rec, err := t.tbl.Get(tx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if err := tx.mustBucket(t.tbl.Name(), indexBucket).Delete(PR(rec).IndexKey()); err != nil {
		return false, err
	}
	return t.tbl.Delete(tx, id)
}

// Count returns the number of records.
func (t *IndexedTable[R, PR]) Count(tx *Tx) int { return t.tbl.Count(tx) }

// Scan iterates records in ascending ID order.
func (t *IndexedTable[R, PR]) Scan(tx *Tx) iter.Seq[Entry[uint32, R]] {
	return t.tbl.Scan(tx, nil)
}

// ScanByIndex iterates records in ascending index-key order, resolving each
// index entry to its record lazily. Dangling index entries surface as
// corrupt-record errors for that entry.
func (t *IndexedTable[R, PR]) ScanByIndex(tx *Tx) iter.Seq[Entry[uint32, R]] {
	return func(yield func(Entry[uint32, R]) bool) {
		c := tx.mustBucket(t.tbl.Name(), indexBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry[uint32, R]
			if len(v) != 4 {
				e.Err = corruptErr(t.tbl.Name(), k, fmt.Errorf("index entry is %d bytes, want 4", len(v)))
			} else {
				id := binary.BigEndian.Uint32(v)
				rec, err := t.tbl.Get(tx, id)
				switch {
				case err != nil:
					e = Entry[uint32, R]{Key: id, Err: err}
				case rec == nil:
					e = Entry[uint32, R]{Key: id, Err: corruptErr(t.tbl.Name(), k, fmt.Errorf("index entry points to missing id %d", id))}
				default:
					e = Entry[uint32, R]{Key: id, Record: rec}
				}
			}
			if !yield(e) {
				return
			}
		}
	}
}

func (t *IndexedTable[R, PR]) nextID(tx *Tx) (uint32, error) {
	meta := tx.mustBucket(t.tbl.Name(), metaBucket)
	var next uint32 = 1
	if raw := meta.Get(seqKey); raw != nil {
		if len(raw) != 4 {
			return 0, corruptErr(t.tbl.Name(), seqKey, fmt.Errorf("sequence entry is %d bytes, want 4", len(raw)))
		}
		next = binary.BigEndian.Uint32(raw) + 1
	}
	if err := meta.Put(seqKey, binary.BigEndian.AppendUint32(nil, next)); err != nil {
		return 0, err
	}
	return next, nil
}

// reserveID advances the sequence past an explicitly chosen ID so that
// future auto-assigned IDs cannot collide with it.
func (t *IndexedTable[R, PR]) reserveID(tx *Tx, id uint32) error {
	meta := tx.mustBucket(t.tbl.Name(), metaBucket)
	if raw := meta.Get(seqKey); raw != nil && len(raw) == 4 && binary.BigEndian.Uint32(raw) >= id {
		return nil
	}
	return meta.Put(seqKey, binary.BigEndian.AppendUint32(nil, id))
}
