package kv

import (
	"fmt"
	"sync/atomic"
)

// Sub-bucket names nested under each table's root bucket.
const (
	dataBucket  = "data"
	indexBucket = "index"
	metaBucket  = "meta"
)

// DB wraps an Engine with closure-scoped transactions and table
// preparation.
type DB struct {
	eng Engine

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

// NewDB wraps eng. The caller keeps ownership of the engine until Close.
func NewDB(eng Engine) *DB {
	return &DB{eng: eng}
}

// Engine returns the underlying engine.
func (db *DB) Engine() Engine {
	return db.eng
}

// Close closes the underlying engine.
func (db *DB) Close() error {
	return db.eng.Close()
}

// Prepare ensures the root bucket and the data/index/meta sub-buckets exist
// for each named table. Must be called before any table traffic.
func (db *DB) Prepare(tables ...string) error {
	return db.Update(func(tx *Tx) error {
		for _, name := range tables {
			for _, sub := range []string{dataBucket, indexBucket, metaBucket} {
				if _, err := tx.etx.CreateBucket(name, sub); err != nil {
					return fmt.Errorf("kv: preparing table %s: %w", name, err)
				}
			}
		}
		return nil
	})
}

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(tx *Tx) error) error {
	db.ReadCount.Add(1)
	etx, err := db.eng.Begin(false)
	if err != nil {
		return err
	}
	defer etx.Rollback()
	return fn(&Tx{db: db, etx: etx})
}

// Update runs fn in a writable transaction, committing on nil return and
// rolling back otherwise. All writes within fn are applied as one atomic
// batch; readers never observe a partial application.
func (db *DB) Update(fn func(tx *Tx) error) error {
	db.WriteCount.Add(1)
	etx, err := db.eng.Begin(true)
	if err != nil {
		return err
	}
	defer etx.Rollback()
	if err := fn(&Tx{db: db, etx: etx, writable: true}); err != nil {
		return err
	}
	return etx.Commit()
}

// Tx is a transaction handle passed to table operations.
type Tx struct {
	db       *DB
	etx      EngineTx
	writable bool
}

// Writable reports whether the transaction accepts writes.
func (tx *Tx) Writable() bool { return tx.writable }

// Raw returns the data bucket of the named table for operations that bypass
// the typed table layer (version markers, migrations).
func (tx *Tx) Raw(table string) Bucket {
	return tx.mustBucket(table, dataBucket)
}

func (tx *Tx) mustBucket(table, sub string) Bucket {
	b := tx.etx.Bucket(table, sub)
	if b == nil {
		panic(fmt.Errorf("kv: table %s not prepared (missing %s bucket)", table, sub))
	}
	return b
}
