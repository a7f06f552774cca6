package kv

// Engine is a key-value storage backend (Bolt, in-memory).
//
// An engine exposes scoped namespaces for keys, called buckets. Each table
// owns one root bucket with nested sub-buckets for its data, secondary
// index and bookkeeping entries; no two tables share a partition.
type Engine interface {
	// Begin starts a new transaction.
	Begin(writable bool) (EngineTx, error)
	// Sync flushes buffered writes to stable storage, if the backend
	// buffers at all.
	Sync() error
	// Close closes the engine.
	Close() error
}

// EngineTx is a storage transaction. At most one writable transaction runs
// at a time; read transactions see a consistent snapshot.
type EngineTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for
	// a nested bucket. Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) Bucket

	// CreateBucket creates a bucket if it doesn't exist. For sub != "", it
	// also ensures the root bucket exists.
	CreateBucket(name, sub string) (Bucket, error)

	// DeleteBucket deletes a bucket. With sub == "" the root bucket and all
	// of its nested buckets are removed.
	DeleteBucket(name, sub string) error

	// ForEachBucket visits every bucket, roots before their nested buckets.
	ForEachBucket(fn func(name, sub string, b Bucket) error) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error
}

// Bucket is a sorted key-value collection.
type Bucket interface {
	// Get retrieves a value by key. Returns nil if not found. The returned
	// slice is only valid until the end of the transaction.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Cursor returns a cursor positioned before the first key.
	Cursor() Cursor

	// KeyCount returns the number of keys in the bucket (best effort).
	KeyCount() int
}

// Cursor iterates over a sorted bucket in ascending key order.
type Cursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)
}
