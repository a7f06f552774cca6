/*
Package kv implements a generic indexed key-value layer on top of an
embedded ordered storage engine (Bolt in production, an in-memory engine
for tests).

We implement:

1. Tables, collections of msgpack-encoded records addressed by typed keys.

2. Indexed tables, which additionally maintain a unique secondary index
key per record and auto-assign numeric primary IDs.

3. Prefix scans, lazy and restartable, with per-entry error reporting.

4. Snapshots, engine-agnostic full dumps used for backups and migration
safety.

# Technical Details

**Buckets.**
Each table exclusively owns one root bucket with nested "data", "index"
and "meta" buckets. Bolt supports nested buckets natively; the in-memory
engine simulates them with compound map keys.

**Key encoding.**
Keys are encoded by per-table KeyCodecs. Numeric keys are big-endian so
that the engine's lexicographic order matches numeric order; composite
keys concatenate their big-endian components, making the leading
component a natural scan prefix.

**Value encoding.**
Every value is a fixed 8-byte envelope header (schema version, record
kind, format revision, flags) followed by the msgpack payload, optionally
snappy-compressed. The header lets a reader pick the right decoder
without consulting external metadata, which is what makes cross-version
migration of individual records possible.
*/
package kv
