// Package sentrystore is the embedded persistence layer of a
// cybersecurity-event analysis pipeline. It stores detection models, the
// clusters and outliers they produce, and the bookkeeping tables around
// them, on a single node with no external services.
//
//  1. Models carry a per-model association capacity. Clusters and
//     outliers keep the newest capacity-many event references; older
//     references are trimmed on every write, while a size counter keeps
//     the true total.
//
//  2. Outliers are keyed by the content hash of their raw event, so a
//     re-reported event is a point-read merge rather than a duplicate.
//
//  3. Batch upserts are transactional: a batch of cluster or outlier
//     updates is applied entirely or not at all.
//
//  4. Stores written by older releases are migrated on open, guarded by
//     a snapshot taken first: a failed step restores the store, version
//     marker included, to exactly its pre-open state.
//
//  5. Snapshots double as operator backups (Backup, PurgeOldBackups,
//     RestoreFromLatestBackup).
//
// The engine-agnostic table layer lives in the kv subpackage; sqlstore
// offers the same Aggregator semantics over SQLite or PostgreSQL for
// deployments that already run a relational database.
package sentrystore
