// Package sqlstore implements sentrystore.Aggregator over a relational
// database, for deployments that already run SQLite or PostgreSQL and
// want the cluster/outlier association data queryable with SQL. Event
// references live in child tables trimmed to the model's capacity with
// every upsert, matching the embedded store's retention semantics.
package sqlstore
