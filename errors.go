package sentrystore

import "errors"

var (
	// ErrModelNotFound is returned by operations that require an existing
	// model record.
	ErrModelNotFound = errors.New("sentrystore: model not found")

	// ErrInvalidCapacity rejects association capacities below one. A zero
	// capacity would make every upsert drop its own events.
	ErrInvalidCapacity = errors.New("sentrystore: association capacity must be at least 1")

	// ErrClusterNotFound is returned by cluster metadata updates targeting
	// an absent (model, cluster) pair.
	ErrClusterNotFound = errors.New("sentrystore: cluster not found")

	// ErrOutlierNotFound is returned by resolved-outlier deletion when a
	// listed outlier is absent; nothing is deleted in that case.
	ErrOutlierNotFound = errors.New("sentrystore: outlier not found")

	// ErrUnresolvedEvents is returned by resolved-outlier deletion when a
	// stored outlier still carries events the caller did not resolve.
	ErrUnresolvedEvents = errors.New("sentrystore: outlier has unresolved events")

	// ErrNoBackups is returned by restore when the backup directory holds
	// no snapshots.
	ErrNoBackups = errors.New("sentrystore: no backups available")
)
