package sentrystore

import "sort"

// EventRef points at one raw event attributed to a cluster or outlier. ID
// is the event's timestamp-derived identifier; Source names the sensor
// that produced it.
type EventRef struct {
	ID     int64  `msgpack:"id"`
	Source string `msgpack:"src"`
}

// Aggregator maintains capped event associations for clusters and
// outliers. *Store implements it over the embedded engine; sqlstore
// provides a relational implementation with the same semantics.
type Aggregator interface {
	// UpsertClusters applies a batch of cluster updates atomically and
	// returns the number of cluster records written. Updates referencing
	// a model that does not exist are skipped without error.
	UpsertClusters(updates []ClusterUpdate) (int, error)

	// UpsertOutliers applies a batch of outlier updates atomically and
	// returns the number of outlier records written. An update with IsNew
	// unset whose outlier is absent is skipped without error.
	UpsertOutliers(updates []OutlierUpdate) (int, error)

	// DeleteResolvedOutliers removes the listed outliers of a model and
	// returns how many were deleted. The whole batch is checked first: if
	// any outlier is absent, or still carries an event the caller did not
	// resolve, nothing is deleted.
	DeleteResolvedOutliers(modelID uint32, resolved []ResolvedOutlier) (int, error)

	// RetrimModel re-applies the model's association capacity to every
	// stored cluster and outlier. Used after the capacity is lowered.
	RetrimModel(modelID uint32) error
}

// mergeTrim combines freshly observed event references with the stored
// ones and keeps the newest capLimit of them. Incoming references come
// first so that on equal IDs the fresh observation wins; exact duplicates
// are dropped. The result is ordered newest-first, which is also the
// storage order.
func mergeTrim(existing, incoming []EventRef, capLimit int) []EventRef {
	merged := make([]EventRef, 0, len(existing)+len(incoming))
	merged = append(merged, incoming...)
	merged = append(merged, existing...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].ID != merged[j].ID {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].Source < merged[j].Source
	})
	out := merged[:0]
	for _, ref := range merged {
		if n := len(out); n > 0 && out[n-1] == ref {
			continue
		}
		out = append(out, ref)
		if len(out) == capLimit {
			break
		}
	}
	return out
}
