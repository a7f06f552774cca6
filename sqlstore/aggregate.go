package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/perimeterlabs/sentrystore"
)

// UpsertClusters applies a batch of cluster updates in one transaction
// and returns the number of cluster rows written. Updates for models that
// do not exist are skipped.
func (s *Store) UpsertClusters(updates []sentrystore.ClusterUpdate) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	written := 0
	for _, u := range updates {
		capacity, ok, err := s.modelCapacity(tx, u.Model)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.log.WithField("model", u.Model).Warn("cluster update for unknown model dropped")
			continue
		}

		_, err = tx.Exec(s.q(`
			INSERT INTO clusters (model_id, cluster_id, signature, size, score)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (model_id, cluster_id) DO UPDATE SET
				size = clusters.size + excluded.size,
				signature = CASE WHEN excluded.signature <> '' THEN excluded.signature ELSE clusters.signature END,
				score = COALESCE(excluded.score, clusters.score)`),
			u.Model, u.Cluster, u.Signature, int64(u.Size), u.Score,
		)
		if err != nil {
			return 0, fmt.Errorf("upserting cluster %d/%d: %w", u.Model, u.Cluster, err)
		}
		if u.Labels != nil {
			labels, err := json.Marshal(u.Labels)
			if err != nil {
				return 0, err
			}
			_, err = tx.Exec(s.q(`UPDATE clusters SET labels = ? WHERE model_id = ? AND cluster_id = ?`),
				string(labels), u.Model, u.Cluster)
			if err != nil {
				return 0, err
			}
		}

		if err := s.insertClusterEvents(tx, u.Model, u.Cluster, u.Events); err != nil {
			return 0, err
		}
		if err := s.trimClusterEvents(tx, u.Model, u.Cluster, capacity); err != nil {
			return 0, err
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// UpsertOutliers applies a batch of outlier updates in one transaction
// and returns the number of outlier rows written. Updates for unknown
// models are skipped, as are non-IsNew updates whose row is gone.
func (s *Store) UpsertOutliers(updates []sentrystore.OutlierUpdate) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	written := 0
	for _, u := range updates {
		capacity, ok, err := s.modelCapacity(tx, u.Model)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.log.WithField("model", u.Model).Warn("outlier update for unknown model dropped")
			continue
		}
		hash := int64(sentrystore.EventContentHash(u.RawEvent))

		if !u.IsNew {
			var one int
			err := tx.QueryRow(s.q(`SELECT 1 FROM outliers WHERE model_id = ? AND event_hash = ?`),
				u.Model, hash).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return 0, err
			}
		}

		_, err = tx.Exec(s.q(`
			INSERT INTO outliers (model_id, event_hash, raw_event, size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (model_id, event_hash) DO UPDATE SET
				size = outliers.size + excluded.size`),
			u.Model, hash, u.RawEvent, int64(u.Size),
		)
		if err != nil {
			return 0, fmt.Errorf("upserting outlier %d/%#x: %w", u.Model, uint64(hash), err)
		}

		for _, ref := range u.Events {
			_, err := tx.Exec(s.q(`
				INSERT INTO outlier_events (model_id, event_hash, event_id, source)
				VALUES (?, ?, ?, ?)
				ON CONFLICT DO NOTHING`),
				u.Model, hash, ref.ID, ref.Source)
			if err != nil {
				return 0, err
			}
		}
		if err := s.trimOutlierEvents(tx, u.Model, hash, capacity); err != nil {
			return 0, err
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteResolvedOutliers removes the listed outliers of a model and
// returns how many were deleted. The batch is validated first: every
// outlier must exist and every stored event reference must appear in the
// caller's resolved set; on any mismatch nothing is deleted.
func (s *Store) DeleteResolvedOutliers(modelID uint32, resolved []sentrystore.ResolvedOutlier) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	hashes := make([]int64, 0, len(resolved))
	for _, r := range resolved {
		hash := int64(sentrystore.EventContentHash(r.RawEvent))

		var one int
		err := tx.QueryRow(s.q(`SELECT 1 FROM outliers WHERE model_id = ? AND event_hash = ?`),
			modelID, hash).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: model %d hash %#x", sentrystore.ErrOutlierNotFound, modelID, uint64(hash))
		}
		if err != nil {
			return 0, err
		}

		covered := make(map[sentrystore.EventRef]bool, len(r.Events))
		for _, ref := range r.Events {
			covered[ref] = true
		}
		rows, err := tx.Query(s.q(`SELECT event_id, source FROM outlier_events WHERE model_id = ? AND event_hash = ?`),
			modelID, hash)
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var ref sentrystore.EventRef
			if err := rows.Scan(&ref.ID, &ref.Source); err != nil {
				rows.Close()
				return 0, err
			}
			if !covered[ref] {
				rows.Close()
				return 0, fmt.Errorf("%w: model %d hash %#x event %d",
					sentrystore.ErrUnresolvedEvents, modelID, uint64(hash), ref.ID)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()
		hashes = append(hashes, hash)
	}

	deleted := 0
	for _, hash := range hashes {
		res, err := tx.Exec(s.q(`DELETE FROM outliers WHERE model_id = ? AND event_hash = ?`),
			modelID, hash)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// RetrimModel re-applies the model's association capacity to every stored
// cluster and outlier.
func (s *Store) RetrimModel(modelID uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	capacity, ok, err := s.modelCapacity(tx, modelID)
	if err != nil {
		return err
	}
	if !ok {
		return sentrystore.ErrModelNotFound
	}
	if err := s.retrimModelTx(tx, modelID, capacity); err != nil {
		return err
	}
	return tx.Commit()
}

// retrimModelTx trims every cluster and outlier of a model down to
// capacity inside tx.
func (s *Store) retrimModelTx(tx *sql.Tx, modelID uint32, capacity int) error {
	clusterIDs, err := scanInt64s(tx, s.q(`SELECT cluster_id FROM clusters WHERE model_id = ?`), modelID)
	if err != nil {
		return err
	}
	for _, cid := range clusterIDs {
		if err := s.trimClusterEvents(tx, modelID, uint32(cid), capacity); err != nil {
			return err
		}
	}

	hashes, err := scanInt64s(tx, s.q(`SELECT event_hash FROM outliers WHERE model_id = ?`), modelID)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := s.trimOutlierEvents(tx, modelID, hash, capacity); err != nil {
			return err
		}
	}
	return nil
}

// trimClusterEvents keeps the newest capacity event rows of a cluster.
// Rows with equal event IDs are distinct entries, so the cut is made over
// whole (event_id, source) pairs, source breaking ties ascending.
func (s *Store) trimClusterEvents(tx *sql.Tx, modelID, clusterID uint32, capacity int) error {
	_, err := tx.Exec(s.q(`
		DELETE FROM cluster_events
		WHERE model_id = ? AND cluster_id = ? AND (event_id, source) NOT IN (
			SELECT event_id, source FROM cluster_events
			WHERE model_id = ? AND cluster_id = ?
			ORDER BY event_id DESC, source ASC LIMIT ?
		)`),
		modelID, clusterID, modelID, clusterID, capacity)
	return err
}

// trimOutlierEvents keeps the newest capacity event rows of an outlier,
// cutting over whole (event_id, source) pairs like trimClusterEvents.
func (s *Store) trimOutlierEvents(tx *sql.Tx, modelID uint32, hash int64, capacity int) error {
	_, err := tx.Exec(s.q(`
		DELETE FROM outlier_events
		WHERE model_id = ? AND event_hash = ? AND (event_id, source) NOT IN (
			SELECT event_id, source FROM outlier_events
			WHERE model_id = ? AND event_hash = ?
			ORDER BY event_id DESC, source ASC LIMIT ?
		)`),
		modelID, hash, modelID, hash, capacity)
	return err
}

// insertClusterEvents adds event references, ignoring ones already there.
func (s *Store) insertClusterEvents(tx *sql.Tx, modelID, clusterID uint32, refs []sentrystore.EventRef) error {
	for _, ref := range refs {
		_, err := tx.Exec(s.q(`
			INSERT INTO cluster_events (model_id, cluster_id, event_id, source)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING`),
			modelID, clusterID, ref.ID, ref.Source)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanInt64s(tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
