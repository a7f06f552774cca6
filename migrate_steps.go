package sentrystore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/perimeterlabs/sentrystore/kv"
)

var migrationSteps = []migrationStep{
	{from: 2, to: 3, name: "extract model classifiers", run: (*Store).migrateModelClassifiers},
	{from: 3, to: 4, name: "rekey outliers by event content hash", run: (*Store).migrateOutlierKeys},
	{from: 4, to: 5, name: "add cluster score and labels", run: (*Store).migrateClusterRecords},
}

// rewriteTable walks a table's raw records in bounded batches, each batch
// in its own write transaction. fn may rewrite or delete records freely;
// the walk resumes after the last key of the previous batch, so records
// fn writes under smaller keys are not revisited.
func (s *Store) rewriteTable(table string, fn func(tx *kv.Tx, e kv.RawEntry) error) error {
	var after []byte
	for {
		done := false
		err := s.db.Update(func(tx *kv.Tx) error {
			batch := kv.BatchRaw(tx, table, after, migrationBatchSize)
			if len(batch) == 0 {
				done = true
				return nil
			}
			for _, e := range batch {
				if err := fn(tx, e); err != nil {
					return err
				}
			}
			after = batch[len(batch)-1].Key
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// modelRecV2 is the model payload before schema version 3, with the
// classifier blob embedded in the record.
type modelRecV2 struct {
	Name        string    `msgpack:"name"`
	Description string    `msgpack:"desc,omitempty"`
	MaxAssoc    int       `msgpack:"max_assoc"`
	CreatedAt   time.Time `msgpack:"created_at"`
	Classifier  []byte    `msgpack:"classifier,omitempty"`
}

// migrateModelClassifiers (v2 -> v3) moves classifier blobs out of model
// records into their own compressed table, so listing models no longer
// drags megabytes of classifier state through every scan.
func (s *Store) migrateModelClassifiers() error {
	return s.rewriteTable(tableModels, func(tx *kv.Tx, e kv.RawEntry) error {
		hdr, payload, err := kv.DecodeRecord(e.Value)
		if err != nil {
			return fmt.Errorf("model %x: %w", e.Key, err)
		}
		if hdr.Rev != revModelLegacy {
			return nil
		}
		var old modelRecV2
		if err := msgpack.Unmarshal(payload, &old); err != nil {
			return fmt.Errorf("model %x: %w", e.Key, err)
		}

		if len(old.Classifier) > 0 {
			blob, err := msgpack.Marshal(&Classifier{Data: old.Classifier})
			if err != nil {
				return err
			}
			rec := kv.EncodeRecord(3, kindClassifier, revClassifier, blob, true)
			if err := tx.Raw(tableClassifiers).Put(e.Key, rec); err != nil {
				return err
			}
		}

		stripped, err := msgpack.Marshal(&Model{
			Name:                old.Name,
			Description:         old.Description,
			MaxAssociationCount: old.MaxAssoc,
			CreatedAt:           old.CreatedAt,
		})
		if err != nil {
			return err
		}
		return tx.Raw(tableModels).Put(e.Key, kv.EncodeRecord(3, kindModel, revModel, stripped, false))
	})
}

// outlierRecV3 is the outlier payload before schema version 4, keyed by
// (model, insertion sequence).
type outlierRecV3 struct {
	RawEvent []byte     `msgpack:"raw"`
	Size     uint64     `msgpack:"size"`
	Events   []EventRef `msgpack:"events"`
	LastSeen time.Time  `msgpack:"last_seen"`
}

// migrateOutlierKeys (v3 -> v4) rekeys outliers from (model, insertion
// sequence) to (model, content hash of the raw event). Sequence keys let
// the same raw event accumulate as several records; hash keys make the
// lookup a point read and collapse such duplicates, merging their event
// references under the model's capacity. Legacy records carried events
// in observation order, so references are re-sorted newest-first here.
func (s *Store) migrateOutlierKeys() error {
	return s.rewriteTable(tableOutliers, func(tx *kv.Tx, e kv.RawEntry) error {
		hdr, payload, err := kv.DecodeRecord(e.Value)
		if err != nil {
			return fmt.Errorf("outlier %x: %w", e.Key, err)
		}
		if hdr.Rev != revOutlierLegacy {
			return nil
		}
		if len(e.Key) != 12 {
			return fmt.Errorf("outlier %x: unexpected key length %d", e.Key, len(e.Key))
		}
		var old outlierRecV3
		if err := msgpack.Unmarshal(payload, &old); err != nil {
			return fmt.Errorf("outlier %x: %w", e.Key, err)
		}

		modelID := binary.BigEndian.Uint32(e.Key[:4])
		newKey := binary.BigEndian.AppendUint64(kv.PrefixUint32(modelID), EventContentHash(old.RawEvent))

		merged := OutlierInfo{
			RawEvent: old.RawEvent,
			Size:     old.Size,
			Events:   mergeTrim(old.Events, nil, len(old.Events)),
			LastSeen: old.LastSeen,
		}
		buck := tx.Raw(tableOutliers)
		if existing := buck.Get(newKey); existing != nil {
			exHdr, exPayload, err := kv.DecodeRecord(existing)
			if err != nil {
				return fmt.Errorf("outlier %x: %w", newKey, err)
			}
			if exHdr.Rev == revOutlier {
				var ex OutlierInfo
				if err := msgpack.Unmarshal(exPayload, &ex); err != nil {
					return fmt.Errorf("outlier %x: %w", newKey, err)
				}
				capacity := len(ex.Events) + len(merged.Events)
				if m, err := modelsTable.GetByID(tx, modelID); err == nil && m != nil {
					capacity = m.MaxAssociationCount
				}
				merged.Events = mergeTrim(ex.Events, merged.Events, capacity)
				merged.Size += ex.Size
				if ex.LastSeen.After(merged.LastSeen) {
					merged.LastSeen = ex.LastSeen
				}
			}
		}

		blob, err := msgpack.Marshal(&merged)
		if err != nil {
			return err
		}
		if err := buck.Put(newKey, kv.EncodeRecord(4, kindOutlier, revOutlier, blob, false)); err != nil {
			return err
		}
		return buck.Delete(e.Key)
	})
}

// clusterRecV4 is the cluster payload before schema version 5, without
// score or labels.
type clusterRecV4 struct {
	CategoryID  uint32     `msgpack:"category"`
	QualifierID uint32     `msgpack:"qualifier"`
	Signature   string     `msgpack:"sig,omitempty"`
	Size        uint64     `msgpack:"size"`
	Events      []EventRef `msgpack:"events"`
	LastSeen    time.Time  `msgpack:"last_seen"`
}

// migrateClusterRecords (v4 -> v5) rewrites cluster records into the
// format carrying an optional score and label set. Both start unset.
// Event references are re-sorted newest-first on the way through.
func (s *Store) migrateClusterRecords() error {
	return s.rewriteTable(tableClusters, func(tx *kv.Tx, e kv.RawEntry) error {
		hdr, payload, err := kv.DecodeRecord(e.Value)
		if err != nil {
			return fmt.Errorf("cluster %x: %w", e.Key, err)
		}
		if hdr.Rev != revClusterLegacy {
			return nil
		}
		var old clusterRecV4
		if err := msgpack.Unmarshal(payload, &old); err != nil {
			return fmt.Errorf("cluster %x: %w", e.Key, err)
		}
		blob, err := msgpack.Marshal(&Cluster{
			CategoryID:  old.CategoryID,
			QualifierID: old.QualifierID,
			Signature:   old.Signature,
			Size:        old.Size,
			Events:      mergeTrim(old.Events, nil, len(old.Events)),
			LastSeen:    old.LastSeen,
		})
		if err != nil {
			return err
		}
		return tx.Raw(tableClusters).Put(e.Key, kv.EncodeRecord(5, kindCluster, revCluster, blob, false))
	})
}
