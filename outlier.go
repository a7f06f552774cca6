package sentrystore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/perimeterlabs/sentrystore/kv"
)

// OutlierKey identifies an outlier by model and the content hash of its
// raw event. Two detection rounds reporting the same raw event therefore
// land on the same record, which is the deduplication mechanism.
type OutlierKey struct {
	Model uint32
	Hash  uint64
}

type outlierKeyCodec struct{}

func (outlierKeyCodec) Append(dst []byte, key OutlierKey) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, key.Model)
	return binary.BigEndian.AppendUint64(dst, key.Hash), nil
}

func (outlierKeyCodec) Parse(raw []byte) (OutlierKey, error) {
	if len(raw) != 12 {
		return OutlierKey{}, fmt.Errorf("%w: want 12 bytes, got %d", kv.ErrInvalidKey, len(raw))
	}
	return OutlierKey{
		Model: binary.BigEndian.Uint32(raw[:4]),
		Hash:  binary.BigEndian.Uint64(raw[4:]),
	}, nil
}

// EventContentHash is the key hash of an outlier's raw event.
func EventContentHash(rawEvent []byte) uint64 {
	return xxhash.Sum64(rawEvent)
}

// OutlierInfo is an event a model could not assign to any cluster.
type OutlierInfo struct {
	Model uint32 `msgpack:"-"`
	Hash  uint64 `msgpack:"-"`

	RawEvent []byte `msgpack:"raw"`

	// Size counts every sighting of this outlier; Events retains the
	// newest references up to the model's capacity.
	Size   uint64     `msgpack:"size"`
	Events []EventRef `msgpack:"events"`

	LastSeen time.Time `msgpack:"last_seen"`
}

var outliersTable = kv.NewTable(kv.TableSpec[OutlierKey, OutlierInfo]{
	Name:    tableOutliers,
	Keys:    outlierKeyCodec{},
	Kind:    kindOutlier,
	Rev:     revOutlier,
	Version: latestSchemaVersion,
	KeyInto: func(o *OutlierInfo, key OutlierKey) {
		o.Model = key.Model
		o.Hash = key.Hash
	},
})

// OutlierUpdate is one detection round's sighting of an outlier.
type OutlierUpdate struct {
	Model    uint32
	RawEvent []byte
	Events   []EventRef
	Size     uint64

	// IsNew marks a first sighting. When unset and no record exists the
	// update is skipped: the outlier was resolved between rounds and must
	// not be resurrected. An existing record is merged either way.
	IsNew bool
}

// UpsertOutliers applies a batch of outlier updates in one transaction
// and returns the number of outlier records written. Updates for unknown
// models are skipped, as are non-IsNew updates whose record is gone.
func (s *Store) UpsertOutliers(updates []OutlierUpdate) (int, error) {
	now := time.Now().UTC()
	written := 0
	err := s.db.Update(func(tx *kv.Tx) error {
		for _, u := range updates {
			capacity, ok, err := s.modelCapacity(tx, u.Model)
			if err != nil {
				return err
			}
			if !ok {
				s.log.WithField("model", u.Model).Warn("outlier update for unknown model dropped")
				continue
			}
			key := OutlierKey{Model: u.Model, Hash: EventContentHash(u.RawEvent)}
			cur, err := outliersTable.Get(tx, key)
			if err != nil {
				return err
			}
			if cur == nil {
				if !u.IsNew {
					continue
				}
				cur = &OutlierInfo{RawEvent: append([]byte(nil), u.RawEvent...)}
			}
			cur.Events = mergeTrim(cur.Events, u.Events, capacity)
			cur.Size += u.Size
			cur.LastSeen = now
			if err := outliersTable.Put(tx, key, cur); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ResolvedOutlier names one outlier the caller has finished triaging,
// together with the event references it resolved.
type ResolvedOutlier struct {
	RawEvent []byte
	Events   []EventRef
}

// DeleteResolvedOutliers removes the listed outliers of a model and
// returns how many were deleted. The batch is validated first: every
// outlier must exist and every stored event reference must appear in the
// caller's resolved set. On any mismatch nothing is deleted, so a
// sighting that raced in between listing and resolving is never silently
// discarded.
func (s *Store) DeleteResolvedOutliers(modelID uint32, resolved []ResolvedOutlier) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *kv.Tx) error {
		keys := make([]OutlierKey, 0, len(resolved))
		for _, r := range resolved {
			key := OutlierKey{Model: modelID, Hash: EventContentHash(r.RawEvent)}
			cur, err := outliersTable.Get(tx, key)
			if err != nil {
				return err
			}
			if cur == nil {
				return fmt.Errorf("%w: model %d hash %#x", ErrOutlierNotFound, modelID, key.Hash)
			}
			covered := make(map[EventRef]bool, len(r.Events))
			for _, ref := range r.Events {
				covered[ref] = true
			}
			for _, ref := range cur.Events {
				if !covered[ref] {
					return fmt.Errorf("%w: model %d hash %#x event %d", ErrUnresolvedEvents, modelID, key.Hash, ref.ID)
				}
			}
			keys = append(keys, key)
		}
		for _, key := range keys {
			if _, err := outliersTable.Delete(tx, key); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ListOutliers returns a model's outliers in key order.
func (s *Store) ListOutliers(model uint32) ([]OutlierInfo, error) {
	var out []OutlierInfo
	err := s.db.View(func(tx *kv.Tx) error {
		for e := range outliersTable.Scan(tx, kv.PrefixUint32(model)) {
			if e.Err != nil {
				return e.Err
			}
			out = append(out, *e.Record)
		}
		return nil
	})
	return out, err
}

// retrimModelTx trims every cluster and outlier of a model down to
// capacity via mergeTrim, so the retained references are the newest ones
// even when a record's storage order predates the newest-first layout.
// Oversized records are collected before any write so scans never run
// over a mutating bucket.
func retrimModelTx(tx *kv.Tx, model uint32, capacity int) error {
	type clusterFix struct {
		key ClusterKey
		rec *Cluster
	}
	var clusterFixes []clusterFix
	for e := range clustersTable.Scan(tx, kv.PrefixUint32(model)) {
		if e.Err != nil {
			return e.Err
		}
		if len(e.Record.Events) > capacity {
			e.Record.Events = mergeTrim(e.Record.Events, nil, capacity)
			clusterFixes = append(clusterFixes, clusterFix{
				key: ClusterKey{Model: e.Key.Model, Cluster: e.Key.Cluster},
				rec: e.Record,
			})
		}
	}
	for _, f := range clusterFixes {
		if err := clustersTable.Put(tx, f.key, f.rec); err != nil {
			return err
		}
	}

	type outlierFix struct {
		key OutlierKey
		rec *OutlierInfo
	}
	var outlierFixes []outlierFix
	for e := range outliersTable.Scan(tx, kv.PrefixUint32(model)) {
		if e.Err != nil {
			return e.Err
		}
		if len(e.Record.Events) > capacity {
			e.Record.Events = mergeTrim(e.Record.Events, nil, capacity)
			outlierFixes = append(outlierFixes, outlierFix{key: e.Key, rec: e.Record})
		}
	}
	for _, f := range outlierFixes {
		if err := outliersTable.Put(tx, f.key, f.rec); err != nil {
			return err
		}
	}
	return nil
}
