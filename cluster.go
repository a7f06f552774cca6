package sentrystore

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/perimeterlabs/sentrystore/kv"
)

// ClusterKey identifies a cluster within a model. Encoded as 8 big-endian
// bytes (model then cluster) so that one model's clusters form a
// contiguous key range.
type ClusterKey struct {
	Model   uint32
	Cluster uint32
}

type clusterKeyCodec struct{}

func (clusterKeyCodec) Append(dst []byte, key ClusterKey) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, key.Model)
	return binary.BigEndian.AppendUint32(dst, key.Cluster), nil
}

func (clusterKeyCodec) Parse(raw []byte) (ClusterKey, error) {
	if len(raw) != 8 {
		return ClusterKey{}, fmt.Errorf("%w: want 8 bytes, got %d", kv.ErrInvalidKey, len(raw))
	}
	return ClusterKey{
		Model:   binary.BigEndian.Uint32(raw[:4]),
		Cluster: binary.BigEndian.Uint32(raw[4:]),
	}, nil
}

// Cluster is a group of similar events detected by a model, with the
// newest MaxAssociationCount event references retained.
type Cluster struct {
	Model   uint32 `msgpack:"-"`
	Cluster uint32 `msgpack:"-"`

	CategoryID  uint32 `msgpack:"category"`
	QualifierID uint32 `msgpack:"qualifier"`
	Signature   string `msgpack:"sig,omitempty"`

	// Size counts every event ever attributed to the cluster, including
	// those trimmed out of Events.
	Size uint64 `msgpack:"size"`

	Score  *float64 `msgpack:"score,omitempty"`
	Labels []string `msgpack:"labels,omitempty"`

	// Events holds the retained references, newest first.
	Events []EventRef `msgpack:"events"`

	LastSeen time.Time `msgpack:"last_seen"`
}

var clustersTable = kv.NewTable(kv.TableSpec[ClusterKey, Cluster]{
	Name:    tableClusters,
	Keys:    clusterKeyCodec{},
	Kind:    kindCluster,
	Rev:     revCluster,
	Version: latestSchemaVersion,
	KeyInto: func(c *Cluster, key ClusterKey) {
		c.Model = key.Model
		c.Cluster = key.Cluster
	},
})

// ClusterUpdate is one detection round's worth of events for a cluster.
type ClusterUpdate struct {
	Model   uint32
	Cluster uint32

	Signature string
	Events    []EventRef

	// Size is the number of events this round attributed to the cluster,
	// which may exceed len(Events).
	Size uint64

	// Score and Labels replace the stored values when non-nil.
	Score  *float64
	Labels []string
}

// defaultTriageID is the category and qualifier every new cluster starts
// with until an analyst triages it.
const defaultTriageID = 1

// UpsertClusters applies a batch of cluster updates in one transaction
// and returns the number of cluster records written. Updates for models
// that do not exist are skipped. Stored event references are merged with
// the incoming ones and trimmed to the model's capacity; sizes
// accumulate.
func (s *Store) UpsertClusters(updates []ClusterUpdate) (int, error) {
	now := time.Now().UTC()
	written := 0
	err := s.db.Update(func(tx *kv.Tx) error {
		for _, u := range updates {
			capacity, ok, err := s.modelCapacity(tx, u.Model)
			if err != nil {
				return err
			}
			if !ok {
				s.log.WithField("model", u.Model).Warn("cluster update for unknown model dropped")
				continue
			}
			key := ClusterKey{Model: u.Model, Cluster: u.Cluster}
			cur, err := clustersTable.Get(tx, key)
			if err != nil {
				return err
			}
			if cur == nil {
				cur = &Cluster{
					CategoryID:  defaultTriageID,
					QualifierID: defaultTriageID,
				}
			}
			cur.Events = mergeTrim(cur.Events, u.Events, capacity)
			cur.Size += u.Size
			cur.LastSeen = now
			if u.Signature != "" {
				cur.Signature = u.Signature
			}
			if u.Score != nil {
				cur.Score = u.Score
			}
			if u.Labels != nil {
				cur.Labels = u.Labels
			}
			if err := clustersTable.Put(tx, key, cur); err != nil {
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

// GetCluster returns one cluster, or ErrClusterNotFound.
func (s *Store) GetCluster(model, cluster uint32) (*Cluster, error) {
	var c *Cluster
	err := s.db.View(func(tx *kv.Tx) error {
		var err error
		c, err = clustersTable.Get(tx, ClusterKey{Model: model, Cluster: cluster})
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrClusterNotFound
	}
	return c, nil
}

// ClusterTriage carries analyst-set cluster metadata for UpdateCluster.
// Nil fields are left unchanged.
type ClusterTriage struct {
	CategoryID  *uint32
	QualifierID *uint32
	Labels      *[]string
}

// UpdateCluster applies triage metadata to a stored cluster.
func (s *Store) UpdateCluster(model, cluster uint32, triage ClusterTriage) error {
	return s.db.Update(func(tx *kv.Tx) error {
		key := ClusterKey{Model: model, Cluster: cluster}
		cur, err := clustersTable.Get(tx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrClusterNotFound
		}
		if triage.CategoryID != nil {
			cur.CategoryID = *triage.CategoryID
		}
		if triage.QualifierID != nil {
			cur.QualifierID = *triage.QualifierID
		}
		if triage.Labels != nil {
			cur.Labels = *triage.Labels
		}
		return clustersTable.Put(tx, key, cur)
	})
}

// ClusterFilter narrows ListClusters. Empty slices match everything.
type ClusterFilter struct {
	Categories []uint32
	Qualifiers []uint32
}

func (f ClusterFilter) match(c *Cluster) bool {
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, c.CategoryID) {
		return false
	}
	if len(f.Qualifiers) > 0 && !slices.Contains(f.Qualifiers, c.QualifierID) {
		return false
	}
	return true
}

// ListClusters returns the model's clusters in cluster-ID order, filtered.
func (s *Store) ListClusters(model uint32, filter ClusterFilter) ([]Cluster, error) {
	var out []Cluster
	err := s.db.View(func(tx *kv.Tx) error {
		for e := range clustersTable.Scan(tx, kv.PrefixUint32(model)) {
			if e.Err != nil {
				return e.Err
			}
			if filter.match(e.Record) {
				out = append(out, *e.Record)
			}
		}
		return nil
	})
	return out, err
}
