package sentrystore

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perimeterlabs/sentrystore/kv"
)

// Model is a detection model. Its unique name is the secondary index; the
// numeric ID keys the model's clusters, outliers and classifier blob.
type Model struct {
	ID          uint32 `msgpack:"-"`
	Name        string `msgpack:"name"`
	Description string `msgpack:"desc,omitempty"`

	// MaxAssociationCount caps the event references retained per cluster
	// and per outlier of this model. Always at least 1.
	MaxAssociationCount int `msgpack:"max_assoc"`

	CreatedAt time.Time `msgpack:"created_at"`
}

func (m *Model) IndexKey() []byte      { return []byte(m.Name) }
func (m *Model) RecordID() uint32      { return m.ID }
func (m *Model) SetRecordID(id uint32) { m.ID = id }

// Classifier is a model's serialized classifier state. The blobs run to
// megabytes, so they live in their own table, compressed, keyed by model
// ID, and are only loaded on explicit request.
type Classifier struct {
	Data []byte `msgpack:"data"`
}

var modelsTable = kv.NewIndexedTable[Model](kv.TableSpec[uint32, Model]{
	Name:    tableModels,
	Kind:    kindModel,
	Rev:     revModel,
	Version: latestSchemaVersion,
})

var classifiersTable = kv.NewTable(kv.TableSpec[uint32, Classifier]{
	Name:     tableClassifiers,
	Keys:     kv.Uint32Key{},
	Kind:     kindClassifier,
	Rev:      revClassifier,
	Version:  latestSchemaVersion,
	Compress: true,
})

// AddModel registers a model and its classifier blob (may be nil) and
// returns the assigned model ID. The name must be unique;
// MaxAssociationCount must be at least 1.
func (s *Store) AddModel(m *Model, classifier []byte) (uint32, error) {
	if m.MaxAssociationCount < 1 {
		return 0, ErrInvalidCapacity
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var id uint32
	err := s.db.Update(func(tx *kv.Tx) error {
		var err error
		id, err = modelsTable.Insert(tx, m)
		if err != nil {
			return err
		}
		if classifier == nil {
			return nil
		}
		return classifiersTable.Put(tx, id, &Classifier{Data: classifier})
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"model": id, "name": m.Name}).Info("model added")
	return id, nil
}

// GetModel returns the model with the given ID, or ErrModelNotFound.
func (s *Store) GetModel(id uint32) (*Model, error) {
	var m *Model
	err := s.db.View(func(tx *kv.Tx) error {
		var err error
		m, err = modelsTable.GetByID(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrModelNotFound
	}
	return m, nil
}

// GetModelByName returns the model with the given name, or
// ErrModelNotFound.
func (s *Store) GetModelByName(name string) (*Model, error) {
	var m *Model
	err := s.db.View(func(tx *kv.Tx) error {
		var err error
		m, err = modelsTable.GetByIndex(tx, []byte(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrModelNotFound
	}
	return m, nil
}

// ListModels returns all models in name order.
func (s *Store) ListModels() ([]Model, error) {
	var out []Model
	err := s.db.View(func(tx *kv.Tx) error {
		for e := range modelsTable.ScanByIndex(tx) {
			if e.Err != nil {
				return e.Err
			}
			out = append(out, *e.Record)
		}
		return nil
	})
	return out, err
}

// UpdateModel applies mutate to the stored model. The record ID cannot
// change; renaming onto another model's name fails with
// kv.ErrIndexConflict. Lowering MaxAssociationCount re-trims the model's
// clusters and outliers in the same transaction.
func (s *Store) UpdateModel(id uint32, mutate func(m *Model) error) error {
	err := s.db.Update(func(tx *kv.Tx) error {
		capacity := 0
		err := modelsTable.Update(tx, id, func(m *Model) error {
			was := m.MaxAssociationCount
			if err := mutate(m); err != nil {
				return err
			}
			if m.MaxAssociationCount < 1 {
				return ErrInvalidCapacity
			}
			if m.MaxAssociationCount < was {
				capacity = m.MaxAssociationCount
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.capCache.Remove(id)
		if capacity == 0 {
			return nil
		}
		return retrimModelTx(tx, id, capacity)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrModelNotFound
	}
	return err
}

// DeleteModel removes a model together with its classifier and every
// cluster and outlier keyed under it.
func (s *Store) DeleteModel(id uint32) error {
	err := s.db.Update(func(tx *kv.Tx) error {
		deleted, err := modelsTable.Delete(tx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrModelNotFound
		}
		if _, err := classifiersTable.Delete(tx, id); err != nil {
			return err
		}
		if err := deleteByPrefix(tx, tableClusters, kv.PrefixUint32(id)); err != nil {
			return err
		}
		if err := deleteByPrefix(tx, tableOutliers, kv.PrefixUint32(id)); err != nil {
			return err
		}
		// Invalidate before commit: writers are serialized, so no upsert
		// can observe the stale capacity once this transaction is done.
		s.capCache.Remove(id)
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("model", id).Info("model deleted")
	return nil
}

// SetModelCapacity changes the model's association capacity and, when it
// shrinks, re-trims the model's clusters and outliers in the same
// transaction so no record ever exceeds the new cap.
func (s *Store) SetModelCapacity(id uint32, capacity int) error {
	if capacity < 1 {
		return ErrInvalidCapacity
	}
	err := s.db.Update(func(tx *kv.Tx) error {
		shrunk := false
		err := modelsTable.Update(tx, id, func(m *Model) error {
			shrunk = capacity < m.MaxAssociationCount
			m.MaxAssociationCount = capacity
			return nil
		})
		if err != nil {
			return err
		}
		s.capCache.Remove(id)
		if !shrunk {
			return nil
		}
		return retrimModelTx(tx, id, capacity)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrModelNotFound
	}
	return err
}

// RetrimModel re-applies the model's current capacity to all of its
// clusters and outliers.
func (s *Store) RetrimModel(id uint32) error {
	return s.db.Update(func(tx *kv.Tx) error {
		m, err := modelsTable.GetByID(tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrModelNotFound
		}
		return retrimModelTx(tx, id, m.MaxAssociationCount)
	})
}

// GetClassifier returns the model's classifier blob, or nil when none was
// stored. The model itself must exist.
func (s *Store) GetClassifier(id uint32) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *kv.Tx) error {
		exists, err := modelsTable.GetByID(tx, id)
		if err != nil {
			return err
		}
		if exists == nil {
			return ErrModelNotFound
		}
		c, err := classifiersTable.Get(tx, id)
		if err != nil {
			return err
		}
		if c != nil {
			data = c.Data
		}
		return nil
	})
	return data, err
}

// PutClassifier replaces the model's classifier blob.
func (s *Store) PutClassifier(id uint32, data []byte) error {
	return s.db.Update(func(tx *kv.Tx) error {
		m, err := modelsTable.GetByID(tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrModelNotFound
		}
		return classifiersTable.Put(tx, id, &Classifier{Data: data})
	})
}

// modelCapacity resolves a model's association capacity inside tx, served
// from the LRU cache when possible. ok is false when the model is absent.
func (s *Store) modelCapacity(tx *kv.Tx, id uint32) (capacity int, ok bool, err error) {
	if c, hit := s.capCache.Get(id); hit {
		return c, true, nil
	}
	m, err := modelsTable.GetByID(tx, id)
	if err != nil || m == nil {
		return 0, false, err
	}
	s.capCache.Add(id, m.MaxAssociationCount)
	return m.MaxAssociationCount, true, nil
}

// deleteByPrefix removes every record of a table whose key starts with
// prefix. Keys are collected before deleting so the cursor never walks a
// bucket being mutated.
func deleteByPrefix(tx *kv.Tx, table string, prefix []byte) error {
	buck := tx.Raw(table)
	var keys [][]byte
	c := buck.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := buck.Delete(k); err != nil {
			return fmt.Errorf("deleting %s record: %w", table, err)
		}
	}
	return nil
}
