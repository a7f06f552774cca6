package sentrystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/sentrystore/kv"
)

func TestAddModelAndLookups(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddModel(&Model{Name: "http-beacon", MaxAssociationCount: 25}, []byte("weights-v1"))
	require.NoError(t, err)

	byID, err := s.GetModel(id)
	require.NoError(t, err)
	assert.Equal(t, "http-beacon", byID.Name)
	assert.Equal(t, 25, byID.MaxAssociationCount)
	assert.False(t, byID.CreatedAt.IsZero())

	byName, err := s.GetModelByName("http-beacon")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	blob, err := s.GetClassifier(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights-v1"), blob)

	_, err = s.GetModel(id + 1)
	assert.ErrorIs(t, err, ErrModelNotFound)
	_, err = s.GetModelByName("nope")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestAddModelValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddModel(&Model{Name: "bad", MaxAssociationCount: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = s.AddModel(&Model{Name: "dup", MaxAssociationCount: 5}, nil)
	require.NoError(t, err)
	_, err = s.AddModel(&Model{Name: "dup", MaxAssociationCount: 5}, nil)
	assert.ErrorIs(t, err, kv.ErrIndexConflict)
}

func TestListModelsNameOrder(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"zeta", "alpha", "mu"} {
		_, err := s.AddModel(&Model{Name: name, MaxAssociationCount: 5}, nil)
		require.NoError(t, err)
	}
	models, err := s.ListModels()
	require.NoError(t, err)
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, names)
}

func TestUpdateModel(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "old", MaxAssociationCount: 5}, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateModel(id, func(m *Model) error {
		m.Name = "new"
		m.Description = "renamed"
		return nil
	}))

	m, err := s.GetModelByName("new")
	require.NoError(t, err)
	assert.Equal(t, "renamed", m.Description)
	_, err = s.GetModelByName("old")
	assert.ErrorIs(t, err, ErrModelNotFound)

	err = s.UpdateModel(id, func(m *Model) error {
		m.MaxAssociationCount = 0
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	err = s.UpdateModel(id+1, func(m *Model) error { return nil })
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestUpdateModelShrinkRetrims(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	_, err = s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 1, Events: refs(6, 5, 4, 3, 2, 1), Size: 6},
	})
	require.NoError(t, err)

	// Lowering the cap through the general mutator trims just like
	// SetModelCapacity does.
	require.NoError(t, s.UpdateModel(id, func(m *Model) error {
		m.MaxAssociationCount = 2
		return nil
	}))

	c, err := s.GetCluster(id, 1)
	require.NoError(t, err)
	assert.Equal(t, refs(6, 5), c.Events)

	// Later upserts see the new capacity, not a cached one.
	_, err = s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 1, Events: refs(8, 7), Size: 2},
	})
	require.NoError(t, err)
	c, err = s.GetCluster(id, 1)
	require.NoError(t, err)
	assert.Equal(t, refs(8, 7), c.Events)
}

func TestDeleteModelCascades(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, []byte("clf"))
	require.NoError(t, err)

	_, err = s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 1, Events: refs(1, 2), Size: 2},
	})
	require.NoError(t, err)
	_, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: []byte("ev"), Events: refs(3), Size: 1},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteModel(id))

	_, err = s.GetModel(id)
	assert.ErrorIs(t, err, ErrModelNotFound)
	_, err = s.GetClassifier(id)
	assert.ErrorIs(t, err, ErrModelNotFound)

	s.db.View(func(tx *kv.Tx) error {
		assert.Equal(t, 0, tx.Raw(tableClusters).KeyCount())
		assert.Equal(t, 0, tx.Raw(tableOutliers).KeyCount())
		assert.Equal(t, 0, tx.Raw(tableClassifiers).KeyCount())
		return nil
	})

	assert.ErrorIs(t, s.DeleteModel(id), ErrModelNotFound)
}

func TestDeleteModelDropsCachedCapacity(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 5}, nil)
	require.NoError(t, err)

	// Warm the capacity cache, then delete the model.
	_, err = s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 1, Events: refs(1), Size: 1},
	})
	require.NoError(t, err)
	require.NoError(t, s.DeleteModel(id))

	// An upsert racing in after the delete must be dropped, not served
	// from a cached capacity.
	n, err := s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 2, Events: refs(2), Size: 1},
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	s.db.View(func(tx *kv.Tx) error {
		assert.Equal(t, 0, tx.Raw(tableClusters).KeyCount())
		return nil
	})
}

func TestSetModelCapacityRetrims(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	_, err = s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 1, Events: refs(10, 9, 8, 7, 6, 5), Size: 6},
	})
	require.NoError(t, err)
	_, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: []byte("ev"), Events: refs(4, 3, 2, 1), Size: 4},
	})
	require.NoError(t, err)

	require.NoError(t, s.SetModelCapacity(id, 3))

	c, err := s.GetCluster(id, 1)
	require.NoError(t, err)
	assert.Equal(t, refs(10, 9, 8), c.Events)
	assert.Equal(t, uint64(6), c.Size)

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, refs(4, 3, 2), outs[0].Events)

	// Later upserts honor the new capacity.
	_, err = s.UpsertClusters([]ClusterUpdate{
		{Model: id, Cluster: 1, Events: refs(12, 11), Size: 2},
	})
	require.NoError(t, err)
	c, err = s.GetCluster(id, 1)
	require.NoError(t, err)
	assert.Equal(t, refs(12, 11, 10), c.Events)

	assert.ErrorIs(t, s.SetModelCapacity(id, 0), ErrInvalidCapacity)
	assert.ErrorIs(t, s.SetModelCapacity(id+1, 3), ErrModelNotFound)
}

func TestClassifierReplace(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 5}, nil)
	require.NoError(t, err)

	blob, err := s.GetClassifier(id)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.PutClassifier(id, []byte("v2")))
	blob, err = s.GetClassifier(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)

	assert.ErrorIs(t, s.PutClassifier(id+1, []byte("x")), ErrModelNotFound)
}
