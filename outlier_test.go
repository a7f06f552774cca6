package sentrystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlabs/sentrystore/kv"
)

func TestUpsertOutliersDedupByContent(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	raw := []byte(`{"dst":"10.0.0.9","port":4444}`)
	n, err := s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: raw, Events: refs(1), Size: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The same raw event reported again merges into the same record.
	n, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: raw, Events: refs(2), Size: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, raw, outs[0].RawEvent)
	assert.Equal(t, refs(2, 1), outs[0].Events)
	assert.Equal(t, uint64(2), outs[0].Size)
	assert.Equal(t, EventContentHash(raw), outs[0].Hash)
	assert.Equal(t, id, outs[0].Model)
}

func TestUpsertOutliersIsNewSemantics(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	// A re-sighting of an outlier that was already resolved must not
	// resurrect it.
	n, err := s.UpsertOutliers([]OutlierUpdate{
		{Model: id, RawEvent: []byte("gone"), Events: refs(1), Size: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	assert.Empty(t, outs)

	// An existing record is merged whether or not IsNew is set.
	_, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: []byte("kept"), Events: refs(1), Size: 1},
	})
	require.NoError(t, err)
	n, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, RawEvent: []byte("kept"), Events: refs(2), Size: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outs, err = s.ListOutliers(id)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, refs(2, 1), outs[0].Events)
}

func TestUpsertOutliersSkipsUnknownModel(t *testing.T) {
	s := newTestStore(t)
	n, err := s.UpsertOutliers([]OutlierUpdate{
		{Model: 123, IsNew: true, RawEvent: []byte("x"), Events: refs(1), Size: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteResolvedOutliers(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	_, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: []byte("a"), Events: refs(1, 2), Size: 2},
		{Model: id, IsNew: true, RawEvent: []byte("b"), Events: refs(3), Size: 1},
	})
	require.NoError(t, err)

	n, err := s.DeleteResolvedOutliers(id, []ResolvedOutlier{
		{RawEvent: []byte("a"), Events: refs(1, 2)},
		{RawEvent: []byte("b"), Events: refs(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestDeleteResolvedOutliersAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	_, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: []byte("a"), Events: refs(1), Size: 1},
		{Model: id, IsNew: true, RawEvent: []byte("b"), Events: refs(2, 9), Size: 2},
	})
	require.NoError(t, err)

	// Outlier "b" gained event 9 the caller has not resolved; the whole
	// batch must be refused with both records intact.
	n, err := s.DeleteResolvedOutliers(id, []ResolvedOutlier{
		{RawEvent: []byte("a"), Events: refs(1)},
		{RawEvent: []byte("b"), Events: refs(2)},
	})
	assert.ErrorIs(t, err, ErrUnresolvedEvents)
	assert.Zero(t, n)

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	assert.Len(t, outs, 2)

	// An unknown outlier in the batch is also refused outright.
	n, err = s.DeleteResolvedOutliers(id, []ResolvedOutlier{
		{RawEvent: []byte("a"), Events: refs(1)},
		{RawEvent: []byte("missing")},
	})
	assert.ErrorIs(t, err, ErrOutlierNotFound)
	assert.Zero(t, n)

	outs, err = s.ListOutliers(id)
	require.NoError(t, err)
	assert.Len(t, outs, 2)
}

func TestRetrimModel(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 5}, nil)
	require.NoError(t, err)

	_, err = s.UpsertOutliers([]OutlierUpdate{
		{Model: id, IsNew: true, RawEvent: []byte("a"), Events: refs(5, 4, 3, 2, 1), Size: 5},
	})
	require.NoError(t, err)

	// Shrink the capacity behind the cache's back, then retrim.
	require.NoError(t, s.db.Update(func(tx *kv.Tx) error {
		return modelsTable.Update(tx, id, func(m *Model) error {
			m.MaxAssociationCount = 2
			return nil
		})
	}))
	require.NoError(t, s.RetrimModel(id))

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, refs(5, 4), outs[0].Events)

	assert.ErrorIs(t, s.RetrimModel(id+1), ErrModelNotFound)
}

func TestRetrimKeepsNewestRegardlessOfStoredOrder(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 10}, nil)
	require.NoError(t, err)

	// Records carried over from before the newest-first layout hold
	// events in observation order; the trim must still rank by ID.
	scrambled := refs(1, 9, 5)
	require.NoError(t, s.db.Update(func(tx *kv.Tx) error {
		err := clustersTable.Put(tx, ClusterKey{Model: id, Cluster: 7}, &Cluster{
			CategoryID:  defaultTriageID,
			QualifierID: defaultTriageID,
			Size:        3,
			Events:      append([]EventRef(nil), scrambled...),
		})
		if err != nil {
			return err
		}
		return outliersTable.Put(tx, OutlierKey{Model: id, Hash: EventContentHash([]byte("x"))}, &OutlierInfo{
			RawEvent: []byte("x"),
			Size:     3,
			Events:   append([]EventRef(nil), scrambled...),
		})
	}))

	require.NoError(t, s.SetModelCapacity(id, 2))

	c, err := s.GetCluster(id, 7)
	require.NoError(t, err)
	assert.Equal(t, refs(9, 5), c.Events)

	outs, err := s.ListOutliers(id)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, refs(9, 5), outs[0].Events)
}
