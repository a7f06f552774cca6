package sentrystore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupAndRestore(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddModel(&Model{Name: "m", MaxAssociationCount: 5}, []byte("clf"))
	require.NoError(t, err)
	_, err = s.UpsertClusters([]ClusterUpdate{{Model: id, Cluster: 1, Events: refs(1), Size: 1}})
	require.NoError(t, err)

	path, err := s.Backup(true)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Diverge, then roll back to the snapshot.
	require.NoError(t, s.DeleteModel(id))
	_, err = s.AddModel(&Model{Name: "late", MaxAssociationCount: 5}, nil)
	require.NoError(t, err)

	require.NoError(t, s.RestoreFromLatestBackup())

	m, err := s.GetModel(id)
	require.NoError(t, err)
	assert.Equal(t, "m", m.Name)
	blob, err := s.GetClassifier(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("clf"), blob)
	_, err = s.GetModelByName("late")
	assert.ErrorIs(t, err, ErrModelNotFound)

	c, err := s.GetCluster(id, 1)
	require.NoError(t, err)
	assert.Equal(t, refs(1), c.Events)

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, latestSchemaVersion, v)
}

func TestRestoreWithoutBackups(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.RestoreFromLatestBackup(), ErrNoBackups)
}

func TestPurgeOldBackups(t *testing.T) {
	s := newTestStore(t)

	var paths []string
	for i := 0; i < 4; i++ {
		p, err := s.Backup(false)
		require.NoError(t, err)
		paths = append(paths, p)
	}

	require.NoError(t, s.PurgeOldBackups(2))

	remaining, err := s.listBackups()
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	assert.Subset(t, paths, remaining)

	// Purging again is a no-op.
	require.NoError(t, s.PurgeOldBackups(2))
	remaining, err = s.listBackups()
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
