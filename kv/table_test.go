package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sensorRecord struct {
	ID   uint32 `msgpack:"-"`
	Name string `msgpack:"name"`
	Seen int64  `msgpack:"seen"`
}

const testKindSensor RecordKind = 0x7A

var sensorsTable = NewTable(TableSpec[uint32, sensorRecord]{
	Name:    "sensors",
	Keys:    Uint32Key{},
	Kind:    testKindSensor,
	Rev:     1,
	Version: 1,
	KeyInto: func(rec *sensorRecord, key uint32) { rec.ID = key },
})

func forEachEngine(t *testing.T, fn func(t *testing.T, db *DB)) {
	t.Helper()
	backends := map[string]func(t *testing.T) Engine{
		"memory": func(t *testing.T) Engine { return OpenMemory() },
		"bolt": func(t *testing.T) Engine {
			eng, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"), BoltOptions{IsTesting: true})
			require.NoError(t, err)
			return eng
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			db := NewDB(open(t))
			t.Cleanup(func() { db.Close() })
			require.NoError(t, db.Prepare("sensors"))
			fn(t, db)
		})
	}
}

func TestTableCRUD(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		err := db.Update(func(tx *Tx) error {
			return sensorsTable.Put(tx, 7, &sensorRecord{Name: "collector-7", Seen: 100})
		})
		require.NoError(t, err)

		err = db.View(func(tx *Tx) error {
			rec, err := sensorsTable.Get(tx, 7)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, uint32(7), rec.ID)
			assert.Equal(t, "collector-7", rec.Name)

			missing, err := sensorsTable.Get(tx, 8)
			require.NoError(t, err)
			assert.Nil(t, missing)
			return nil
		})
		require.NoError(t, err)

		err = db.Update(func(tx *Tx) error {
			deleted, err := sensorsTable.Delete(tx, 7)
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = sensorsTable.Delete(tx, 7)
			require.NoError(t, err)
			assert.False(t, deleted)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestTableInsertCollision(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		err := db.Update(func(tx *Tx) error {
			if err := sensorsTable.Insert(tx, 1, &sensorRecord{Name: "first"}); err != nil {
				return err
			}
			err := sensorsTable.Insert(tx, 1, &sensorRecord{Name: "second"})
			require.ErrorIs(t, err, ErrAlreadyExists)
			return nil
		})
		require.NoError(t, err)

		// The first record must be untouched by the failed insert.
		db.View(func(tx *Tx) error {
			rec, err := sensorsTable.Get(tx, 1)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "first", rec.Name)
			return nil
		})
	})
}

func TestTableScanOrderAndRestart(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		// Insert out of numeric order; iteration must come back ascending.
		err := db.Update(func(tx *Tx) error {
			for _, id := range []uint32{300, 2, 1000, 45} {
				if err := sensorsTable.Put(tx, id, &sensorRecord{Seen: int64(id)}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		collect := func(tx *Tx) []uint32 {
			var ids []uint32
			for e := range sensorsTable.Scan(tx, nil) {
				require.NoError(t, e.Err)
				ids = append(ids, e.Key)
			}
			return ids
		}

		db.View(func(tx *Tx) error {
			first := collect(tx)
			assert.Equal(t, []uint32{2, 45, 300, 1000}, first)

			// Restartable: a second scan without intervening writes yields
			// the identical sequence.
			assert.Equal(t, first, collect(tx))

			// Early abandonment has no side effects.
			for range sensorsTable.Scan(tx, nil) {
				break
			}
			assert.Equal(t, first, collect(tx))
			return nil
		})
	})
}

func TestTableCorruptRecordPerEntry(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		err := db.Update(func(tx *Tx) error {
			if err := sensorsTable.Put(tx, 1, &sensorRecord{Name: "ok-1"}); err != nil {
				return err
			}
			if err := sensorsTable.Put(tx, 3, &sensorRecord{Name: "ok-3"}); err != nil {
				return err
			}
			// Plant a record that cannot be decoded between the two.
			key, _ := sensorsTable.EncodeKey(2)
			return tx.Raw("sensors").Put(key, []byte("garbage"))
		})
		require.NoError(t, err)

		db.View(func(tx *Tx) error {
			rec, err := sensorsTable.Get(tx, 2)
			assert.Nil(t, rec)
			var ce *CorruptRecordError
			require.ErrorAs(t, err, &ce)
			key, _ := sensorsTable.EncodeKey(2)
			assert.Equal(t, key, ce.Key)

			// Corruption is surfaced per entry without aborting the scan.
			var good []string
			var bad int
			for e := range sensorsTable.Scan(tx, nil) {
				if e.Err != nil {
					bad++
					assert.True(t, IsCorrupt(e.Err))
					continue
				}
				good = append(good, e.Record.Name)
			}
			assert.Equal(t, 1, bad)
			assert.Equal(t, []string{"ok-1", "ok-3"}, good)
			return nil
		})
	})
}

func TestTableWrongKindRejected(t *testing.T) {
	otherTable := NewTable(TableSpec[uint32, sensorRecord]{
		Name:    "sensors",
		Keys:    Uint32Key{},
		Kind:    testKindSensor + 1,
		Rev:     1,
		Version: 1,
	})
	forEachEngine(t, func(t *testing.T, db *DB) {
		require.NoError(t, db.Update(func(tx *Tx) error {
			return otherTable.Put(tx, 1, &sensorRecord{Name: "x"})
		}))
		db.View(func(tx *Tx) error {
			_, err := sensorsTable.Get(tx, 1)
			assert.True(t, IsCorrupt(err))
			return nil
		})
	})
}

func TestStringKeyInvalid(t *testing.T) {
	tbl := NewTable(TableSpec[string, sensorRecord]{
		Name:    "sensors",
		Keys:    StringKey{},
		Kind:    testKindSensor,
		Rev:     1,
		Version: 1,
	})
	forEachEngine(t, func(t *testing.T, db *DB) {
		err := db.Update(func(tx *Tx) error {
			return tbl.Put(tx, "", &sensorRecord{})
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidKey))
	})
}

func TestBatchRaw(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		require.NoError(t, db.Update(func(tx *Tx) error {
			for id := uint32(1); id <= 10; id++ {
				if err := sensorsTable.Put(tx, id, &sensorRecord{Seen: int64(id)}); err != nil {
					return err
				}
			}
			return nil
		}))

		var seen int
		var after []byte
		for {
			var batch []RawEntry
			db.View(func(tx *Tx) error {
				batch = BatchRaw(tx, "sensors", after, 3)
				return nil
			})
			if len(batch) == 0 {
				break
			}
			seen += len(batch)
			after = batch[len(batch)-1].Key
		}
		assert.Equal(t, 10, seen)
	})
}
