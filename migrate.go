package sentrystore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/perimeterlabs/sentrystore/kv"
)

const (
	// latestSchemaVersion is the on-disk format this code reads and
	// writes. Fresh stores are stamped with it immediately.
	latestSchemaVersion uint16 = 5

	// floorSchemaVersion is the oldest format the migration chain can
	// still lift. Anything older must go through an intermediate release.
	floorSchemaVersion uint16 = 2
)

// schemaVersionKey locates the version marker in the meta table.
var schemaVersionKey = []byte("schema_version")

// migrationBatchSize bounds how many records one migration transaction
// rewrites, keeping transactions small on large stores.
const migrationBatchSize = 500

// A migrationStep lifts the whole store from one schema version to the
// next. Steps run in their own transactions and must be idempotent:
// records already in the target format are left alone, so an interrupted
// step can simply run again.
type migrationStep struct {
	from, to uint16
	name     string
	run      func(s *Store) error
}

// UnsupportedSourceVersionError reports a store written by a format this
// code cannot migrate: newer than it knows, older than the floor, or
// carrying no version marker at all (Version 0).
type UnsupportedSourceVersionError struct {
	Version uint16
}

func (e *UnsupportedSourceVersionError) Error() string {
	if e.Version == 0 {
		return "sentrystore: store carries no schema version marker"
	}
	return fmt.Sprintf("sentrystore: schema version %d is outside the supported range %d..%d",
		e.Version, floorSchemaVersion, latestSchemaVersion)
}

// MissingMigrationStepError reports a gap in the migration chain. It
// indicates a build problem, not a data problem.
type MissingMigrationStepError struct {
	From uint16
}

func (e *MissingMigrationStepError) Error() string {
	return fmt.Sprintf("sentrystore: no migration step from schema version %d", e.From)
}

// MigrationFailedError wraps a step failure. The store has been rolled
// back to its pre-migration snapshot when this is returned.
type MigrationFailedError struct {
	Step string
	Err  error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("sentrystore: migration step %q failed (store rolled back): %v", e.Step, e.Err)
}

func (e *MigrationFailedError) Unwrap() error { return e.Err }

// SchemaVersion returns the store's current on-disk format version.
func (s *Store) SchemaVersion() (uint16, error) {
	var v uint16
	err := s.db.View(func(tx *kv.Tx) error {
		v, _ = readSchemaVersion(tx)
		return nil
	})
	return v, err
}

func readSchemaVersion(tx *kv.Tx) (uint16, bool) {
	raw := tx.Raw(tableMeta).Get(schemaVersionKey)
	if len(raw) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(raw), true
}

func writeSchemaVersion(tx *kv.Tx, v uint16) error {
	return tx.Raw(tableMeta).Put(schemaVersionKey, binary.BigEndian.AppendUint16(nil, v))
}

// migrate brings the store to latestSchemaVersion. A snapshot is taken
// before the first step; any step failure restores it, marker included,
// so a failed migration leaves the store exactly as it was opened.
func (s *Store) migrate() error {
	var (
		version uint16
		marked  bool
		empty   bool
	)
	err := s.db.View(func(tx *kv.Tx) error {
		version, marked = readSchemaVersion(tx)
		empty = storeEmpty(tx)
		return nil
	})
	if err != nil {
		return err
	}

	if !marked {
		if !empty {
			return &UnsupportedSourceVersionError{Version: 0}
		}
		return s.db.Update(func(tx *kv.Tx) error {
			return writeSchemaVersion(tx, latestSchemaVersion)
		})
	}
	if version == latestSchemaVersion {
		return nil
	}
	if version > latestSchemaVersion || version < floorSchemaVersion {
		return &UnsupportedSourceVersionError{Version: version}
	}

	chain, err := migrationChain(version)
	if err != nil {
		return err
	}

	backupPath, err := s.Backup(true)
	if err != nil {
		return fmt.Errorf("pre-migration backup: %w", err)
	}

	for _, step := range chain {
		s.log.WithFields(logrus.Fields{
			"from": step.from,
			"to":   step.to,
			"step": step.name,
		}).Info("migrating store")
		if err := step.run(s); err != nil {
			if rerr := s.restoreFrom(backupPath); rerr != nil {
				s.log.WithError(rerr).Error("rollback after failed migration also failed")
			}
			return &MigrationFailedError{Step: step.name, Err: err}
		}
		if err := s.db.Update(func(tx *kv.Tx) error {
			return writeSchemaVersion(tx, step.to)
		}); err != nil {
			return err
		}
	}

	if err := os.Remove(backupPath); err != nil {
		s.log.WithError(err).Warn("could not remove pre-migration backup")
	}
	s.log.WithFields(logrus.Fields{"from": version, "to": latestSchemaVersion}).Info("store migrated")
	return nil
}

// migrationChain returns the contiguous steps lifting `from` to
// latestSchemaVersion.
func migrationChain(from uint16) ([]migrationStep, error) {
	var chain []migrationStep
	for cur := from; cur < latestSchemaVersion; {
		found := false
		for _, step := range migrationSteps {
			if step.from == cur {
				chain = append(chain, step)
				cur = step.to
				found = true
				break
			}
		}
		if !found {
			return nil, &MissingMigrationStepError{From: cur}
		}
	}
	return chain, nil
}

// storeEmpty reports whether no table holds any record. The meta table
// does not count.
func storeEmpty(tx *kv.Tx) bool {
	for _, table := range allTables {
		if table == tableMeta {
			continue
		}
		if tx.Raw(table).KeyCount() > 0 {
			return false
		}
	}
	return true
}
