package sentrystore

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/perimeterlabs/sentrystore/kv"
)

// capCacheSize bounds the per-model association capacity cache. Capacity
// lookups happen on every upsert, model records change rarely.
const capCacheSize = 128

// Options configures Open. The zero value is valid.
type Options struct {
	// Logger receives structured progress and warning entries. Defaults
	// to the logrus standard logger.
	Logger logrus.FieldLogger

	// Engine overrides the storage backend. Defaults to a Bolt engine at
	// <dataDir>/store.db. Tests pass kv.OpenMemory().
	Engine kv.Engine
}

// Store is the embedded persistence layer: models with their classifier
// blobs, clusters and outliers with capped event associations, plus the
// supporting category and trusted-domain tables. All methods are safe for
// concurrent use.
type Store struct {
	db        *kv.DB
	log       logrus.FieldLogger
	backupDir string
	capCache  *lru.Cache[uint32, int]
}

var _ Aggregator = (*Store)(nil)

// Open opens (or creates) a store under dataDir, keeping snapshots in
// backupDir. A store written by an older supported schema version is
// migrated before Open returns; an unsupported version fails the open.
func Open(dataDir, backupDir string, opt Options) (*Store, error) {
	log := opt.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	eng := opt.Engine
	if eng == nil {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		var err error
		eng, err = kv.OpenBolt(filepath.Join(dataDir, "store.db"), kv.BoltOptions{})
		if err != nil {
			return nil, fmt.Errorf("opening storage engine: %w", err)
		}
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		eng.Close()
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	db := kv.NewDB(eng)
	if err := db.Prepare(allTables...); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing tables: %w", err)
	}

	capCache, err := lru.New[uint32, int](capCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		log:       log,
		backupDir: backupDir,
		capCache:  capCache,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying engine. The store must not be used after.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying typed-table layer. Intended for tests and
// tooling; production callers go through the Store methods.
func (s *Store) DB() *kv.DB {
	return s.db
}

// seedDefaults inserts the baseline category every fresh store carries.
// Cluster records default to category 1 until triaged.
func (s *Store) seedDefaults() error {
	return s.db.Update(func(tx *kv.Tx) error {
		if categoriesTable.Count(tx) > 0 {
			return nil
		}
		_, err := categoriesTable.Insert(tx, &Category{Name: "non-specified"})
		return err
	})
}
