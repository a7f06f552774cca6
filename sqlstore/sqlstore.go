package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/perimeterlabs/sentrystore"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Options configures Open. The zero value is valid.
type Options struct {
	// Logger receives structured progress and warning entries. Defaults
	// to the logrus standard logger.
	Logger logrus.FieldLogger
}

// Store implements sentrystore.Aggregator over a relational database.
// Supported drivers are "sqlite3" and "postgres". The schema is created
// on open if missing.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
	d   dialect
}

var _ sentrystore.Aggregator = (*Store)(nil)

// Open connects to the database and ensures the schema exists.
func Open(driver, dsn string, opt Options) (*Store, error) {
	var d dialect
	switch driver {
	case "sqlite3":
		d = dialectSQLite
	case "postgres":
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	log := opt.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	// Foreign-key enforcement is per-connection in SQLite, so it has to
	// go through the DSN to cover every pooled connection.
	if d == dialectSQLite && !strings.Contains(dsn, "_foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, log: log, d: d}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	serialPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if s.d == dialectPostgres {
		serialPK = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id ` + serialPK + `,
			name TEXT NOT NULL UNIQUE,
			max_association_count BIGINT NOT NULL CHECK (max_association_count >= 1),
			classifier ` + blob + `
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			cluster_id BIGINT NOT NULL,
			category_id BIGINT NOT NULL DEFAULT 1,
			qualifier_id BIGINT NOT NULL DEFAULT 1,
			signature TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			score DOUBLE PRECISION,
			labels TEXT,
			PRIMARY KEY (model_id, cluster_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_events (
			model_id BIGINT NOT NULL,
			cluster_id BIGINT NOT NULL,
			event_id BIGINT NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (model_id, cluster_id, event_id, source),
			FOREIGN KEY (model_id, cluster_id)
				REFERENCES clusters(model_id, cluster_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS outliers (
			model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			event_hash BIGINT NOT NULL,
			raw_event ` + blob + ` NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (model_id, event_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS outlier_events (
			model_id BIGINT NOT NULL,
			event_hash BIGINT NOT NULL,
			event_id BIGINT NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (model_id, event_hash, event_id, source),
			FOREIGN KEY (model_id, event_hash)
				REFERENCES outliers(model_id, event_hash) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// q rewrites ?-placeholders into the dialect's form.
func (s *Store) q(query string) string {
	if s.d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
