package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/perimeterlabs/sentrystore"
)

// AddModel registers a model with its classifier blob (may be nil) and
// returns the assigned ID.
func (s *Store) AddModel(name string, maxAssociationCount int, classifier []byte) (uint32, error) {
	if maxAssociationCount < 1 {
		return 0, sentrystore.ErrInvalidCapacity
	}
	var id int64
	if s.d == dialectPostgres {
		err := s.db.QueryRow(
			s.q(`INSERT INTO models (name, max_association_count, classifier) VALUES (?, ?, ?) RETURNING id`),
			name, maxAssociationCount, classifier,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("inserting model: %w", err)
		}
	} else {
		res, err := s.db.Exec(
			`INSERT INTO models (name, max_association_count, classifier) VALUES (?, ?, ?)`,
			name, maxAssociationCount, classifier,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting model: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
	}
	return uint32(id), nil
}

// SetModelCapacity changes the model's association capacity and re-trims
// its stored events down to the new cap. The update and the trim commit
// together, so a failed trim leaves the old capacity in place.
func (s *Store) SetModelCapacity(modelID uint32, capacity int) error {
	if capacity < 1 {
		return sentrystore.ErrInvalidCapacity
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		s.q(`UPDATE models SET max_association_count = ? WHERE id = ?`),
		capacity, modelID,
	)
	if err != nil {
		return fmt.Errorf("updating model capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentrystore.ErrModelNotFound
	}
	if err := s.retrimModelTx(tx, modelID, capacity); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteModel removes the model and, through cascading foreign keys, all
// of its clusters, outliers and their event references.
func (s *Store) DeleteModel(modelID uint32) error {
	res, err := s.db.Exec(s.q(`DELETE FROM models WHERE id = ?`), modelID)
	if err != nil {
		return fmt.Errorf("deleting model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentrystore.ErrModelNotFound
	}
	return nil
}

// GetClassifier returns the model's classifier blob, or nil when none was
// stored.
func (s *Store) GetClassifier(modelID uint32) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(s.q(`SELECT classifier FROM models WHERE id = ?`), modelID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentrystore.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading classifier: %w", err)
	}
	return data, nil
}

// PutClassifier replaces the model's classifier blob.
func (s *Store) PutClassifier(modelID uint32, data []byte) error {
	res, err := s.db.Exec(s.q(`UPDATE models SET classifier = ? WHERE id = ?`), data, modelID)
	if err != nil {
		return fmt.Errorf("storing classifier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentrystore.ErrModelNotFound
	}
	return nil
}

// modelCapacity reads the model's association capacity inside tx. ok is
// false when the model is absent.
func (s *Store) modelCapacity(tx *sql.Tx, modelID uint32) (capacity int, ok bool, err error) {
	err = tx.QueryRow(s.q(`SELECT max_association_count FROM models WHERE id = ?`), modelID).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return capacity, true, nil
}
