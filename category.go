package sentrystore

import (
	"github.com/perimeterlabs/sentrystore/kv"
)

// Category is an analyst-defined classification clusters are triaged
// into. Category 1 is seeded as "non-specified" and is the default for
// new clusters.
type Category struct {
	ID   uint32 `msgpack:"-"`
	Name string `msgpack:"name"`
}

func (c *Category) IndexKey() []byte      { return []byte(c.Name) }
func (c *Category) RecordID() uint32      { return c.ID }
func (c *Category) SetRecordID(id uint32) { c.ID = id }

var categoriesTable = kv.NewIndexedTable[Category](kv.TableSpec[uint32, Category]{
	Name:    tableCategories,
	Kind:    kindCategory,
	Rev:     revCategory,
	Version: latestSchemaVersion,
})

// AddCategory registers a category name and returns its ID. Names are
// unique.
func (s *Store) AddCategory(name string) (uint32, error) {
	var id uint32
	err := s.db.Update(func(tx *kv.Tx) error {
		var err error
		id, err = categoriesTable.Insert(tx, &Category{Name: name})
		return err
	})
	return id, err
}

// GetCategory returns the category with the given ID, or kv.ErrNotFound.
func (s *Store) GetCategory(id uint32) (*Category, error) {
	var c *Category
	err := s.db.View(func(tx *kv.Tx) error {
		var err error
		c, err = categoriesTable.GetByID(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, kv.ErrNotFound
	}
	return c, nil
}

// GetCategoryByName returns the category with the given name, or
// kv.ErrNotFound.
func (s *Store) GetCategoryByName(name string) (*Category, error) {
	var c *Category
	err := s.db.View(func(tx *kv.Tx) error {
		var err error
		c, err = categoriesTable.GetByIndex(tx, []byte(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, kv.ErrNotFound
	}
	return c, nil
}

// ListCategories returns all categories in name order.
func (s *Store) ListCategories() ([]Category, error) {
	var out []Category
	err := s.db.View(func(tx *kv.Tx) error {
		for e := range categoriesTable.ScanByIndex(tx) {
			if e.Err != nil {
				return e.Err
			}
			out = append(out, *e.Record)
		}
		return nil
	})
	return out, err
}

// RenameCategory changes a category's name. Renaming onto an existing
// name fails with kv.ErrIndexConflict.
func (s *Store) RenameCategory(id uint32, name string) error {
	return s.db.Update(func(tx *kv.Tx) error {
		return categoriesTable.Update(tx, id, func(c *Category) error {
			c.Name = name
			return nil
		})
	})
}
