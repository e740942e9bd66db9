// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists the scenario catalog:
// - scenarios: key = "scn:<id>" (JSON)
// - packages:  key = "pkg:<id>" (JSON)
// - categories: key = "cat:<id>" (JSON)
// - templates: key = "tpl:<id>" (JSON, image bytes inline)
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) put(key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// get unmarshals into out and reports whether the key existed.
func (s *BadgerStore) get(key []byte, out any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) scan(ctx context.Context, prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) PutScenario(_ context.Context, rec *ScenarioRecord) error {
	return s.put([]byte("scn:"+rec.ID), rec)
}

func (s *BadgerStore) GetScenario(_ context.Context, id string) (*ScenarioRecord, error) {
	var out ScenarioRecord
	ok, err := s.get([]byte("scn:"+id), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteScenario(_ context.Context, id string) error {
	return s.delete([]byte("scn:" + id))
}

func (s *BadgerStore) ListScenarios(ctx context.Context) ([]*ScenarioRecord, error) {
	var list []*ScenarioRecord
	err := s.scan(ctx, []byte("scn:"), func(val []byte) error {
		var rec ScenarioRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		list = append(list, &rec)
		return nil
	})
	return list, err
}

func (s *BadgerStore) PutPackage(_ context.Context, p *Package) error {
	return s.put([]byte("pkg:"+p.ID), p)
}

func (s *BadgerStore) GetPackage(_ context.Context, id string) (*Package, error) {
	var out Package
	ok, err := s.get([]byte("pkg:"+id), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeletePackage(_ context.Context, id string) error {
	return s.delete([]byte("pkg:" + id))
}

func (s *BadgerStore) ListPackages(ctx context.Context) ([]*Package, error) {
	var list []*Package
	err := s.scan(ctx, []byte("pkg:"), func(val []byte) error {
		var p Package
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		list = append(list, &p)
		return nil
	})
	return list, err
}

func (s *BadgerStore) PutCategory(_ context.Context, c *Category) error {
	return s.put([]byte("cat:"+c.ID), c)
}

func (s *BadgerStore) GetCategory(_ context.Context, id string) (*Category, error) {
	var out Category
	ok, err := s.get([]byte("cat:"+id), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteCategory(_ context.Context, id string) error {
	return s.delete([]byte("cat:" + id))
}

func (s *BadgerStore) ListCategories(ctx context.Context, packageID string) ([]*Category, error) {
	var list []*Category
	err := s.scan(ctx, []byte("cat:"), func(val []byte) error {
		var c Category
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		if packageID == "" || c.PackageID == packageID {
			list = append(list, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position != list[j].Position {
			return list[i].Position < list[j].Position
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *BadgerStore) PutTemplate(_ context.Context, t *Template) error {
	return s.put([]byte("tpl:"+t.ID), t)
}

func (s *BadgerStore) GetTemplate(_ context.Context, id string) (*Template, error) {
	var out Template
	ok, err := s.get([]byte("tpl:"+id), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteTemplate(_ context.Context, id string) error {
	return s.delete([]byte("tpl:" + id))
}

func (s *BadgerStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	var list []*Template
	err := s.scan(ctx, []byte("tpl:"), func(val []byte) error {
		var t Template
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		list = append(list, &t)
		return nil
	})
	return list, err
}

var _ Catalog = (*BadgerStore)(nil)
