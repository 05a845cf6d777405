package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/sorbentlab/lcrd/internal/models"
)

var ErrNotFound = errors.New("measurement not found")

// Journal records every validated measurement locally so the operator can
// review recent results and re-drive persistence after a sink failure.
type Journal interface {
	Save(ctx context.Context, m *models.ValidatedMeasurement) error
	Get(ctx context.Context, id string) (*models.ValidatedMeasurement, error)
	Recent(ctx context.Context, limit int) ([]*models.ValidatedMeasurement, error)
	Close() error
}

// BadgerJournal implements Journal with Badger.
type BadgerJournal struct {
	db *badger.DB
}

func NewBadgerJournal(path string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // badger's own logging is noise here
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for bench-side installs
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerJournal{db: db}, nil
}

func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

func measurementKey(id string) []byte {
	return []byte("measurement:" + id)
}

func (j *BadgerJournal) Save(ctx context.Context, m *models.ValidatedMeasurement) error {
	if m.ID == "" {
		return errors.New("journal: measurement id is required")
	}
	return j.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.Set(measurementKey(m.ID), data)
	})
}

func (j *BadgerJournal) Get(ctx context.Context, id string) (*models.ValidatedMeasurement, error) {
	var out models.ValidatedMeasurement
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(measurementKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Recent returns up to limit measurements, newest first. Bench sessions
// hold at most a few hundred entries, so a scan-and-sort is fine.
func (j *BadgerJournal) Recent(ctx context.Context, limit int) ([]*models.ValidatedMeasurement, error) {
	if limit <= 0 {
		limit = 20
	}
	var all []*models.ValidatedMeasurement
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("measurement:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.ValidatedMeasurement
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return err
			}
			all = append(all, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

var _ Journal = (*BadgerJournal)(nil)
