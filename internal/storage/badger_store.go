package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrStaleGeneration rejects a write whose generation does not advance
	// past the stored record. Benign: the caller's watch will redeliver.
	ErrStaleGeneration = errors.New("stale generation")
)

// Filter selects desktops by desired state and/or phase. The zero value
// matches everything.
type Filter struct {
	Desired models.DesiredState
	Phase   models.Phase
}

// Matches reports whether the desktop satisfies the filter.
func (f Filter) Matches(d *models.Desktop) bool {
	if f.Desired != "" && d.Desired != f.Desired {
		return false
	}
	if f.Phase != "" && d.Phase != f.Phase {
		return false
	}
	return true
}

// Store is the durable record of desired and observed desktop state. It is
// the single source of truth shared by the API shim, the controller, and
// the router.
type Store interface {
	// Put creates or updates the record keyed by d.ID. The write must carry
	// a generation strictly greater than the stored one (writers submit
	// readGeneration+1); otherwise ErrStaleGeneration and nothing changes.
	// Every accepted Put appends exactly one event to the watch log.
	Put(ctx context.Context, d *models.Desktop) error
	Get(ctx context.Context, id string) (*models.Desktop, error)
	List(ctx context.Context, f Filter) ([]*models.Desktop, error)
	// Delete physically reaps the record and emits a delete event.
	// Deleting an absent id succeeds.
	Delete(ctx context.Context, id string) error
	// Watch replays the event log from resume (exclusive) and then streams
	// live changes matching f. Events for one id are always in order.
	Watch(ctx context.Context, f Filter, resume uint64) (<-chan Event, error)
	// LastSeq returns the sequence of the most recently appended event.
	LastSeq() uint64
	Close() error
}

const (
	desktopPrefix = "desktop:"
	eventPrefix   = "event:"

	// eventLogWindow bounds the persisted watch log; older events are
	// pruned and a resume token below the window replays from the earliest
	// retained event.
	eventLogWindow = 100_000
)

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	// writeMu serializes Put/Delete so event sequence numbers match commit
	// order and per-id ordering holds across the log.
	writeMu sync.Mutex
	seq     uint64

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
	pumps sync.WaitGroup

	closed chan struct{}
}

func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &BadgerStore{
		db:     db,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		closed: make(chan struct{}),
	}
	if err := s.recoverSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close signals every watch pump, waits for them to exit, then closes the
// DB. The wait matters: a pump mid-read would otherwise hit a closed DB
// and Badger panics rather than erroring.
func (s *BadgerStore) Close() error {
	s.subMu.Lock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.subMu.Unlock()
	s.pumps.Wait()
	return s.db.Close()
}

func desktopKey(id string) []byte {
	return []byte(desktopPrefix + id)
}

func eventKey(seq uint64) []byte {
	k := make([]byte, len(eventPrefix)+8)
	copy(k, eventPrefix)
	binary.BigEndian.PutUint64(k[len(eventPrefix):], seq)
	return k
}

// recoverSeq walks the event log tail to resume sequence numbering after a
// restart.
func (s *BadgerStore) recoverSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek to the end of the event keyspace.
		seek := eventKey(^uint64(0))
		for it.Seek(seek); it.ValidForPrefix([]byte(eventPrefix)); {
			key := it.Item().Key()
			s.seq = binary.BigEndian.Uint64(key[len(eventPrefix):])
			return nil
		}
		return nil
	})
}

func (s *BadgerStore) LastSeq() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.seq
}

func (s *BadgerStore) Put(ctx context.Context, d *models.Desktop) error {
	if d.ID == "" {
		return errors.New("desktop id required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := d.Clone()
	rec.UpdatedAt = time.Now().UTC()
	next := s.seq + 1

	err := s.db.Update(func(txn *badger.Txn) error {
		var prev *models.Desktop
		item, err := txn.Get(desktopKey(rec.ID))
		switch {
		case err == badger.ErrKeyNotFound:
			if rec.Generation == 0 {
				return ErrStaleGeneration
			}
		case err != nil:
			return err
		default:
			var stored models.Desktop
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &stored)
			}); err != nil {
				return err
			}
			if rec.Generation <= stored.Generation {
				return ErrStaleGeneration
			}
			prev = &stored
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(desktopKey(rec.ID), data); err != nil {
			return err
		}
		ev := Event{Seq: next, Type: EventPut, Desktop: rec, Prev: prev}
		evData, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := txn.Set(eventKey(next), evData); err != nil {
			return err
		}
		if next > eventLogWindow {
			// Prune outside the retained window; missing keys are fine.
			_ = txn.Delete(eventKey(next - eventLogWindow))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.seq = next
	s.notify()
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*models.Desktop, error) {
	var out models.Desktop
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(desktopKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
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

func (s *BadgerStore) List(ctx context.Context, f Filter) ([]*models.Desktop, error) {
	var out []*models.Desktop
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(desktopPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d models.Desktop
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			if f.Matches(&d) {
				out = append(out, d.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var last *models.Desktop
	next := s.seq + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(desktopKey(id))
		if err == badger.ErrKeyNotFound {
			last = nil
			return nil
		}
		if err != nil {
			return err
		}
		var stored models.Desktop
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &stored)
		}); err != nil {
			return err
		}
		last = &stored
		if err := txn.Delete(desktopKey(id)); err != nil {
			return err
		}
		ev := Event{Seq: next, Type: EventDelete, Desktop: &stored}
		evData, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return txn.Set(eventKey(next), evData)
	})
	if err != nil {
		return err
	}
	if last == nil {
		return nil // already absent
	}
	s.seq = next
	s.notify()
	return nil
}
