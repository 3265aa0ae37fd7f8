package storage

import (
	"context"
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/models"
)

// EventType discriminates watch events.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is one change in the store's append-only log. Desktop is a whole-
// record snapshot taken at commit time, so consumers never observe a torn
// record. Prev is the record before the write, nil for creates.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	Desktop *models.Desktop `json:"desktop"`
	Prev    *models.Desktop `json:"prev,omitempty"`
}

// matches applies the watch filter to either side of the change, so a
// subscriber filtering on a phase still sees the event that leaves it.
func (e Event) matches(f Filter) bool {
	if e.Desktop != nil && f.Matches(e.Desktop) {
		return true
	}
	return e.Prev != nil && f.Matches(e.Prev)
}

// subscriber pumps the persisted log into a consumer channel. It reads
// directly from the log rather than from an in-memory fan-out buffer, so a
// slow consumer can never lose events, only lag behind.
type subscriber struct {
	filter Filter
	next   uint64
	out    chan Event
	wake   chan struct{}
}

func (s *BadgerStore) Watch(ctx context.Context, f Filter, resume uint64) (<-chan Event, error) {
	sub := &subscriber{
		filter: f,
		next:   resume + 1,
		out:    make(chan Event, 64),
		wake:   make(chan struct{}, 1),
	}

	s.subMu.Lock()
	select {
	case <-s.closed:
		s.subMu.Unlock()
		close(sub.out)
		return sub.out, nil
	default:
	}
	s.subs[sub] = struct{}{}
	s.pumps.Add(1)
	s.subMu.Unlock()

	go s.pump(ctx, sub)
	return sub.out, nil
}

// notify pokes every subscriber that new log entries exist. Non-blocking:
// the wake channel carries no data, only the fact that the tail moved.
func (s *BadgerStore) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (s *BadgerStore) pump(ctx context.Context, sub *subscriber) {
	defer func() {
		s.subMu.Lock()
		delete(s.subs, sub)
		s.subMu.Unlock()
		close(sub.out)
		s.pumps.Done()
	}()

	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		default:
		}
		batch, err := s.readLog(sub.next, 128)
		if err != nil {
			s.logger.Error("watch log read failed", zap.Error(err))
			return
		}
		for _, ev := range batch {
			sub.next = ev.Seq + 1
			if !ev.matches(sub.filter) {
				continue
			}
			select {
			case sub.out <- ev:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-sub.wake:
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// readLog returns up to limit events with seq >= from, in sequence order.
func (s *BadgerStore) readLog(from uint64, limit int) ([]Event, error) {
	var out []Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(eventPrefix)
		for it.Seek(eventKey(from)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var ev Event
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
