// Package store holds the latest published snapshot.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/dvloznov/risk-monitor/internal/domain"
)

// Store publishes snapshots. Reads never block; writes replace the whole
// snapshot at once and wake subscribers.
type Store struct {
	current atomic.Pointer[domain.Snapshot]
	version atomic.Uint64

	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func New() *Store {
	s := &Store{subs: make(map[int]chan struct{})}
	s.current.Store(&domain.Snapshot{})
	return s
}

// Read returns the current snapshot. Slices are shared with the store and
// must be treated as read-only.
func (s *Store) Read() domain.Snapshot {
	return *s.current.Load()
}

// Version increments on every Write; 0 means nothing was written yet.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Write replaces the visible snapshot and notifies subscribers.
func (s *Store) Write(snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Store(&snap)
	s.version.Add(1)
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// pending notification already covers this write
		}
	}
}

// Subscribe returns a channel that receives a value after writes. Bursts of
// writes coalesce into one notification; receivers call Read for the latest
// state. The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
