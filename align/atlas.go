package align

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// AtlasStore hands out leases on the current atlas. An atlas is never
// modified; Swap installs a replacement and waits for the old one to drain.
type AtlasStore struct {
	mu      sync.Mutex
	current *atlasEntry
	closed  bool
}

type atlasEntry struct {
	atlas   *Atlas
	version int
	leases  int
	drained chan struct{} // closed once retired and unleased
	retired bool
}

// AtlasLease pins one atlas version until Release is called
type AtlasLease struct {
	store *AtlasStore
	entry *atlasEntry
	once  sync.Once
}

// NewAtlasStore creates a store serving atlas
func NewAtlasStore(atlas *Atlas) *AtlasStore {
	return &AtlasStore{current: newAtlasEntry(atlas, 1)}
}

func newAtlasEntry(atlas *Atlas, version int) *atlasEntry {
	return &atlasEntry{atlas: atlas, version: version, drained: make(chan struct{})}
}

// Acquire leases the current atlas
func (s *AtlasStore) Acquire() (*AtlasLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current == nil {
		return nil, ErrAtlasClosed
	}
	s.current.leases++
	return &AtlasLease{store: s, entry: s.current}, nil
}

// Atlas returns the leased atlas
func (l *AtlasLease) Atlas() *Atlas { return l.entry.atlas }

// Version is the store version the lease was taken on, starting at 1
func (l *AtlasLease) Version() int { return l.entry.version }

// Release returns the lease; further calls do nothing
func (l *AtlasLease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		l.entry.leases--
		if l.entry.retired && l.entry.leases == 0 {
			close(l.entry.drained)
		}
	})
}

// Swap makes next the atlas for future acquisitions and blocks until every
// lease on the previous atlas is released or ctx ends. Runs already holding
// the old atlas complete on it.
func (s *AtlasStore) Swap(ctx context.Context, next *Atlas) error {
	if next == nil {
		return fmt.Errorf("swap atlas: %w: nil atlas", ErrInputGeometry)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAtlasClosed
	}
	old := s.current
	version := 1
	if old != nil {
		version = old.version + 1
	}
	s.current = newAtlasEntry(next, version)
	drained := s.retire(old)
	s.mu.Unlock()

	log.Info().Int("version", version).Msg("atlas swapped")
	return s.wait(ctx, drained)
}

// Close stops new acquisitions and waits for outstanding leases
func (s *AtlasStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	drained := s.retire(s.current)
	s.current = nil
	s.mu.Unlock()
	return s.wait(ctx, drained)
}

// Version returns the version of the atlas new leases get, 0 once closed
func (s *AtlasStore) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.version
}

// retire marks e for draining; callers hold s.mu
func (s *AtlasStore) retire(e *atlasEntry) <-chan struct{} {
	if e == nil {
		return nil
	}
	e.retired = true
	if e.leases == 0 {
		close(e.drained)
	}
	return e.drained
}

func (s *AtlasStore) wait(ctx context.Context, drained <-chan struct{}) error {
	if drained == nil {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for atlas leases: %w", ctx.Err())
	}
}
