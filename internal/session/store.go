// Package session holds parsed invoice records for the duration of a
// processing session. Storage is in-process and expiring: nothing outlives
// the configured TTL, and an expired entry is never served.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/averki/invopipe/internal/invoice"
)

// DefaultTTL matches the two-hour processing window.
const DefaultTTL = 2 * time.Hour

type entry struct {
	record    *invoice.Record
	expiresAt time.Time
}

// Store is a TTL-expiring record store keyed by invoice id. Expiry is
// checked lazily on access; Run adds a background sweep so idle entries
// are released too.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
	logger  *slog.Logger
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Put stores a copy of rec, resetting its expiry window. The store never
// aliases caller memory: records cross its boundary by value.
func (s *Store) Put(rec *invoice.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rec.ID] = entry{record: rec.Clone(), expiresAt: s.now().Add(s.ttl)}
}

// Get returns a copy of the record for id if it exists and has not
// expired. Copies keep readers isolated from concurrent Update calls.
func (s *Store) Get(id string) (*invoice.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, id)
		return nil, false
	}
	return e.record.Clone(), true
}

// Update applies fn to the stored record under the store lock, extending
// the expiry window on success, and returns a copy of the result. The
// second return is false when id is unknown or expired. fn must not
// retain the record past its return.
func (s *Store) Update(id string, fn func(*invoice.Record) error) (*invoice.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, id)
		return nil, false, nil
	}
	if err := fn(e.record); err != nil {
		return nil, true, err
	}
	e.expiresAt = s.now().Add(s.ttl)
	s.entries[id] = e
	return e.record.Clone(), true, nil
}

// Touch extends the expiry window without reading the record.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.expiresAt = s.now().Add(s.ttl)
		s.entries[id] = e
	}
}

// Delete evicts a record immediately.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Records returns copies of all live records ordered by parse time.
func (s *Store) Records() []*invoice.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]*invoice.Record, 0, len(s.entries))
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			continue
		}
		out = append(out, e.record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParsedAt.Before(out[j].ParsedAt) })
	return out
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps periodically until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("evicted expired sessions", "count", n)
			}
		}
	}
}
