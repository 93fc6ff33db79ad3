package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tripmate/realtime/internal/apperr"
	"github.com/tripmate/realtime/internal/match"
)

// Matches is an in-memory match.Store and match.Transactor.
type Matches struct {
	mu   sync.RWMutex
	rows map[string]*match.Match
	seq  []string // insertion order
	tx   txGuard
}

// NewMatches creates an empty match store.
func NewMatches() *Matches {
	return &Matches{rows: make(map[string]*match.Match)}
}

// WithTx runs fn with exclusive access to compound writes.
func (s *Matches) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.run(ctx, fn)
}

func (s *Matches) Get(_ context.Context, id string) (*match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[id]
	if !ok {
		return nil, apperr.NotFound("match.get", "match not found")
	}
	return copyMatch(m), nil
}

func (s *Matches) Find(_ context.Context, f match.Filter) ([]match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []match.Match{}
	for _, id := range s.seq {
		m := s.rows[id]
		if f.Matches(m) {
			out = append(out, *copyMatch(m))
		}
	}
	return out, nil
}

func (s *Matches) Insert(_ context.Context, m *match.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[m.ID]; ok {
		return apperr.Conflict("match.insert", "match id already exists")
	}
	s.rows[m.ID] = copyMatch(m)
	s.seq = append(s.seq, m.ID)
	return nil
}

func (s *Matches) Transition(_ context.Context, id string, from, to match.Status, respondedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok || m.Status != from || m.IsBlocked {
		return apperr.NotFound("match.transition", "no "+string(from)+" match to update")
	}
	m.Status = to
	m.RespondedAt = &respondedAt
	return nil
}

func (s *Matches) Delete(_ context.Context, f match.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.seq[:0]
	n := 0
	for _, id := range s.seq {
		if f.Matches(s.rows[id]) {
			delete(s.rows, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.seq = kept
	return n, nil
}

func (s *Matches) SetBlocked(_ context.Context, f match.Filter, blocked bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.seq {
		m := s.rows[id]
		if f.Matches(m) {
			m.IsBlocked = blocked
			n++
		}
	}
	return n, nil
}

func (s *Matches) Counterparts(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	out := []string{}
	for _, id := range s.seq {
		m := s.rows[id]
		if !m.Involves(userID) {
			continue
		}
		other := m.Counterpart(userID)
		if !seen[other] {
			seen[other] = true
			out = append(out, other)
		}
	}
	return out, nil
}

func copyMatch(m *match.Match) *match.Match {
	c := *m
	if m.RespondedAt != nil {
		t := *m.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}
