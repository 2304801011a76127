package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned by Get/GetByUser when no proposal with the given
// ID exists.
var ErrNotFound = errors.New("proposal: not found")

// ErrForbidden is returned when a proposal is fetched on behalf of a
// user_id that does not own it.
var ErrForbidden = errors.New("proposal: not owned by caller")

// Persistence is the contract ProposalEngine depends on. Store (whole-file
// JSON) and SQLiteStore (per-record) both implement it; either satisfies
// Property 5 (persistence round-trip).
type Persistence interface {
	Add(p *Proposal) error
	Get(id string) (*Proposal, error)
	GetByUser(id string, userID int64) (*Proposal, error)
	Update(id string, fn func(p *Proposal) error) error
	ListPending(userID int64) []*Proposal
	ListAll(userID int64) []*Proposal
	CountPending(userID int64) int
	CleanupExpired(now time.Time) (int, error)
}

var _ Persistence = (*Store)(nil)

// Store is the persistent, indexed collection of proposals described in
// the specification's ProposalStore contract: the entire collection is
// serialized as a pretty JSON array on every mutation, tolerating absence
// on cold start. Parse failure on load is treated as a fatal
// configuration error here rather than silently discarded history — see
// DESIGN.md for the rationale.
type Store struct {
	mu        sync.RWMutex
	path      string
	proposals map[string]*Proposal
	byUser    map[int64][]string // insertion order preserved
	logger    *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger overrides the store's logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// persistedFile is the on-disk shape of proposals.json: a bare JSON array,
// per the specification's persisted-state section.
type persistedFile = []*Proposal

// NewStore opens (or initializes) a file-backed Store at
// "{dataDir}/proposals.json".
func NewStore(dataDir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("proposal: create data dir: %w", err)
	}
	s := &Store{
		path:      filepath.Join(dataDir, "proposals.json"),
		proposals: make(map[string]*Proposal),
		byUser:    make(map[int64][]string),
		logger:    slog.Default().With("component", "proposal.store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // cold start
	}
	if err != nil {
		return fmt.Errorf("proposal: read store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var records persistedFile
	if err := json.Unmarshal(data, &records); err != nil {
		// A conservative store refuses to start on corruption rather than
		// silently discarding history: an operator must look at the file.
		return fmt.Errorf("proposal: corrupt store at %s, refusing to start: %w", s.path, err)
	}
	for _, p := range records {
		s.proposals[p.ID] = p
		s.byUser[p.UserID] = append(s.byUser[p.UserID], p.ID)
	}
	return nil
}

// flush serializes the full collection as a pretty JSON array, each user's
// proposals in insertion order so load rebuilds the same per-user order.
// Caller must hold s.mu for writing.
func (s *Store) flush() error {
	records := make(persistedFile, 0, len(s.proposals))
	for _, ids := range s.byUser {
		for _, id := range ids {
			if p := s.proposals[id]; p != nil {
				records = append(records, p)
			}
		}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("proposal: marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tmp-proposals-*")
	if err != nil {
		return fmt.Errorf("proposal: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("proposal: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("proposal: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("proposal: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("proposal: rename into place: %w", err)
	}
	return nil
}

// Add inserts proposal, updates the per-user index, and flushes to disk.
func (s *Store) Add(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p
	s.byUser[p.UserID] = append(s.byUser[p.UserID], p.ID)
	return s.flush()
}

// cloneProposal returns a shallow copy of p, so callers can read its
// fields without racing a concurrent Update holding s.mu for writing.
func cloneProposal(p *Proposal) *Proposal {
	cp := *p
	return &cp
}

// Get returns a copy of the proposal with id, regardless of owner.
func (s *Store) Get(id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProposal(p), nil
}

// GetByUser returns the proposal with id, enforcing that it belongs to
// userID.
func (s *Store) GetByUser(id string, userID int64) (*Proposal, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

// Update atomically applies fn to the proposal with id and flushes the
// result. fn is called with the store's write lock held; it must not
// re-enter the store.
func (s *Store) Update(id string, fn func(p *Proposal) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(p); err != nil {
		return err
	}
	return s.flush()
}

// ListPending returns copies of userID's pending proposals in creation
// order.
func (s *Store) ListPending(userID int64) []*Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Proposal
	for _, id := range s.byUser[userID] {
		if p := s.proposals[id]; p != nil && p.Status == StatusPending {
			out = append(out, cloneProposal(p))
		}
	}
	return out
}

// ListAll returns copies of every proposal owned by userID in creation
// order.
func (s *Store) ListAll(userID int64) []*Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Proposal, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		if p := s.proposals[id]; p != nil {
			out = append(out, cloneProposal(p))
		}
	}
	return out
}

// CountPending returns the number of pending proposals owned by userID.
func (s *Store) CountPending(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, id := range s.byUser[userID] {
		if p := s.proposals[id]; p != nil && p.Status == StatusPending {
			count++
		}
	}
	return count
}

// CleanupExpired removes every non-pending proposal whose UpdatedAt is
// older than CleanupDays relative to now, returning the count removed.
func (s *Store) CleanupExpired(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -CleanupDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.proposals {
		if p.Status == StatusPending {
			continue
		}
		if p.UpdatedAt.Before(cutoff) {
			delete(s.proposals, id)
			s.removeFromIndexLocked(p.UserID, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.flush(); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) removeFromIndexLocked(userID int64, id string) {
	ids := s.byUser[userID]
	for i, candidate := range ids {
		if candidate == id {
			s.byUser[userID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
