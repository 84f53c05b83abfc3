// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
)

// codeEntry tracks one authorization code. Its state is the authoritative
// code state; the Code field of the stored grant is only a template.
type codeEntry struct {
	grantID     string
	expiresAt   time.Time
	state       atomic.Int32
	exchangedAt atomic.Int64
}

func (e *codeEntry) transition(from, to grant.CodeState) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

func (e *codeEntry) load() grant.CodeState {
	return grant.CodeState(e.state.Load())
}

// MemoryStore implements GrantStore with in-memory maps. It is safe for
// concurrent use and suitable for single-replica deployments and tests.
//
// Code exchange does not take the write lock: the ISSUED to EXCHANGED step
// is a compare-and-swap on the code entry, so concurrent exchanges of
// different codes never serialize.
type MemoryStore struct {
	mu sync.RWMutex

	// grants maps grant ID -> grant. Tokens inside are owned by the store.
	grants map[string]*grant.Grant

	// codes maps code value -> entry.
	codes map[string]*codeEntry

	// tokens maps token value -> token pointer inside its grant.
	// Expired tokens are removed by SweepExpired.
	tokens map[string]*grant.Token

	clock clock.PassiveClock

	// cleanupInterval is how often the background sweep runs; zero disables it.
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often expired entries are swept. Zero disables
// the background sweep.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithClock sets the clock used by the background sweep.
func WithClock(c clock.PassiveClock) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.clock = c
	}
}

// NewMemoryStore creates a MemoryStore and starts the background sweep.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		grants:          make(map[string]*grant.Grant),
		codes:           make(map[string]*codeEntry),
		tokens:          make(map[string]*grant.Token),
		clock:           clock.RealClock{},
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}
	return s
}

// Put implements GrantStore.
func (s *MemoryStore) Put(_ context.Context, g *grant.Grant) error {
	stored, err := PrepareGrant(g)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[stored.ID]; exists {
		return Duplicate("grant " + stored.ID)
	}
	if stored.Code != nil {
		if _, exists := s.codes[stored.Code.Value]; exists {
			return Duplicate("authorization code")
		}
	}
	for _, t := range stored.Tokens {
		if _, exists := s.tokens[t.Value]; exists {
			return Duplicate("token value")
		}
	}

	s.grants[stored.ID] = stored
	if stored.Code != nil {
		entry := &codeEntry{grantID: stored.ID, expiresAt: stored.Code.ExpiresAt}
		entry.state.Store(int32(stored.Code.State))
		if !stored.Code.ExchangedAt.IsZero() {
			entry.exchangedAt.Store(stored.Code.ExchangedAt.UnixNano())
		}
		s.codes[stored.Code.Value] = entry
	}
	for _, t := range stored.Tokens {
		s.tokens[t.Value] = t
	}

	logger.Debugw("stored grant", "grant_id", stored.ID, "grant_type", stored.Type, "client_id", stored.ClientID)
	return nil
}

// Get implements GrantStore.
func (s *MemoryStore) Get(_ context.Context, id string) (*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, GrantNotFound(id)
	}
	return s.snapshot(g), nil
}

// FindByCode implements GrantStore.
func (s *MemoryStore) FindByCode(_ context.Context, code string) (*grant.Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil, false, nil
	}
	return s.snapshot(s.grants[entry.grantID]), true, nil
}

// FindByToken implements GrantStore.
func (s *MemoryStore) FindByToken(_ context.Context, value string) (*TokenRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, false, nil
	}
	g := s.snapshot(s.grants[t.GrantID])
	tok, _ := g.Token(value)
	return &TokenRecord{Token: tok, Grant: g}, true, nil
}

// ExchangeCode implements GrantStore.
func (s *MemoryStore) ExchangeCode(_ context.Context, code string, now time.Time) (*grant.Grant, error) {
	s.mu.RLock()
	entry, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, grantErrors.New(grantErrors.TypeNotFound, "authorization code not found", nil)
	}

	if !now.Before(entry.expiresAt) {
		entry.transition(grant.CodeIssued, grant.CodeExpired)
	}
	if !entry.transition(grant.CodeIssued, grant.CodeExchanged) {
		return nil, entry.load().Err()
	}
	entry.exchangedAt.Store(now.UnixNano())

	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.snapshot(s.grants[entry.grantID])
	logger.Debugw("exchanged authorization code", "grant_id", g.ID, "client_id", g.ClientID)
	return g, nil
}

// AppendTokens implements GrantStore.
func (s *MemoryStore) AppendTokens(_ context.Context, grantID string, tokens ...*grant.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok {
		return GrantNotFound(grantID)
	}
	if err := s.checkAppend(g, tokens); err != nil {
		return err
	}
	s.appendLocked(g, tokens)
	return nil
}

// RotateRefreshToken implements GrantStore.
func (s *MemoryStore) RotateRefreshToken(
	_ context.Context, value string, now time.Time, replacements ...*grant.Token,
) (*grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[value]
	if !ok {
		return nil, grantErrors.New(grantErrors.TypeNotFound, "refresh token not found", nil)
	}
	g := s.grants[old.GrantID]
	if err := CheckRotation(g, old, now); err != nil {
		return nil, err
	}
	if err := s.checkAppend(g, replacements); err != nil {
		return nil, err
	}

	old.Revoke(now)
	old.Rotated = true
	s.appendLocked(g, replacements)
	return s.snapshot(g), nil
}

// Revoke implements GrantStore.
func (s *MemoryStore) Revoke(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.grants[id]; ok {
		if g.Revoke(now) {
			logger.Debugw("revoked grant", "grant_id", g.ID, "tokens", len(g.Tokens))
		}
		if g.Code != nil {
			if entry, ok := s.codes[g.Code.Value]; ok {
				entry.transition(grant.CodeIssued, grant.CodeRevoked)
			}
		}
		return nil
	}
	if t, ok := s.tokens[id]; ok {
		t.Revoke(now)
		return nil
	}
	if entry, ok := s.codes[id]; ok {
		entry.transition(grant.CodeIssued, grant.CodeRevoked)
		return nil
	}
	return grantErrors.New(grantErrors.TypeNotFound, "nothing to revoke", nil)
}

// SweepExpired implements GrantStore.
// Uses collect-then-delete: candidates are collected under the read lock and
// removed under the write lock after re-checking them.
func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) ([]Expired, error) {
	var expired []Expired

	s.mu.RLock()
	var staleTokens []string
	for value, t := range s.tokens {
		if t.Expired(now) {
			staleTokens = append(staleTokens, value)
		}
	}
	for value, entry := range s.codes {
		if !now.Before(entry.expiresAt) && entry.transition(grant.CodeIssued, grant.CodeExpired) {
			expired = append(expired, Expired{
				Kind:        EntryCode,
				GrantID:     entry.grantID,
				Fingerprint: Fingerprint(value),
				ExpiresAt:   entry.expiresAt,
			})
		}
	}
	s.mu.RUnlock()

	if len(staleTokens) == 0 {
		return expired, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, value := range staleTokens {
		t, ok := s.tokens[value]
		if !ok {
			continue
		}
		if !t.Revoked {
			expired = append(expired, Expired{
				Kind:        string(t.Kind),
				GrantID:     t.GrantID,
				Fingerprint: Fingerprint(value),
				ExpiresAt:   t.ExpiresAt,
			})
		}
		delete(s.tokens, value)
	}
	return expired, nil
}

// Health implements GrantStore.
func (*MemoryStore) Health(context.Context) error {
	return nil
}

// Close stops the background sweep. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

// Stats returns the number of grants, codes and indexed tokens.
func (s *MemoryStore) Stats() (grants, codes, tokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants), len(s.codes), len(s.tokens)
}

// cleanupLoop runs periodic sweeps of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			expired, _ := s.SweepExpired(context.Background(), s.clock.Now())
			if len(expired) > 0 {
				logger.Debugw("swept expired entries", "count", len(expired))
			}
		}
	}
}

// checkAppend must be called with s.mu held.
func (s *MemoryStore) checkAppend(g *grant.Grant, tokens []*grant.Token) error {
	for _, t := range tokens {
		if _, exists := s.tokens[t.Value]; exists {
			return Duplicate("token value")
		}
	}
	return PrepareAppend(g, tokens)
}

// appendLocked must be called with s.mu held for writing, after checkAppend.
func (s *MemoryStore) appendLocked(g *grant.Grant, tokens []*grant.Token) {
	for _, t := range tokens {
		c := t.Clone()
		_ = g.AppendToken(c)
		s.tokens[c.Value] = c
	}
}

// snapshot returns a copy of g with the authoritative code state.
// Must be called with s.mu held.
func (s *MemoryStore) snapshot(g *grant.Grant) *grant.Grant {
	c := g.Clone()
	if c.Code != nil {
		if entry, ok := s.codes[c.Code.Value]; ok {
			c.Code.State = entry.load()
			if ns := entry.exchangedAt.Load(); ns != 0 {
				c.Code.ExchangedAt = time.Unix(0, ns).UTC()
			}
		}
	}
	return c
}

var _ GrantStore = (*MemoryStore)(nil)
