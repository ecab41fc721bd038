package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/klear-broker/pkg/apperr"
)

type verifierEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process local Store used by tests and single node demos.
type MemoryStore struct {
	mu        sync.Mutex
	creds     map[string]Credential
	verifiers map[string]verifierEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:     make(map[string]Credential),
		verifiers: make(map[string]verifierEntry),
	}
}

func key(userID, broker string) string {
	return userID + "|" + broker
}

func (s *MemoryStore) Get(_ context.Context, userID, broker string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[key(userID, broker)]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	c.UpdatedAt = time.Now()
	s.creds[key(cred.UserID, cred.Broker)] = c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, broker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, key(userID, broker))
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, userID, broker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(userID, broker)
	if cred, ok := s.creds[k]; ok {
		cred.Active = false
		s.creds[k] = cred
	}
	return nil
}

func (s *MemoryStore) SaveVerifier(_ context.Context, userID, broker, verifier string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.verifiers[key(userID, broker)] = verifierEntry{value: verifier, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) TakeVerifier(_ context.Context, userID, broker string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(userID, broker)
	entry, ok := s.verifiers[k]
	if !ok {
		return "", apperr.New(apperr.KindMissingVerifier, "no PKCE verifier found, restart the connection flow")
	}
	delete(s.verifiers, k)

	if !now.Before(entry.expiresAt) {
		return "", apperr.New(apperr.KindMissingVerifier, "PKCE verifier expired, restart the connection flow")
	}
	return entry.value, nil
}

func (s *MemoryStore) SweepVerifiers(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, entry := range s.verifiers {
		if !now.Before(entry.expiresAt) {
			delete(s.verifiers, k)
			n++
		}
	}
	return n, nil
}

// VerifierExpiry reports the expiry of the live verifier for the pair, if any.
func (s *MemoryStore) VerifierExpiry(userID, broker string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.verifiers[key(userID, broker)]
	return entry.expiresAt, ok
}
