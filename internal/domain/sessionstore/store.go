// Package sessionstore defines the persistence contract for account session state.
package sessionstore

import (
	"context"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
)

// Keys persisted across restarts.
const (
	KeyActiveLoginID = "active_loginid"
	KeyClientTokens  = "client_tokens"
)

// Store is a small key/value API owned by the embedding application.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes key; removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// EncodeCredentials serialises tokens for KeyClientTokens.
func EncodeCredentials(creds []schema.Credential) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", errs.New("sessionstore", errs.CodeInvalid, errs.WithMessage("encode credentials"), errs.WithCause(err))
	}
	return string(data), nil
}

// DecodeCredentials parses a KeyClientTokens value.
func DecodeCredentials(raw string) ([]schema.Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var creds []schema.Credential
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, errs.New("sessionstore", errs.CodeInvalid, errs.WithMessage("decode credentials"), errs.WithCause(err))
	}
	out := creds[:0]
	for _, cred := range creds {
		if strings.TrimSpace(cred.Token) != "" {
			out = append(out, cred)
		}
	}
	return out, nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: sync.RWMutex{}, values: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
