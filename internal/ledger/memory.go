package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"tomo.ai/internal/ledger/address"
)

// MemStore keeps accounts in memory. The auxiliary venue runs on it.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[address.Address]Account
}

func NewMemStore() *MemStore {
	return &MemStore{accounts: map[address.Address]Account{}}
}

// Load replaces the contents, e.g. when resuming from a snapshot.
func (s *MemStore) Load(accts []Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[address.Address]Account, len(accts))
	for _, a := range accts {
		s.accounts[a.Address] = a.Clone()
	}
}

func (s *MemStore) Get(_ context.Context, addr address.Address) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[addr]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemStore) Apply(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range b.Puts {
		s.accounts[a.Address] = a.Clone()
	}
	for _, addr := range b.Deletes {
		delete(s.accounts, addr)
	}
	return nil
}

func (s *MemStore) List(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

func (s *MemStore) Close() error { return nil }
