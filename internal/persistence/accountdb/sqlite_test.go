package accountdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
)

func TestSQLiteStore_ApplyGetList(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "primary.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	owner := address.Named("tomo")
	a := address.Derive(owner, []byte("tomo1"), []byte("alice"))
	b := address.Derive(owner, []byte("crank_payer"), a[:])

	if err := s.Apply(ctx, ledger.Batch{Slot: 3, Puts: []ledger.Account{
		{Address: a, Owner: owner, Data: []byte{1, 2, 3}},
		{Address: b, Owner: owner, Data: []byte{1}},
	}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(ctx, ledger.Batch{Slot: 4, Deletes: []address.Address{b}}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	got, err := s.Get(ctx, a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != owner || string(got.Data) != string([]byte{1, 2, 3}) {
		t.Fatalf("row mismatch: %+v", got)
	}
	if _, err := s.Get(ctx, b); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := s.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: n=%d err=%v", len(all), err)
	}
	if slot, err := s.LastSlot(ctx); err != nil || slot != 4 {
		t.Fatalf("last slot: %d err=%v", slot, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Durable across reopen.
	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Get(ctx, a); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}
