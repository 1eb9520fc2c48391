package ledger

import (
	"context"
	"errors"
	"testing"

	"tomo.ai/internal/ledger/address"
)

func TestMemStore_ApplyPutsThenDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := address.Named("a")
	b := address.Named("b")
	owner := address.Named("prog")

	if err := s.Apply(ctx, Batch{Slot: 1, Puts: []Account{{Address: a, Owner: owner, Data: []byte{1}}, {Address: b, Owner: owner}}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(ctx, Batch{Slot: 2, Puts: []Account{{Address: a, Owner: owner, Data: []byte{2}}}, Deletes: []address.Address{b}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := s.Get(ctx, a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Data) != 1 || got.Data[0] != 2 {
		t.Fatalf("unexpected data: %v", got.Data)
	}
	if _, err := s.Get(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, _ := s.List(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 account, got %d", len(all))
	}
}

func TestMemStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := address.Named("a")
	_ = s.Apply(ctx, Batch{Puts: []Account{{Address: a, Data: []byte{7}}}})
	got, _ := s.Get(ctx, a)
	got.Data[0] = 9
	again, _ := s.Get(ctx, a)
	if again.Data[0] != 7 {
		t.Fatalf("store aliased caller buffer")
	}
}
