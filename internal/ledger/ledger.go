// Package ledger holds the account model shared by every execution venue.
package ledger

import (
	"context"
	"errors"

	"tomo.ai/internal/ledger/address"
)

var ErrNotFound = errors.New("account not found")

// Account is one addressed entry. Owner is the program allowed to write Data.
type Account struct {
	Address address.Address `json:"address"`
	Owner   address.Address `json:"owner"`
	Data    []byte          `json:"data"`
}

func (a Account) Clone() Account {
	out := a
	out.Data = append([]byte(nil), a.Data...)
	return out
}

// Batch is the write set of one committed transaction.
// Deletes are applied after puts.
type Batch struct {
	Slot    uint64
	Puts    []Account
	Deletes []address.Address
}

func (b Batch) Empty() bool { return len(b.Puts) == 0 && len(b.Deletes) == 0 }

// Store persists accounts for a single venue. Apply must be all-or-nothing.
type Store interface {
	Get(ctx context.Context, addr address.Address) (Account, error)
	Apply(ctx context.Context, b Batch) error
	List(ctx context.Context) ([]Account, error)
	Close() error
}
