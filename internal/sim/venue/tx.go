package venue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
)

// Tx is the view one operation gets of a venue. Writes are buffered and only
// reach the store if the operation returns nil.
type Tx struct {
	ctx   context.Context
	venue string
	slot  uint64
	now   time.Time
	store ledger.Store

	writes map[address.Address]*ledger.Account // nil value = delete

	logs    []string
	ret     []byte
	effects []any
}

func newTx(ctx context.Context, venue string, slot uint64, now time.Time, store ledger.Store) *Tx {
	return &Tx{
		ctx:    ctx,
		venue:  venue,
		slot:   slot,
		now:    now,
		store:  store,
		writes: map[address.Address]*ledger.Account{},
	}
}

func (tx *Tx) Context() context.Context { return tx.ctx }
func (tx *Tx) Venue() string            { return tx.venue }
func (tx *Tx) Slot() uint64             { return tx.slot }
func (tx *Tx) Now() time.Time           { return tx.now }

// Get returns the account as seen by this transaction (own writes first).
func (tx *Tx) Get(addr address.Address) (ledger.Account, error) {
	if w, ok := tx.writes[addr]; ok {
		if w == nil {
			return ledger.Account{}, ledger.ErrNotFound
		}
		return w.Clone(), nil
	}
	return tx.store.Get(tx.ctx, addr)
}

func (tx *Tx) Exists(addr address.Address) (bool, error) {
	_, err := tx.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (tx *Tx) Put(a ledger.Account) {
	c := a.Clone()
	tx.writes[a.Address] = &c
}

func (tx *Tx) Delete(addr address.Address) {
	tx.writes[addr] = nil
}

// Emit queues a side effect that is handed back to the submitter only if the
// transaction commits.
func (tx *Tx) Emit(effect any) {
	tx.effects = append(tx.effects, effect)
}

func (tx *Tx) Logf(format string, args ...any) {
	tx.logs = append(tx.logs, fmt.Sprintf(format, args...))
}

func (tx *Tx) SetReturn(b []byte) {
	tx.ret = append([]byte(nil), b...)
}

func (tx *Tx) batch() ledger.Batch {
	b := ledger.Batch{Slot: tx.slot}
	for addr, w := range tx.writes {
		if w == nil {
			b.Deletes = append(b.Deletes, addr)
			continue
		}
		b.Puts = append(b.Puts, *w)
	}
	// Deterministic order for logs and the sqlite write.
	sort.Slice(b.Puts, func(i, j int) bool {
		return bytes.Compare(b.Puts[i].Address[:], b.Puts[j].Address[:]) < 0
	})
	sort.Slice(b.Deletes, func(i, j int) bool {
		return bytes.Compare(b.Deletes[i][:], b.Deletes[j][:]) < 0
	})
	return b
}
