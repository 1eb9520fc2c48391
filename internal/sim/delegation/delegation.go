// Package delegation moves write authority of accounts between the primary
// and the auxiliary venue.
//
// A delegated account has a delegation record at RecordAddress. On the
// primary venue its owner is the delegation program, so the owning program
// sees a locked, stale copy. The auxiliary venue holds the authoritative
// copy (owner restored) next to a replica of the same record.
package delegation

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/sim/venue"
)

var (
	ErrDelegated    = errors.New("account is delegated")
	ErrNotDelegated = errors.New("account is not delegated")
	ErrBadRecord    = errors.New("delegation: corrupt record")
)

const recordSize = address.Size*2 + 8 + 8

// Record remembers who owned an account before it was delegated.
type Record struct {
	Owner       address.Address
	Authority   address.Address
	Slot        uint64
	DelegatedAt int64
}

func (r Record) Encode() []byte {
	b := make([]byte, 0, recordSize)
	b = append(b, r.Owner[:]...)
	b = append(b, r.Authority[:]...)
	b = binary.LittleEndian.AppendUint64(b, r.Slot)
	return binary.LittleEndian.AppendUint64(b, uint64(r.DelegatedAt))
}

func DecodeRecord(b []byte) (Record, error) {
	if len(b) != recordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrBadRecord, len(b))
	}
	var r Record
	copy(r.Owner[:], b[:32])
	copy(r.Authority[:], b[32:64])
	r.Slot = binary.LittleEndian.Uint64(b[64:72])
	r.DelegatedAt = int64(binary.LittleEndian.Uint64(b[72:80]))
	return r, nil
}

// State is what one venue knows about an account.
type State int

const (
	Missing State = iota
	Resident
	// Locked is the primary's frozen copy of a delegated account.
	// On the auxiliary venue it is a sealed copy awaiting its commit.
	Locked
	// Active is the auxiliary venue's authoritative copy.
	Active
)

func (s State) String() string {
	switch s {
	case Resident:
		return "resident"
	case Locked:
		return "locked"
	case Active:
		return "active"
	default:
		return "missing"
	}
}

// Clone asks the cluster to copy freshly locked accounts into the auxiliary venue.
type Clone struct {
	Accounts []ledger.Account
}

// Committed is one account state captured on the auxiliary venue. Slot is
// the record slot of the delegation it closes.
type Committed struct {
	Account ledger.Account
	Seeds   [][]byte
	Slot    uint64
}

// Commit asks the cluster to write captured state back to the primary venue.
type Commit struct {
	Accounts []Committed
}

// Registry operates on one venue's view on behalf of the delegation program.
type Registry struct {
	Program address.Address
}

func (r Registry) RecordAddress(addr address.Address) address.Address {
	return address.Derive(r.Program, []byte("delegation"), addr[:])
}

func (r Registry) Record(tx *venue.Tx, addr address.Address) (Record, bool, error) {
	a, err := tx.Get(r.RecordAddress(addr))
	if errors.Is(err, ledger.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := DecodeRecord(a.Data)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r Registry) State(tx *venue.Tx, addr address.Address) (State, error) {
	a, err := tx.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return Missing, nil
	}
	if err != nil {
		return Missing, err
	}
	_, ok, err := r.Record(tx, addr)
	if err != nil {
		return Missing, err
	}
	switch {
	case !ok:
		return Resident, nil
	case a.Owner == r.Program:
		return Locked, nil
	default:
		return Active, nil
	}
}

// Lock hands addr to the delegation program and returns the accounts the
// auxiliary venue needs (the account with its owner restored, and the record).
func (r Registry) Lock(tx *venue.Tx, addr, authority address.Address) ([]ledger.Account, error) {
	a, err := tx.Get(addr)
	if err != nil {
		return nil, err
	}
	if _, ok, err := r.Record(tx, addr); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrDelegated, addr.Short())
	}
	rec := Record{Owner: a.Owner, Authority: authority, Slot: tx.Slot(), DelegatedAt: tx.Now().Unix()}
	recAcct := ledger.Account{Address: r.RecordAddress(addr), Owner: r.Program, Data: rec.Encode()}

	locked := a.Clone()
	locked.Owner = r.Program
	tx.Put(locked)
	tx.Put(recAcct)
	return []ledger.Account{a.Clone(), recAcct}, nil
}

// Release restores a locked account on the primary venue with committed data.
func (r Registry) Release(tx *venue.Tx, addr address.Address, data []byte) error {
	rec, ok, err := r.Record(tx, addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDelegated, addr.Short())
	}
	tx.Put(ledger.Account{Address: addr, Owner: rec.Owner, Data: data})
	tx.Delete(r.RecordAddress(addr))
	return nil
}

// Seal freezes an active account on the auxiliary venue until its commit
// reaches the primary venue. The sealed copy keeps the final data and the
// record replica, so the intent survives a lost commit or a restart.
func (r Registry) Seal(tx *venue.Tx, addr address.Address) error {
	st, err := r.State(tx, addr)
	if err != nil {
		return err
	}
	if st != Active {
		return fmt.Errorf("%w: %s is %s here", ErrNotDelegated, addr.Short(), st)
	}
	a, err := tx.Get(addr)
	if err != nil {
		return err
	}
	a.Owner = r.Program
	tx.Put(a)
	return nil
}

// Sealed returns a sealed auxiliary copy with its owner restored, and the
// record it was delegated under. ok is false for any other state.
func (r Registry) Sealed(tx *venue.Tx, addr address.Address) (a ledger.Account, rec Record, ok bool, err error) {
	st, err := r.State(tx, addr)
	if err != nil || st != Locked {
		return ledger.Account{}, Record{}, false, err
	}
	a, err = tx.Get(addr)
	if err != nil {
		return ledger.Account{}, Record{}, false, err
	}
	rec, _, err = r.Record(tx, addr)
	if err != nil {
		return ledger.Account{}, Record{}, false, err
	}
	a.Owner = rec.Owner
	return a, rec, true, nil
}

// Drop removes a sealed auxiliary copy once its commit landed. A copy from
// a later delegation (different slot) or one that is active is kept.
func (r Registry) Drop(tx *venue.Tx, addr address.Address, slot uint64) (bool, error) {
	_, rec, ok, err := r.Sealed(tx, addr)
	if err != nil || !ok || rec.Slot != slot {
		return false, err
	}
	tx.Delete(addr)
	tx.Delete(r.RecordAddress(addr))
	return true, nil
}
