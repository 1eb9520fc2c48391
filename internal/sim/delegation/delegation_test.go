package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/sim/venue"
)

func startVenue(t *testing.T, id string) *venue.Venue {
	t.Helper()
	v := venue.New(venue.Config{ID: id, Now: func() time.Time { return time.Unix(100, 0) }}, ledger.NewMemStore(), venue.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = v.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-v.Done()
	})
	return v
}

func TestLockCloneSealRelease(t *testing.T) {
	ctx := context.Background()
	reg := Registry{Program: address.Named("delegation")}
	prog := address.Named("program")
	addr := address.Named("account")
	user := address.Named("user")

	primary := startVenue(t, "primary")
	aux := startVenue(t, "aux")

	state := func(v *venue.Venue) State {
		t.Helper()
		var st State
		if err := v.View(ctx, func(tx *venue.Tx) error {
			s, err := reg.State(tx, addr)
			st = s
			return err
		}); err != nil {
			t.Fatalf("state: %v", err)
		}
		return st
	}

	if _, err := primary.Execute(ctx, "put", func(tx *venue.Tx) error {
		tx.Put(ledger.Account{Address: addr, Owner: prog, Data: []byte("v1")})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if st := state(primary); st != Resident {
		t.Fatalf("state=%s", st)
	}

	var cloned []ledger.Account
	if _, err := primary.Execute(ctx, "lock", func(tx *venue.Tx) error {
		a, err := reg.Lock(tx, addr, user)
		cloned = a
		return err
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if st := state(primary); st != Locked {
		t.Fatalf("primary state=%s", st)
	}
	if _, err := primary.Execute(ctx, "relock", func(tx *venue.Tx) error {
		_, err := reg.Lock(tx, addr, user)
		return err
	}); !errors.Is(err, ErrDelegated) {
		t.Fatalf("relock: %v", err)
	}

	if _, err := aux.Execute(ctx, "clone", func(tx *venue.Tx) error {
		for _, a := range cloned {
			tx.Put(a)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if st := state(aux); st != Active {
		t.Fatalf("aux state=%s", st)
	}

	if _, err := aux.Execute(ctx, "seal", func(tx *venue.Tx) error {
		return reg.Seal(tx, addr)
	}); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if st := state(aux); st != Locked {
		t.Fatalf("aux after seal=%s", st)
	}
	var captured ledger.Account
	var window Record
	if err := aux.View(ctx, func(tx *venue.Tx) error {
		a, rec, ok, err := reg.Sealed(tx, addr)
		if err == nil && !ok {
			err = errors.New("not sealed")
		}
		captured, window = a, rec
		return err
	}); err != nil {
		t.Fatalf("sealed: %v", err)
	}
	if captured.Owner != prog || window.Authority != user {
		t.Fatalf("captured=%+v record=%+v", captured, window)
	}

	if _, err := primary.Execute(ctx, "release", func(tx *venue.Tx) error {
		return reg.Release(tx, addr, captured.Data)
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	a, err := primary.Get(ctx, addr)
	if err != nil || a.Owner != prog || string(a.Data) != "v1" {
		t.Fatalf("released account=%+v err=%v", a, err)
	}
	if _, err := primary.Get(ctx, reg.RecordAddress(addr)); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("record still present: %v", err)
	}

	drop := func(slot uint64) bool {
		t.Helper()
		var dropped bool
		if _, err := aux.Execute(ctx, "drop", func(tx *venue.Tx) error {
			d, err := reg.Drop(tx, addr, slot)
			dropped = d
			return err
		}); err != nil {
			t.Fatalf("drop: %v", err)
		}
		return dropped
	}
	if drop(window.Slot + 1) {
		t.Fatalf("dropped a copy from another delegation")
	}
	if !drop(window.Slot) {
		t.Fatalf("sealed copy not dropped")
	}
	if st := state(aux); st != Missing {
		t.Fatalf("aux after drop=%s", st)
	}
	if drop(window.Slot) {
		t.Fatalf("second drop should be a no-op")
	}
}

func TestSealRequiresActiveCopy(t *testing.T) {
	ctx := context.Background()
	reg := Registry{Program: address.Named("delegation")}
	addr := address.Named("account")
	v := startVenue(t, "aux")

	if _, err := v.Execute(ctx, "put", func(tx *venue.Tx) error {
		tx.Put(ledger.Account{Address: addr, Owner: address.Named("program"), Data: []byte("v1")})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Execute(ctx, "seal", func(tx *venue.Tx) error {
		return reg.Seal(tx, addr)
	}); !errors.Is(err, ErrNotDelegated) {
		t.Fatalf("seal resident: %v", err)
	}
}

func TestRecordEncoding(t *testing.T) {
	r := Record{Owner: address.Named("p"), Authority: address.Named("u"), Slot: 9, DelegatedAt: -5}
	got, err := DecodeRecord(r.Encode())
	if err != nil || got != r {
		t.Fatalf("record=%+v err=%v", got, err)
	}
	if _, err := DecodeRecord([]byte{1, 2}); !errors.Is(err, ErrBadRecord) {
		t.Fatalf("short record: %v", err)
	}
}
