package venue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/persistence/snapshot"
)

type memTxLog struct {
	mu      sync.Mutex
	entries []TxLogEntry
}

func (m *memTxLog) WriteTx(e TxLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func startVenue(t *testing.T, cfg Config, store ledger.Store, opts Options) *Venue {
	t.Helper()
	v := New(cfg, store, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = v.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-v.Done()
	})
	return v
}

func TestExecute_FailedTxLeavesNoWrites(t *testing.T) {
	store := ledger.NewMemStore()
	txlog := &memTxLog{}
	v := startVenue(t, Config{ID: "primary"}, store, Options{TxLoggers: []TxLogger{txlog}})
	ctx := context.Background()
	a := address.Named("a")

	boom := errors.New("boom")
	_, err := v.Execute(ctx, "fail", func(tx *Tx) error {
		tx.Put(ledger.Account{Address: a, Data: []byte{1}})
		tx.Emit("effect")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.Get(ctx, a); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("failed tx leaked a write: %v", err)
	}

	r, err := v.Execute(ctx, "ok", func(tx *Tx) error {
		tx.Put(ledger.Account{Address: a, Data: []byte{2}})
		tx.Emit("effect")
		tx.Logf("wrote %s", a.Short())
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.Slot != 2 || len(r.Effects) != 1 || len(r.Logs) != 1 {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	got, err := v.Get(ctx, a)
	if err != nil || got.Data[0] != 2 {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	txlog.mu.Lock()
	defer txlog.mu.Unlock()
	if len(txlog.entries) != 2 || txlog.entries[0].OK || !txlog.entries[1].OK {
		t.Fatalf("tx log mismatch: %+v", txlog.entries)
	}
}

func TestTx_ReadYourWritesAndDelete(t *testing.T) {
	v := startVenue(t, Config{ID: "aux"}, ledger.NewMemStore(), Options{})
	a := address.Named("a")
	_, err := v.Execute(context.Background(), "rw", func(tx *Tx) error {
		tx.Put(ledger.Account{Address: a, Data: []byte{1}})
		if ok, _ := tx.Exists(a); !ok {
			t.Errorf("own write not visible")
		}
		tx.Delete(a)
		if ok, _ := tx.Exists(a); ok {
			t.Errorf("own delete not visible")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := v.Get(context.Background(), a); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected deleted, got %v", err)
	}
}

func TestExecute_SerializesConcurrentWriters(t *testing.T) {
	v := startVenue(t, Config{ID: "primary"}, ledger.NewMemStore(), Options{})
	ctx := context.Background()
	a := address.Named("counter")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Execute(ctx, "inc", func(tx *Tx) error {
				cur, err := tx.Get(a)
				if errors.Is(err, ledger.ErrNotFound) {
					cur = ledger.Account{Address: a, Data: []byte{0}}
				} else if err != nil {
					return err
				}
				cur.Data[0]++
				tx.Put(cur)
				return nil
			})
			if err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()
	got, _ := v.Get(ctx, a)
	if got.Data[0] != n {
		t.Fatalf("expected %d, got %d", n, got.Data[0])
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	sink := make(chan snapshot.SnapshotV1, 4)
	fixed := time.Unix(1700000000, 0)
	v := startVenue(t, Config{ID: "aux", SnapshotEverySlots: 2, Now: func() time.Time { return fixed }}, ledger.NewMemStore(), Options{SnapshotSink: sink})
	for i := 0; i < 2; i++ {
		if _, err := v.Execute(context.Background(), "noop", func(tx *Tx) error { return nil }); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	select {
	case s := <-sink:
		if s.Header.Slot != 2 || s.Header.VenueID != "aux" || s.Header.TakenAt != fixed.Unix() {
			t.Fatalf("snapshot header: %+v", s.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	v := New(Config{ID: "x"}, ledger.NewMemStore(), Options{})
	done := make(chan struct{})
	go func() { _ = v.Run(context.Background()); close(done) }()
	v.Stop()
	<-done
	if _, err := v.Execute(context.Background(), "late", func(tx *Tx) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestExecute_KeepsReceiptWhenCallerGivesUp(t *testing.T) {
	store := ledger.NewMemStore()
	v := startVenue(t, Config{ID: "aux"}, store, Options{})
	a := address.Named("a")

	ctx, cancel := context.WithCancel(context.Background())
	r, err := v.Execute(ctx, "slow", func(tx *Tx) error {
		tx.Put(ledger.Account{Address: a, Data: []byte{1}})
		tx.Emit("commit")
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(r.Effects) != 1 || r.Effects[0] != "commit" {
		t.Fatalf("effects=%v", r.Effects)
	}
	if _, err := store.Get(context.Background(), a); err != nil {
		t.Fatalf("write lost: %v", err)
	}

	if _, err := v.Execute(ctx, "dead", func(tx *Tx) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("dead ctx: %v", err)
	}
}
