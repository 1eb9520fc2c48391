package tomo

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/protocol"
	"tomo.ai/internal/sim/delegation"
	"tomo.ai/internal/sim/oracle"
	"tomo.ai/internal/sim/scheduler"
	"tomo.ai/internal/sim/tomo/record"
	"tomo.ai/internal/sim/tuning"
	"tomo.ai/internal/sim/venue"
)

var (
	alice = address.Named("user/alice")
	bob   = address.Named("user/bob")
)

type harness struct {
	t *testing.T
	p *Program
	v *venue.Venue
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	v := venue.New(venue.Config{
		ID:  "primary",
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}, ledger.NewMemStore(), venue.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = v.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-v.Done()
	})
	return &harness{t: t, p: New(cfg), v: v}
}

func (h *harness) exec(fn func(tx *venue.Tx) error) (venue.Receipt, error) {
	return h.v.Execute(context.Background(), "test", fn)
}

func (h *harness) must(fn func(tx *venue.Tx) error) venue.Receipt {
	h.t.Helper()
	r, err := h.exec(fn)
	if err != nil {
		h.t.Fatalf("exec: %v", err)
	}
	return r
}

func (h *harness) creature(addr address.Address) record.Creature {
	h.t.Helper()
	a, err := h.v.Get(context.Background(), addr)
	if err != nil {
		h.t.Fatalf("get %s: %v", addr.Short(), err)
	}
	c, err := h.p.DecodeCreature(a)
	if err != nil {
		h.t.Fatalf("decode: %v", err)
	}
	return c
}

func (h *harness) init(uid string, owner address.Address) address.Address {
	h.t.Helper()
	h.must(func(tx *venue.Tx) error { return h.p.Init(tx, Call{Signer: owner}, uid) })
	return h.p.CreatureAddress(uid)
}

func randomness(v uint64) [32]byte {
	var r [32]byte
	binary.LittleEndian.PutUint64(r[:8], v)
	return r
}

func TestCreatureLifecycleScenario(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p := h.p
	addr := h.init("alice", alice)

	c := h.creature(addr)
	if c.Owner != alice || c.Hunger != 100 || c.Coins != 0 || c.ItemDrop || c.Inventory != [8]uint8{} {
		t.Fatalf("after init: %+v", c)
	}
	if c.LastFed != 1_700_000_000 {
		t.Fatalf("lastFed=%d", c.LastFed)
	}

	for i := 0; i < 10; i++ {
		h.must(func(tx *venue.Tx) error { return p.GetCoin(tx, Call{Signer: bob}, addr) })
	}
	h.must(func(tx *venue.Tx) error { return p.Feed(tx, Call{Signer: alice}, addr) })
	if c = h.creature(addr); c.Coins != 0 || c.Hunger != 70 {
		t.Fatalf("after feed: %+v", c)
	}

	_, err := h.exec(func(tx *venue.Tx) error { return p.Feed(tx, Call{Signer: alice}, addr) })
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("second feed err=%v", err)
	}
	if c = h.creature(addr); c.Coins != 0 || c.Hunger != 70 {
		t.Fatalf("failed feed mutated record: %+v", c)
	}

	h.must(func(tx *venue.Tx) error { return p.TriggerItemDrop(tx, Call{}, addr) })
	r := h.must(func(tx *venue.Tx) error { return p.OpenItemDrop(tx, Call{Signer: alice}, addr, 42) })
	if len(r.Effects) != 1 {
		t.Fatalf("effects=%v", r.Effects)
	}
	req, ok := r.Effects[0].(oracle.Request)
	if !ok {
		t.Fatalf("effect %T", r.Effects[0])
	}
	cfg := p.Config()
	if req.Requester != p.Identity() || req.Payer != alice || req.Queue != cfg.OracleQueue {
		t.Fatalf("request identities: %+v", req)
	}
	if req.CallbackProgram != cfg.ProgramID || req.CallbackData[0] != byte(OpConsumeRandomness) {
		t.Fatalf("callback: %+v", req)
	}
	if req.Seed[0] != 42 || req.Seed[31] != 42 {
		t.Fatalf("seed=%v", req.Seed)
	}
	if len(req.Accounts) != 1 || req.Accounts[0] != (ledger.AccountMeta{Address: addr, IsWritable: true}) {
		t.Fatalf("accounts=%v", req.Accounts)
	}

	oracleCall := Call{Signer: cfg.OracleIdentity}
	h.must(func(tx *venue.Tx) error { return p.ConsumeRandomness(tx, oracleCall, addr, randomness(2)) })
	c = h.creature(addr)
	if c.Inventory != [8]uint8{3} || c.ItemDrop {
		t.Fatalf("after consume: %+v", c)
	}

	r = h.must(func(tx *venue.Tx) error { return p.UseItem(tx, Call{}, addr, 0) })
	if len(r.Return) != 1 || r.Return[0] != 3 {
		t.Fatalf("use_item return=%v", r.Return)
	}
	if c = h.creature(addr); c.Inventory != [8]uint8{} {
		t.Fatalf("after use_item: %v", c.Inventory)
	}
}

func TestInitRejections(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.init("alice", alice)

	cases := []struct {
		uid  string
		call Call
		want error
	}{
		{"alice", Call{Signer: bob}, ErrAlreadyExists},
		{"", Call{Signer: bob}, ErrArgument},
		{"0123456789abcdef0123456789abcdefX", Call{Signer: bob}, ErrArgument},
		{"bob", Call{}, ErrUnauthorized},
	}
	for _, tc := range cases {
		_, err := h.exec(func(tx *venue.Tx) error { return h.p.Init(tx, tc.call, tc.uid) })
		if !errors.Is(err, tc.want) {
			t.Fatalf("init %q: err=%v want %v", tc.uid, err, tc.want)
		}
	}
	if c := h.creature(h.p.CreatureAddress("alice")); c.Owner != alice {
		t.Fatalf("duplicate init changed owner")
	}
}

func TestInitKeepsExistingCompanion(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.p.CreatureAddress("alice")
	comp := h.p.CompanionAddress(addr)
	h.must(func(tx *venue.Tx) error {
		tx.Put(ledger.Account{Address: comp, Owner: h.p.ID(), Data: record.EncodeCompanion(record.Companion{Initialized: true})})
		return nil
	})
	h.init("alice", alice)
	if _, err := h.v.Get(context.Background(), comp); err != nil {
		t.Fatalf("companion: %v", err)
	}
}

func TestCallbacksRequireOracleIdentity(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	h.must(func(tx *venue.Tx) error { return h.p.TriggerItemDrop(tx, Call{}, addr) })

	for _, signer := range []address.Address{alice, h.p.Identity(), address.Zero} {
		_, err := h.exec(func(tx *venue.Tx) error {
			return h.p.ConsumeRandomness(tx, Call{Signer: signer}, addr, randomness(0))
		})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("consume_randomness from %s: %v", signer.Short(), err)
		}
		_, err = h.exec(func(tx *venue.Tx) error {
			return h.p.ConsumeRandomEvent(tx, Call{Signer: signer}, addr, randomness(0))
		})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("consume_random_event from %s: %v", signer.Short(), err)
		}
	}
	if c := h.creature(addr); !c.ItemDrop || c.Inventory != [8]uint8{} {
		t.Fatalf("rejected callback mutated record: %+v", c)
	}
}

func TestConsumeRandomnessFullInventoryDiscards(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	full := [8]uint8{1, 2, 3, 4, 1, 2, 3, 4}
	h.must(func(tx *venue.Tx) error {
		c, err := h.p.loadCreature(tx, addr)
		if err != nil {
			return err
		}
		c.Inventory = full
		c.ItemDrop = true
		return h.p.storeCreature(tx, addr, c)
	})
	oracleCall := Call{Signer: h.p.Config().OracleIdentity}
	h.must(func(tx *venue.Tx) error { return h.p.ConsumeRandomness(tx, oracleCall, addr, randomness(1)) })
	if c := h.creature(addr); c.ItemDrop || c.Inventory != full {
		t.Fatalf("full inventory: %+v", c)
	}
}

func TestConsumeRandomnessFillsLowestEmptySlot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	h.must(func(tx *venue.Tx) error {
		c, _ := h.p.loadCreature(tx, addr)
		c.Inventory = [8]uint8{4, 0, 2, 0}
		return h.p.storeCreature(tx, addr, c)
	})
	oracleCall := Call{Signer: h.p.Config().OracleIdentity}
	h.must(func(tx *venue.Tx) error { return h.p.ConsumeRandomness(tx, oracleCall, addr, randomness(0)) })
	if c := h.creature(addr); c.Inventory != [8]uint8{4, 1, 2, 0} {
		t.Fatalf("inventory=%v", c.Inventory)
	}
}

func TestUseItemInvalidIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	before := h.creature(addr)
	for _, idx := range []uint8{0, 7, 8, 255} {
		r, err := h.exec(func(tx *venue.Tx) error { return h.p.UseItem(tx, Call{}, addr, idx) })
		if err != nil {
			t.Fatalf("use_item(%d): %v", idx, err)
		}
		if len(r.Logs) == 0 || len(r.Return) != 0 {
			t.Fatalf("use_item(%d) logs=%v return=%v", idx, r.Logs, r.Return)
		}
	}
	if after := h.creature(addr); after != before {
		t.Fatalf("record changed: %+v", after)
	}
}

func TestConsumeRandomEventThreshold(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	oracleCall := Call{Signer: h.p.Config().OracleIdentity}

	h.must(func(tx *venue.Tx) error { return h.p.ConsumeRandomEvent(tx, oracleCall, addr, randomness(20)) })
	if h.creature(addr).ItemDrop {
		t.Fatalf("roll 21 should not drop")
	}
	h.must(func(tx *venue.Tx) error { return h.p.ConsumeRandomEvent(tx, oracleCall, addr, randomness(19)) })
	if !h.creature(addr).ItemDrop {
		t.Fatalf("roll 20 should drop")
	}
	h.must(func(tx *venue.Tx) error { return h.p.ConsumeRandomEvent(tx, oracleCall, addr, randomness(0)) })
	h.must(func(tx *venue.Tx) error { return h.p.ConsumeRandomEvent(tx, oracleCall, addr, randomness(50)) })
	if !h.creature(addr).ItemDrop {
		t.Fatalf("drop flag should stay set")
	}
}

func TestCrankAuthorizedByCompanion(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	comp := h.p.CompanionAddress(addr)
	before := h.creature(addr)

	_, err := h.exec(func(tx *venue.Tx) error {
		return h.p.RandomEventCrank(tx, Call{}, addr, h.p.CompanionAddress(h.p.CreatureAddress("bob")), 0)
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign companion: %v", err)
	}

	// At-least-once delivery: every run only issues another request.
	for i := 0; i < 2; i++ {
		r := h.must(func(tx *venue.Tx) error { return h.p.RandomEventCrank(tx, Call{}, addr, comp, 0) })
		req := r.Effects[0].(oracle.Request)
		if req.Requester != comp || req.Payer != comp {
			t.Fatalf("crank identities: %+v", req)
		}
		if req.CallbackData[0] != byte(OpConsumeRandomEvent) {
			t.Fatalf("crank callback=%v", req.CallbackData)
		}
	}
	if after := h.creature(addr); after != before {
		t.Fatalf("crank mutated record")
	}
}

func TestStartRandomEvents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)

	r := h.must(func(tx *venue.Tx) error { return h.p.StartRandomEvents(tx, Call{Signer: alice}, addr, 7, 1000, 3) })
	task, ok := r.Effects[0].(scheduler.Task)
	if !ok {
		t.Fatalf("effect %T", r.Effects[0])
	}
	if task.ID != 7 || task.IntervalMillis != 1000 || task.Iterations != 3 || task.Authority != alice {
		t.Fatalf("task=%+v", task)
	}
	want := h.p.CrankInstruction(addr, 0)
	if len(task.Instruction.Accounts) != 5 || task.Instruction.Accounts[2].Address != h.p.CompanionAddress(addr) {
		t.Fatalf("bound accounts=%v", task.Instruction.Accounts)
	}
	if string(task.Instruction.Data) != string(want.Data) {
		t.Fatalf("bound data=%v", task.Instruction.Data)
	}

	for _, args := range [][2]uint64{{0, 3}, {1000, 0}} {
		_, err := h.exec(func(tx *venue.Tx) error {
			return h.p.StartRandomEvents(tx, Call{Signer: alice}, addr, 7, args[0], args[1])
		})
		if !errors.Is(err, ErrArgument) {
			t.Fatalf("args %v: %v", args, err)
		}
	}

	cfg := DefaultConfig()
	cfg.MaxTaskPayload = 64
	small := newHarness(t, cfg)
	addr = small.init("alice", alice)
	_, err := small.exec(func(tx *venue.Tx) error {
		return small.p.StartRandomEvents(tx, Call{Signer: alice}, addr, 1, 1000, 1)
	})
	if !errors.Is(err, ErrArgument) {
		t.Fatalf("oversized payload: %v", err)
	}
}

func TestDeleteRequiresOwner(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	comp := h.p.CompanionAddress(addr)

	_, err := h.exec(func(tx *venue.Tx) error { return h.p.Delete(tx, Call{Signer: bob}, addr) })
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("delete by bob: %v", err)
	}
	h.must(func(tx *venue.Tx) error { return h.p.Delete(tx, Call{Signer: alice}, addr) })
	for _, a := range []address.Address{addr, comp} {
		if _, err := h.v.Get(context.Background(), a); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("%s still present: %v", a.Short(), err)
		}
	}
	// uid is free again.
	h.init("alice", bob)
}

func TestDelegateLocksPrimaryCopy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	comp := h.p.CompanionAddress(addr)

	r := h.must(func(tx *venue.Tx) error { return h.p.Delegate(tx, Call{Signer: alice}, addr) })
	clone, ok := r.Effects[0].(delegation.Clone)
	if !ok || len(clone.Accounts) != 4 {
		t.Fatalf("clone effect: %+v", r.Effects)
	}
	if clone.Accounts[0].Owner != h.p.ID() {
		t.Fatalf("clone should carry the program as owner")
	}
	for _, a := range []address.Address{addr, comp} {
		acct, err := h.v.Get(context.Background(), a)
		if err != nil || acct.Owner != h.p.Config().DelegationProgram {
			t.Fatalf("%s not locked: %+v %v", a.Short(), acct.Owner, err)
		}
	}

	for name, fn := range map[string]func(tx *venue.Tx) error{
		"feed":       func(tx *venue.Tx) error { return h.p.Feed(tx, Call{}, addr) },
		"get_coin":   func(tx *venue.Tx) error { return h.p.GetCoin(tx, Call{}, addr) },
		"delegate":   func(tx *venue.Tx) error { return h.p.Delegate(tx, Call{Signer: alice}, addr) },
		"delete":     func(tx *venue.Tx) error { return h.p.Delete(tx, Call{Signer: alice}, addr) },
		"undelegate": func(tx *venue.Tx) error { return h.p.Undelegate(tx, Call{Signer: alice}, addr) },
	} {
		if _, err := h.exec(fn); !errors.Is(err, ErrDelegated) {
			t.Fatalf("%s on locked copy: %v", name, err)
		}
	}
	// Stale reads still decode.
	if c := h.creature(addr); c.UID != "alice" {
		t.Fatalf("stale read: %+v", c)
	}
}

func TestDelegateRepairsPartialPair(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	comp := h.p.CompanionAddress(addr)
	h.must(func(tx *venue.Tx) error {
		_, err := h.p.Registry().Lock(tx, addr, alice)
		return err
	})

	r := h.must(func(tx *venue.Tx) error { return h.p.Delegate(tx, Call{Signer: alice}, addr) })
	clone := r.Effects[0].(delegation.Clone)
	if len(clone.Accounts) != 2 || clone.Accounts[0].Address != comp {
		t.Fatalf("repair clone: %+v", clone.Accounts)
	}
}

func TestProcessUndelegation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	h.must(func(tx *venue.Tx) error { return h.p.Delegate(tx, Call{Signer: alice}, addr) })

	c := h.creature(addr)
	c.Coins = 5
	data, _ := record.EncodeCreature(c)
	seeds := creatureSeeds("alice")
	dp := Call{Signer: h.p.Config().DelegationProgram}

	if _, err := h.exec(func(tx *venue.Tx) error { return h.p.ProcessUndelegation(tx, Call{Signer: alice}, addr, seeds, data) }); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non delegation signer: %v", err)
	}
	if _, err := h.exec(func(tx *venue.Tx) error { return h.p.ProcessUndelegation(tx, dp, addr, creatureSeeds("bob"), data) }); !errors.Is(err, ErrArgument) {
		t.Fatalf("wrong seeds: %v", err)
	}
	h.must(func(tx *venue.Tx) error { return h.p.ProcessUndelegation(tx, dp, addr, seeds, data) })

	acct, _ := h.v.Get(context.Background(), addr)
	if acct.Owner != h.p.ID() {
		t.Fatalf("owner not restored")
	}
	if got := h.creature(addr); got.Coins != 5 {
		t.Fatalf("committed data not applied: %+v", got)
	}
	if _, err := h.exec(func(tx *venue.Tx) error { return h.p.ProcessUndelegation(tx, dp, addr, seeds, data) }); !errors.Is(err, ErrNotDelegated) {
		t.Fatalf("second restore: %v", err)
	}
}

func TestUndelegateSealsActiveCopies(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	addr := h.init("alice", alice)
	comp := h.p.CompanionAddress(addr)
	r := h.must(func(tx *venue.Tx) error { return h.p.Delegate(tx, Call{Signer: alice}, addr) })
	clone := r.Effects[0].(delegation.Clone)
	window := r.Slot

	aux := newHarness(t, DefaultConfig())
	aux.must(func(tx *venue.Tx) error {
		for _, a := range clone.Accounts {
			tx.Put(a)
		}
		return nil
	})
	aux.must(func(tx *venue.Tx) error { return aux.p.GetCoin(tx, Call{}, addr) })

	r = aux.must(func(tx *venue.Tx) error { return aux.p.Undelegate(tx, Call{Signer: alice}, addr) })
	commit, ok := r.Effects[0].(delegation.Commit)
	if !ok || len(commit.Accounts) != 2 {
		t.Fatalf("commit effect: %+v", r.Effects)
	}
	first := commit.Accounts[0]
	if first.Account.Address != addr || first.Account.Owner != h.p.ID() || first.Slot != window {
		t.Fatalf("committed creature: %+v", first)
	}
	if address.Derive(h.p.ID(), first.Seeds...) != addr || address.Derive(h.p.ID(), commit.Accounts[1].Seeds...) != comp {
		t.Fatalf("seeds do not derive the committed accounts")
	}
	if c, _ := record.DecodeCreature(first.Account.Data); c.Coins != 1 {
		t.Fatalf("committed coins=%d", c.Coins)
	}

	// The sealed copy refuses writes until the commit lands.
	for name, fn := range map[string]func(tx *venue.Tx) error{
		"get_coin":   func(tx *venue.Tx) error { return aux.p.GetCoin(tx, Call{}, addr) },
		"undelegate": func(tx *venue.Tx) error { return aux.p.Undelegate(tx, Call{Signer: alice}, addr) },
	} {
		if _, err := aux.exec(fn); !errors.Is(err, ErrDelegated) {
			t.Fatalf("%s on sealed copy: %v", name, err)
		}
	}
	var again delegation.Commit
	aux.must(func(tx *venue.Tx) error {
		c, err := aux.p.Sealed(tx, addr)
		again = c
		return err
	})
	if len(again.Accounts) != 2 || again.Accounts[0].Slot != first.Slot {
		t.Fatalf("sealed commit: %+v", again)
	}
}

func TestApplyTuningKeepsFullItemRange(t *testing.T) {
	tune := tuning.Defaults()
	tune.Loot.ItemCodeMax = 256
	cfg := DefaultConfig()
	cfg.ApplyTuning(tune)
	if cfg.Loot.ItemMax != 256 {
		t.Fatalf("item max=%d", cfg.Loot.ItemMax)
	}
	if got := cfg.Loot.ItemCode(randomness(254)); got != 255 {
		t.Fatalf("code=%d, want 255", got)
	}
}

func TestReservedIdentities(t *testing.T) {
	p := New(DefaultConfig())
	cfg := p.Config()
	for _, id := range []address.Address{cfg.OracleIdentity, cfg.SchedulerIdentity, cfg.DelegationProgram, cfg.ProgramID, p.Identity()} {
		if !p.Reserved(id) {
			t.Fatalf("%s should be reserved", id.Short())
		}
	}
	if p.Reserved(alice) {
		t.Fatalf("user identity reserved")
	}
}

func TestCodeMapping(t *testing.T) {
	cases := map[error]string{
		nil:                  "",
		ErrInsufficientFunds: protocol.ErrNoResource,
		ErrUnauthorized:      protocol.ErrNoPermission,
		ErrAlreadyExists:     protocol.ErrConflict,
		ErrArgument:          protocol.ErrBadRequest,
		ErrNotFound:          protocol.ErrInvalidTarget,
		ErrDelegated:         protocol.ErrStale,
		ErrNotDelegated:      protocol.ErrStale,
		venue.ErrStopped:     protocol.ErrVenueUnavailable,
		errors.New("boom"):   protocol.ErrInternal,
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v)=%q want %q", err, got, want)
		}
	}
	if got := Code(errors.Join(errors.New("ctx"), ErrDelegated)); got != protocol.ErrStale {
		t.Fatalf("wrapped: %q", got)
	}
}
