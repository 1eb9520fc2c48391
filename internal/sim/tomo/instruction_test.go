package tomo

import (
	"errors"
	"testing"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/sim/venue"
)

func TestInstructionCodec(t *testing.T) {
	cases := []struct {
		op   Op
		args Args
	}{
		{OpInit, Args{UID: "alice"}},
		{OpUseItem, Args{Index: 3}},
		{OpStartRandomEvents, Args{TaskID: 1, IntervalMillis: 500, Iterations: 9}},
		{OpProcessUndelegation, Args{Seeds: [][]byte{[]byte("tomo1"), []byte("alice")}, Payload: []byte{1, 2}}},
	}
	for _, tc := range cases {
		data, err := EncodeData(tc.op, tc.args)
		if err != nil {
			t.Fatalf("%s encode: %v", tc.op, err)
		}
		op, got, err := DecodeData(data)
		if err != nil || op != tc.op {
			t.Fatalf("%s decode: op=%s err=%v", tc.op, op, err)
		}
		if got.UID != tc.args.UID || got.Index != tc.args.Index || got.IntervalMillis != tc.args.IntervalMillis || len(got.Seeds) != len(tc.args.Seeds) {
			t.Fatalf("%s args=%+v", tc.op, got)
		}
	}
}

func TestDecodeRejectsMalformedData(t *testing.T) {
	bad := [][]byte{
		nil,
		{0},
		{200},
		{byte(OpUseItem)},
		{byte(OpUseItem), 1, 2},
		{byte(OpInit), 0xff, 0xff, 0, 0, 'a'},
		{byte(OpConsumeRandomness), 1, 2, 3},
	}
	for _, data := range bad {
		if _, _, err := DecodeData(data); !errors.Is(err, ErrArgument) {
			t.Fatalf("DecodeData(%v): err=%v", data, err)
		}
	}
}

func TestOpNames(t *testing.T) {
	for op, name := range opNames {
		got, ok := ParseOp(name)
		if !ok || got != op || op.String() != name {
			t.Fatalf("op %d name %q", op, name)
		}
	}
	if !OpConsumeRandomness.Callback() || !OpProcessUndelegation.Callback() || OpFeed.Callback() {
		t.Fatalf("callback classification")
	}
}

func TestProcessDispatchesInstruction(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p := h.p
	addr := p.CreatureAddress("alice")

	ins, err := p.Instruction(OpInit, addr, Args{UID: "alice"})
	if err != nil {
		t.Fatalf("instruction: %v", err)
	}
	h.must(func(tx *venue.Tx) error { return p.Process(tx, Call{Signer: alice}, ins) })

	coin, _ := p.Instruction(OpGetCoin, addr, Args{})
	h.must(func(tx *venue.Tx) error { return p.Process(tx, Call{}, coin) })
	if c := h.creature(addr); c.Coins != 1 {
		t.Fatalf("coins=%d", c.Coins)
	}

	crank, _ := p.Instruction(OpRandomEventCrank, addr, Args{})
	r := h.must(func(tx *venue.Tx) error { return p.Process(tx, Call{}, crank) })
	if len(r.Effects) != 1 {
		t.Fatalf("crank effects=%v", r.Effects)
	}

	mismatch, _ := p.Instruction(OpInit, p.CreatureAddress("bob"), Args{UID: "carol"})
	if _, err := h.exec(func(tx *venue.Tx) error { return p.Process(tx, Call{Signer: alice}, mismatch) }); !errors.Is(err, ErrArgument) {
		t.Fatalf("uid mismatch: %v", err)
	}

	foreign := coin.Clone()
	foreign.Program = p.Config().OracleProgram
	if _, err := h.exec(func(tx *venue.Tx) error { return p.Process(tx, Call{}, foreign) }); !errors.Is(err, ErrArgument) {
		t.Fatalf("foreign program: %v", err)
	}

	empty := ledger.Instruction{Program: p.ID(), Data: coin.Data}
	if _, err := h.exec(func(tx *venue.Tx) error { return p.Process(tx, Call{}, empty) }); !errors.Is(err, ErrArgument) {
		t.Fatalf("no accounts: %v", err)
	}
}
