package tomo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/sim/venue"
)

// Op is the one-byte instruction discriminator.
type Op uint8

const (
	OpInit Op = iota + 1
	OpDelete
	OpGetCoin
	OpFeed
	OpTriggerItemDrop
	OpUseItem
	OpOpenItemDrop
	OpConsumeRandomness
	OpRandomEvent
	OpConsumeRandomEvent
	OpRandomEventCrank
	OpStartRandomEvents
	OpDelegate
	OpUndelegate
	OpProcessUndelegation
	OpInitAndDelegate
)

var opNames = map[Op]string{
	OpInit:                "init",
	OpDelete:              "delete",
	OpGetCoin:             "get_coin",
	OpFeed:                "feed",
	OpTriggerItemDrop:     "trigger_item_drop",
	OpUseItem:             "use_item",
	OpOpenItemDrop:        "open_item_drop",
	OpConsumeRandomness:   "consume_randomness",
	OpRandomEvent:         "random_event",
	OpConsumeRandomEvent:  "consume_random_event",
	OpRandomEventCrank:    "random_event_crank",
	OpStartRandomEvents:   "start_random_events",
	OpDelegate:            "delegate",
	OpUndelegate:          "undelegate",
	OpProcessUndelegation: "process_undelegation",
	OpInitAndDelegate:     "init_and_delegate",
}

var opsByName = func() map[string]Op {
	m := make(map[string]Op, len(opNames))
	for op, name := range opNames {
		m[name] = op
	}
	return m
}()

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func ParseOp(name string) (Op, bool) {
	op, ok := opsByName[name]
	return op, ok
}

// Callback ops are entry points for collaborators, never for clients.
func (o Op) Callback() bool {
	switch o {
	case OpConsumeRandomness, OpConsumeRandomEvent, OpProcessUndelegation:
		return true
	}
	return false
}

// PrimaryOnly ops always execute on the primary venue.
func (o Op) PrimaryOnly() bool {
	switch o {
	case OpInit, OpInitAndDelegate, OpDelegate, OpProcessUndelegation:
		return true
	}
	return false
}

// Args is the union of every operation's arguments.
type Args struct {
	UID            string
	ClientSeed     uint8
	Index          uint8
	Randomness     [32]byte
	TaskID         uint64
	IntervalMillis uint64
	Iterations     uint64
	Seeds          [][]byte
	Payload        []byte
}

func EncodeData(op Op, a Args) ([]byte, error) {
	b := []byte{byte(op)}
	switch op {
	case OpInit, OpInitAndDelegate, OpDelegate:
		if err := validUID(a.UID); err != nil {
			return nil, err
		}
		b = appendBytes(b, []byte(a.UID))
	case OpDelete, OpGetCoin, OpFeed, OpTriggerItemDrop, OpUndelegate:
	case OpUseItem:
		b = append(b, a.Index)
	case OpOpenItemDrop, OpRandomEvent, OpRandomEventCrank:
		b = append(b, a.ClientSeed)
	case OpConsumeRandomness, OpConsumeRandomEvent:
		b = append(b, a.Randomness[:]...)
	case OpStartRandomEvents:
		b = binary.LittleEndian.AppendUint64(b, a.TaskID)
		b = binary.LittleEndian.AppendUint64(b, a.IntervalMillis)
		b = binary.LittleEndian.AppendUint64(b, a.Iterations)
	case OpProcessUndelegation:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Seeds)))
		for _, s := range a.Seeds {
			b = appendBytes(b, s)
		}
		b = appendBytes(b, a.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrArgument, uint8(op))
	}
	return b, nil
}

func DecodeData(data []byte) (Op, Args, error) {
	var a Args
	if len(data) == 0 {
		return 0, a, fmt.Errorf("%w: empty instruction data", ErrArgument)
	}
	op := Op(data[0])
	d := decoder{b: data[1:]}
	switch op {
	case OpInit, OpInitAndDelegate, OpDelegate:
		a.UID = string(d.bytes())
	case OpDelete, OpGetCoin, OpFeed, OpTriggerItemDrop, OpUndelegate:
	case OpUseItem:
		a.Index = d.u8()
	case OpOpenItemDrop, OpRandomEvent, OpRandomEventCrank:
		a.ClientSeed = d.u8()
	case OpConsumeRandomness, OpConsumeRandomEvent:
		copy(a.Randomness[:], d.take(32))
	case OpStartRandomEvents:
		a.TaskID = d.u64()
		a.IntervalMillis = d.u64()
		a.Iterations = d.u64()
	case OpProcessUndelegation:
		n := d.u32()
		if n > 16 {
			return 0, a, fmt.Errorf("%w: %d seeds", ErrArgument, n)
		}
		for i := uint32(0); i < n && d.err == nil; i++ {
			a.Seeds = append(a.Seeds, d.bytes())
		}
		a.Payload = d.bytes()
	default:
		return 0, a, fmt.Errorf("%w: unknown op %d", ErrArgument, uint8(op))
	}
	if d.err != nil {
		return 0, Args{}, fmt.Errorf("%w: %s: %v", ErrArgument, op, d.err)
	}
	if len(d.b) != 0 {
		return 0, Args{}, fmt.Errorf("%w: %s: %d trailing bytes", ErrArgument, op, len(d.b))
	}
	return op, a, nil
}

// Instruction binds op to creature with the account list the op expects.
func (p *Program) Instruction(op Op, creature address.Address, a Args) (ledger.Instruction, error) {
	if op == OpRandomEventCrank {
		return p.CrankInstruction(creature, a.ClientSeed), nil
	}
	data, err := EncodeData(op, a)
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		Program:  p.cfg.ProgramID,
		Accounts: []ledger.AccountMeta{{Address: creature, IsWritable: true}},
		Data:     data,
	}, nil
}

// CrankInstruction is the fully bound random_event_crank invocation.
func (p *Program) CrankInstruction(creature address.Address, clientSeed uint8) ledger.Instruction {
	return ledger.Instruction{
		Program: p.cfg.ProgramID,
		Accounts: []ledger.AccountMeta{
			{Address: creature, IsWritable: true},
			{Address: p.cfg.OracleQueue, IsWritable: true},
			{Address: p.CompanionAddress(creature), IsWritable: true},
			{Address: p.identity},
			{Address: p.cfg.OracleProgram},
		},
		Data: []byte{byte(OpRandomEventCrank), clientSeed},
	}
}

// Target is the account an instruction is routed by.
func Target(ins ledger.Instruction) (address.Address, error) {
	if len(ins.Accounts) == 0 {
		return address.Zero, fmt.Errorf("%w: instruction has no accounts", ErrArgument)
	}
	return ins.Accounts[0].Address, nil
}

// Process decodes ins and runs the operation it names.
func (p *Program) Process(tx *venue.Tx, c Call, ins ledger.Instruction) error {
	if ins.Program != p.cfg.ProgramID {
		return fmt.Errorf("%w: instruction for program %s", ErrArgument, ins.Program.Short())
	}
	op, a, err := DecodeData(ins.Data)
	if err != nil {
		return err
	}
	target, err := Target(ins)
	if err != nil {
		return err
	}
	switch op {
	case OpInit, OpInitAndDelegate, OpDelegate:
		if err := validUID(a.UID); err != nil {
			return err
		}
		if p.CreatureAddress(a.UID) != target {
			return fmt.Errorf("%w: account does not match uid %q", ErrArgument, a.UID)
		}
	}
	switch op {
	case OpInit:
		return p.Init(tx, c, a.UID)
	case OpInitAndDelegate:
		return p.InitAndDelegate(tx, c, a.UID)
	case OpDelegate:
		return p.Delegate(tx, c, target)
	case OpDelete:
		return p.Delete(tx, c, target)
	case OpGetCoin:
		return p.GetCoin(tx, c, target)
	case OpFeed:
		return p.Feed(tx, c, target)
	case OpTriggerItemDrop:
		return p.TriggerItemDrop(tx, c, target)
	case OpUseItem:
		return p.UseItem(tx, c, target, a.Index)
	case OpOpenItemDrop:
		return p.OpenItemDrop(tx, c, target, a.ClientSeed)
	case OpConsumeRandomness:
		return p.ConsumeRandomness(tx, c, target, a.Randomness)
	case OpRandomEvent:
		return p.RandomEvent(tx, c, target, a.ClientSeed)
	case OpConsumeRandomEvent:
		return p.ConsumeRandomEvent(tx, c, target, a.Randomness)
	case OpRandomEventCrank:
		if len(ins.Accounts) < 3 {
			return fmt.Errorf("%w: crank needs creature, queue and companion", ErrArgument)
		}
		if ins.Accounts[1].Address != p.cfg.OracleQueue {
			return fmt.Errorf("%w: unknown oracle queue", ErrArgument)
		}
		return p.RandomEventCrank(tx, c, target, ins.Accounts[2].Address, a.ClientSeed)
	case OpStartRandomEvents:
		return p.StartRandomEvents(tx, c, target, a.TaskID, a.IntervalMillis, a.Iterations)
	case OpUndelegate:
		return p.Undelegate(tx, c, target)
	case OpProcessUndelegation:
		return p.ProcessUndelegation(tx, c, target, a.Seeds, a.Payload)
	}
	return fmt.Errorf("%w: unhandled op %s", ErrArgument, op)
}

func appendBytes(b, v []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if n < 0 || n > len(d.b) {
		d.err = errors.New("short data")
		return make([]byte, max(n, 0))
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8   { return d.take(1)[0] }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.take(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.take(8)) }

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err == nil && int64(n) > int64(len(d.b)) {
		d.err = fmt.Errorf("length %d exceeds remaining %d", n, len(d.b))
		return nil
	}
	return append([]byte(nil), d.take(int(n))...)
}
