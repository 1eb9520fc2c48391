// Package record defines the creature and companion account layouts.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"tomo.ai/internal/ledger/address"
)

const (
	MaxUIDLen     = 32
	InventorySize = 8
	MaxHunger     = 100
)

var ErrCorrupt = errors.New("record: corrupt account data")

// Discriminators tag the account type so one layout can never be decoded as the other.
var (
	creatureDisc  = discriminator("account:Tomo")
	companionDisc = discriminator("account:CrankPayer")
)

func discriminator(name string) [8]byte {
	sum := blake3.Sum256([]byte(name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Creature is the per-user persistent record.
type Creature struct {
	Owner     address.Address
	UID       string
	Hunger    uint8
	LastFed   int64
	Coins     uint64
	ItemDrop  bool
	Inventory [InventorySize]uint8
}

// Companion is the program-controlled payer tied to one creature.
type Companion struct {
	Initialized bool
}

// EmptySlot returns the lowest empty inventory index.
func (c *Creature) EmptySlot() (int, bool) {
	for i, v := range c.Inventory {
		if v == 0 {
			return i, true
		}
	}
	return 0, false
}

func CreatureSize(uid string) int {
	return 8 + address.Size + 4 + len(uid) + 1 + 8 + 8 + 1 + InventorySize
}

func EncodeCreature(c Creature) ([]byte, error) {
	if len(c.UID) > MaxUIDLen {
		return nil, fmt.Errorf("record: uid is %d bytes, max %d", len(c.UID), MaxUIDLen)
	}
	buf := make([]byte, 0, CreatureSize(c.UID))
	buf = append(buf, creatureDisc[:]...)
	buf = append(buf, c.Owner[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.UID)))
	buf = append(buf, c.UID...)
	buf = append(buf, c.Hunger)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.LastFed))
	buf = binary.LittleEndian.AppendUint64(buf, c.Coins)
	buf = append(buf, boolByte(c.ItemDrop))
	buf = append(buf, c.Inventory[:]...)
	return buf, nil
}

func DecodeCreature(b []byte) (Creature, error) {
	var c Creature
	r := reader{b: b}
	if !bytes.Equal(r.take(8), creatureDisc[:]) {
		return c, fmt.Errorf("%w: not a creature", ErrCorrupt)
	}
	copy(c.Owner[:], r.take(address.Size))
	n := r.u32()
	if n > MaxUIDLen {
		return c, fmt.Errorf("%w: uid length %d", ErrCorrupt, n)
	}
	c.UID = string(r.take(int(n)))
	c.Hunger = r.u8()
	c.LastFed = int64(r.u64())
	c.Coins = r.u64()
	flag := r.u8()
	copy(c.Inventory[:], r.take(InventorySize))
	if r.err != nil {
		return Creature{}, r.err
	}
	if len(r.b) != 0 {
		return Creature{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.b))
	}
	if c.Hunger > MaxHunger {
		return Creature{}, fmt.Errorf("%w: hunger %d", ErrCorrupt, c.Hunger)
	}
	if flag > 1 {
		return Creature{}, fmt.Errorf("%w: item drop flag %d", ErrCorrupt, flag)
	}
	c.ItemDrop = flag == 1
	return c, nil
}

func EncodeCompanion(c Companion) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, companionDisc[:]...)
	return append(buf, boolByte(c.Initialized))
}

func DecodeCompanion(b []byte) (Companion, error) {
	if len(b) != 9 || !bytes.Equal(b[:8], companionDisc[:]) {
		return Companion{}, fmt.Errorf("%w: not a companion", ErrCorrupt)
	}
	if b[8] > 1 {
		return Companion{}, fmt.Errorf("%w: initialized flag %d", ErrCorrupt, b[8])
	}
	return Companion{Initialized: b[8] == 1}, nil
}

// IsCreature reports whether data carries the creature discriminator.
func IsCreature(b []byte) bool {
	return len(b) >= 8 && bytes.Equal(b[:8], creatureDisc[:])
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if n > len(r.b) {
		r.err = fmt.Errorf("%w: short buffer", ErrCorrupt)
		return make([]byte, n)
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }
