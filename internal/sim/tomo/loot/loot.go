// Package loot maps oracle randomness onto outcomes.
package loot

import "encoding/binary"

type Table struct {
	ItemMin    uint8
	ItemMax    uint16 // exclusive, so 256 admits code 255
	DropChance uint8  // percent
}

func DefaultTable() Table {
	return Table{ItemMin: 1, ItemMax: 5, DropChance: 20}
}

// Uniform reduces randomness to [min, max) using its first eight bytes.
func Uniform(randomness [32]byte, min, max uint64) uint64 {
	if max <= min {
		return min
	}
	v := binary.LittleEndian.Uint64(randomness[:8])
	return min + v%(max-min)
}

func (t Table) ItemCode(randomness [32]byte) uint8 {
	return uint8(Uniform(randomness, uint64(t.ItemMin), uint64(t.ItemMax)))
}

// Roll100 is a uniform roll in [1, 100].
func Roll100(randomness [32]byte) uint8 {
	return uint8(Uniform(randomness, 1, 101))
}

func (t Table) Drops(randomness [32]byte) bool {
	return Roll100(randomness) <= t.DropChance
}

// Seed expands a one-byte client seed to the 32-byte oracle seed.
func Seed(clientSeed uint8) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = clientSeed
	}
	return s
}
