// Package address defines ledger identities and deterministic derived addresses.
package address

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Size is the byte width of every identity on the ledger.
const Size = 32

// Address identifies an account, a program or a caller.
type Address [Size]byte

// Zero is the unset address.
var Zero Address

const deriveMarker = "tomo/derived-address"

// Derive computes the address owned by program for the given seeds.
// The same (program, seeds) always yields the same address, so a record can be
// located without an index and at most one record exists per seed tuple.
func Derive(program Address, seeds ...[]byte) Address {
	h := blake3.New(Size, nil)
	var n [4]byte
	for _, s := range seeds {
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(s)
	}
	_, _ = h.Write(program[:])
	_, _ = h.Write([]byte(deriveMarker))
	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

// Named returns a fixed well-known address for a named system program.
func Named(name string) Address {
	return Address(blake3.Sum256([]byte("tomo/program/" + name)))
}

func (a Address) IsZero() bool { return a == Zero }

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// Short is a log-friendly prefix of the hex form.
func (a Address) Short() string { return hex.EncodeToString(a[:4]) }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Parse decodes a 64-character hex address.
func Parse(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if len(s) != Size*2 {
		return a, fmt.Errorf("address: want %d hex chars, got %d", Size*2, len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("address: %w", err)
	}
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}
