// Package tomo is the creature program: record lifecycle, the coin and
// feeding economy, randomness requests and their callbacks, delegation and
// recurring crank registration.
//
// Every operation runs inside one venue transaction. Anything that must leave
// the venue (oracle requests, scheduler tasks, clone and commit intents) is
// emitted as an effect and only acted on after the transaction commits.
package tomo

import (
	"context"
	"errors"
	"fmt"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/protocol"
	"tomo.ai/internal/sim/delegation"
	"tomo.ai/internal/sim/tomo/economy"
	"tomo.ai/internal/sim/tomo/loot"
	"tomo.ai/internal/sim/tomo/record"
	"tomo.ai/internal/sim/tuning"
	"tomo.ai/internal/sim/venue"
)

var (
	ErrInsufficientFunds = economy.ErrInsufficientFunds
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyExists     = errors.New("already exists")
	ErrArgument          = errors.New("invalid argument")
	ErrNotFound          = errors.New("record not found")
	ErrDelegated         = delegation.ErrDelegated
	ErrNotDelegated      = delegation.ErrNotDelegated
)

// Code maps an operation error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds):
		return protocol.ErrNoResource
	case errors.Is(err, ErrUnauthorized):
		return protocol.ErrNoPermission
	case errors.Is(err, ErrAlreadyExists):
		return protocol.ErrConflict
	case errors.Is(err, ErrArgument):
		return protocol.ErrBadRequest
	case errors.Is(err, ErrNotFound):
		return protocol.ErrInvalidTarget
	case errors.Is(err, ErrDelegated), errors.Is(err, ErrNotDelegated):
		return protocol.ErrStale
	case errors.Is(err, venue.ErrStopped):
		return protocol.ErrVenueUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return protocol.ErrVenueBusy
	default:
		return protocol.ErrInternal
	}
}

const (
	SeedCreature  = "tomo1"
	SeedCompanion = "crank_payer"
	SeedIdentity  = "identity"
)

type Config struct {
	ProgramID         address.Address
	OracleProgram     address.Address
	OracleQueue       address.Address
	OracleIdentity    address.Address
	SchedulerIdentity address.Address
	DelegationProgram address.Address

	Rules economy.Rules
	Loot  loot.Table

	CrankSeed      uint8
	MaxTaskPayload int
}

// DefaultConfig names every collaborator deterministically so separate
// processes agree on addresses without shared key material.
func DefaultConfig() Config {
	return Config{
		ProgramID:         address.Named("tomo"),
		OracleProgram:     address.Named("oracle"),
		OracleQueue:       address.Named("oracle/queue/default"),
		OracleIdentity:    address.Named("oracle/identity"),
		SchedulerIdentity: address.Named("scheduler"),
		DelegationProgram: address.Named("delegation"),
		Rules:             economy.DefaultRules(),
		Loot:              loot.DefaultTable(),
		MaxTaskPayload:    1024,
	}
}

// ApplyTuning copies the tunable knobs; tuning must already be validated.
func (c *Config) ApplyTuning(t tuning.Tuning) {
	c.Rules = economy.Rules{
		InitialHunger:   uint8(t.Economy.InitialHunger),
		FeedCost:        uint64(t.Economy.FeedCost),
		HungerReduction: uint8(t.Economy.HungerReduction),
	}
	c.Loot = loot.Table{
		ItemMin:    uint8(t.Loot.ItemCodeMin),
		ItemMax:    uint16(t.Loot.ItemCodeMax),
		DropChance: uint8(t.Loot.DropChancePercent),
	}
	c.CrankSeed = uint8(t.Crank.Seed)
	c.MaxTaskPayload = t.Crank.MaxPayloadBytes
}

// Call carries the identity that signed an invocation. Zero means unsigned.
type Call struct {
	Signer address.Address
}

func (c Call) Signed() bool { return !c.Signer.IsZero() }

type Program struct {
	cfg      Config
	identity address.Address
	registry delegation.Registry
}

func New(cfg Config) *Program {
	return &Program{
		cfg:      cfg,
		identity: address.Derive(cfg.ProgramID, []byte(SeedIdentity)),
		registry: delegation.Registry{Program: cfg.DelegationProgram},
	}
}

func (p *Program) Config() Config                { return p.cfg }
func (p *Program) ID() address.Address           { return p.cfg.ProgramID }
func (p *Program) Registry() delegation.Registry { return p.registry }

// Identity is the program's own requester identity for oracle requests.
func (p *Program) Identity() address.Address { return p.identity }

func (p *Program) CreatureAddress(uid string) address.Address {
	return address.Derive(p.cfg.ProgramID, []byte(SeedCreature), []byte(uid))
}

func (p *Program) CompanionAddress(creature address.Address) address.Address {
	return address.Derive(p.cfg.ProgramID, []byte(SeedCompanion), creature[:])
}

func creatureSeeds(uid string) [][]byte {
	return [][]byte{[]byte(SeedCreature), []byte(uid)}
}

func companionSeeds(creature address.Address) [][]byte {
	return [][]byte{[]byte(SeedCompanion), append([]byte(nil), creature[:]...)}
}

// Reserved reports whether id belongs to a collaborator and may never act as
// an external caller.
func (p *Program) Reserved(id address.Address) bool {
	switch id {
	case p.cfg.OracleIdentity, p.cfg.SchedulerIdentity, p.cfg.DelegationProgram, p.cfg.ProgramID, p.identity:
		return true
	}
	return false
}

func validUID(uid string) error {
	if len(uid) == 0 || len(uid) > record.MaxUIDLen {
		return fmt.Errorf("%w: uid must be 1..%d bytes, got %d", ErrArgument, record.MaxUIDLen, len(uid))
	}
	return nil
}

func requireSigner(c Call) error {
	if !c.Signed() {
		return fmt.Errorf("%w: payer signature required", ErrUnauthorized)
	}
	return nil
}

// owned loads an account this program may write on this venue.
func (p *Program) owned(tx *venue.Tx, addr address.Address) (ledger.Account, error) {
	a, err := tx.Get(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ErrNotFound, addr.Short())
	}
	if err != nil {
		return ledger.Account{}, err
	}
	switch a.Owner {
	case p.cfg.ProgramID:
		return a, nil
	case p.cfg.DelegationProgram:
		return ledger.Account{}, fmt.Errorf("%w: %s is locked on %s", ErrDelegated, addr.Short(), tx.Venue())
	default:
		return ledger.Account{}, fmt.Errorf("%w: %s not owned by program", ErrUnauthorized, addr.Short())
	}
}

func (p *Program) loadCreature(tx *venue.Tx, addr address.Address) (record.Creature, error) {
	a, err := p.owned(tx, addr)
	if err != nil {
		return record.Creature{}, err
	}
	c, err := record.DecodeCreature(a.Data)
	if err != nil {
		return record.Creature{}, fmt.Errorf("creature %s: %w", addr.Short(), err)
	}
	return c, nil
}

func (p *Program) storeCreature(tx *venue.Tx, addr address.Address, c record.Creature) error {
	data, err := record.EncodeCreature(c)
	if err != nil {
		return err
	}
	tx.Put(ledger.Account{Address: addr, Owner: p.cfg.ProgramID, Data: data})
	return nil
}

// DecodeCreature reads a creature from any venue copy, locked or not.
func (p *Program) DecodeCreature(a ledger.Account) (record.Creature, error) {
	if a.Owner != p.cfg.ProgramID && a.Owner != p.cfg.DelegationProgram {
		return record.Creature{}, fmt.Errorf("%w: %s not owned by program", ErrUnauthorized, a.Address.Short())
	}
	return record.DecodeCreature(a.Data)
}
