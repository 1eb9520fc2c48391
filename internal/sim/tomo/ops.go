package tomo

import (
	"errors"
	"fmt"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/sim/delegation"
	"tomo.ai/internal/sim/oracle"
	"tomo.ai/internal/sim/scheduler"
	"tomo.ai/internal/sim/tomo/economy"
	"tomo.ai/internal/sim/tomo/loot"
	"tomo.ai/internal/sim/tomo/record"
	"tomo.ai/internal/sim/venue"
)

func (p *Program) Init(tx *venue.Tx, c Call, uid string) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	if err := validUID(uid); err != nil {
		return err
	}
	addr := p.CreatureAddress(uid)
	exists, err := tx.Exists(addr)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: uid %q", ErrAlreadyExists, uid)
	}
	cr := p.cfg.Rules.NewCreature(c.Signer, uid, tx.Now().Unix())
	if err := p.storeCreature(tx, addr, cr); err != nil {
		return err
	}

	comp := p.CompanionAddress(addr)
	exists, err = tx.Exists(comp)
	if err != nil {
		return err
	}
	if !exists {
		tx.Put(ledger.Account{
			Address: comp,
			Owner:   p.cfg.ProgramID,
			Data:    record.EncodeCompanion(record.Companion{Initialized: true}),
		})
	}
	tx.Logf("init %q owner=%s creature=%s companion=%s", uid, c.Signer.Short(), addr.Short(), comp.Short())
	return nil
}

// Delete closes the creature and its companion. Only the owner may delete,
// and only while the record is resident.
func (p *Program) Delete(tx *venue.Tx, c Call, creature address.Address) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	if cr.Owner != c.Signer {
		return fmt.Errorf("%w: caller is not the owner", ErrUnauthorized)
	}
	comp := p.CompanionAddress(creature)
	for _, addr := range []address.Address{creature, comp} {
		if _, ok, err := p.registry.Record(tx, addr); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: undelegate %s first", ErrDelegated, addr.Short())
		}
	}
	tx.Delete(creature)
	if _, err := p.owned(tx, comp); err == nil {
		tx.Delete(comp)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	tx.Logf("delete %q: storage returned to %s", cr.UID, cr.Owner.Short())
	return nil
}

// GetCoin has no ownership check: any caller referencing the record may
// increment it.
func (p *Program) GetCoin(tx *venue.Tx, _ Call, creature address.Address) error {
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	economy.GetCoin(&cr)
	tx.Logf("coins=%d", cr.Coins)
	return p.storeCreature(tx, creature, cr)
}

func (p *Program) Feed(tx *venue.Tx, _ Call, creature address.Address) error {
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	if err := p.cfg.Rules.Feed(&cr, tx.Now().Unix()); err != nil {
		return fmt.Errorf("%w: have %d, need %d", err, cr.Coins, p.cfg.Rules.FeedCost)
	}
	tx.Logf("fed: coins=%d hunger=%d", cr.Coins, cr.Hunger)
	return p.storeCreature(tx, creature, cr)
}

func (p *Program) TriggerItemDrop(tx *venue.Tx, _ Call, creature address.Address) error {
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	if cr.ItemDrop {
		return nil
	}
	economy.TriggerItemDrop(&cr)
	tx.Logf("item drop available")
	return p.storeCreature(tx, creature, cr)
}

// UseItem never fails on a bad index or empty slot; it logs and succeeds.
// The removed code is the transaction's return data.
func (p *Program) UseItem(tx *venue.Tx, _ Call, creature address.Address, index uint8) error {
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	code, err := economy.UseItem(&cr, int(index))
	if err != nil {
		tx.Logf("use_item %d ignored: %v", index, err)
		return nil
	}
	tx.Logf("used item %d from slot %d", code, index)
	tx.SetReturn([]byte{code})
	return p.storeCreature(tx, creature, cr)
}

func (p *Program) request(tx *venue.Tx, requester, payer address.Address, callback Op, creature address.Address, clientSeed uint8) oracle.Request {
	return oracle.Request{
		Requester:       requester,
		Payer:           payer,
		Queue:           p.cfg.OracleQueue,
		CallbackProgram: p.cfg.ProgramID,
		CallbackData:    []byte{byte(callback)},
		Seed:            loot.Seed(clientSeed),
		Accounts:        []ledger.AccountMeta{{Address: creature, IsWritable: true}},
		Slot:            tx.Slot(),
	}
}

func (p *Program) OpenItemDrop(tx *venue.Tx, c Call, creature address.Address, clientSeed uint8) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	if !economy.CanOpenDrop(cr) {
		tx.Logf("open_item_drop skipped: drop=%v inventory=%v", cr.ItemDrop, cr.Inventory)
		return nil
	}
	tx.Emit(p.request(tx, p.identity, c.Signer, OpConsumeRandomness, creature, clientSeed))
	tx.Logf("randomness requested for item drop")
	return nil
}

// ConsumeRandomness spends the drop even when the inventory is full.
func (p *Program) ConsumeRandomness(tx *venue.Tx, c Call, creature address.Address, randomness [32]byte) error {
	if c.Signer != p.cfg.OracleIdentity {
		return fmt.Errorf("%w: callback from %s", ErrUnauthorized, c.Signer.Short())
	}
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	cr.ItemDrop = false
	code := p.cfg.Loot.ItemCode(randomness)
	if slot, ok := economy.Grant(&cr, code); ok {
		tx.Logf("item %d stored in slot %d", code, slot)
	} else {
		tx.Logf("inventory full, item %d discarded", code)
	}
	return p.storeCreature(tx, creature, cr)
}

func (p *Program) RandomEvent(tx *venue.Tx, c Call, creature address.Address, clientSeed uint8) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	if _, err := p.loadCreature(tx, creature); err != nil {
		return err
	}
	tx.Emit(p.request(tx, p.identity, c.Signer, OpConsumeRandomEvent, creature, clientSeed))
	tx.Logf("randomness requested for random event")
	return nil
}

func (p *Program) ConsumeRandomEvent(tx *venue.Tx, c Call, creature address.Address, randomness [32]byte) error {
	if c.Signer != p.cfg.OracleIdentity {
		return fmt.Errorf("%w: callback from %s", ErrUnauthorized, c.Signer.Short())
	}
	cr, err := p.loadCreature(tx, creature)
	if err != nil {
		return err
	}
	roll := loot.Roll100(randomness)
	if roll > p.cfg.Loot.DropChance || cr.ItemDrop {
		tx.Logf("random event roll=%d, no change", roll)
		return nil
	}
	economy.TriggerItemDrop(&cr)
	tx.Logf("random event roll=%d, item drop available", roll)
	return p.storeCreature(tx, creature, cr)
}

// RandomEventCrank needs no external signer: the companion payer is
// authorized by re-deriving its address from the creature.
func (p *Program) RandomEventCrank(tx *venue.Tx, _ Call, creature, companion address.Address, clientSeed uint8) error {
	if companion != p.CompanionAddress(creature) {
		return fmt.Errorf("%w: %s is not the companion of %s", ErrUnauthorized, companion.Short(), creature.Short())
	}
	a, err := p.owned(tx, companion)
	if err != nil {
		return err
	}
	comp, err := record.DecodeCompanion(a.Data)
	if err != nil {
		return fmt.Errorf("companion %s: %w", companion.Short(), err)
	}
	if !comp.Initialized {
		return fmt.Errorf("%w: companion not initialized", ErrUnauthorized)
	}
	if _, err := p.loadCreature(tx, creature); err != nil {
		return err
	}
	tx.Emit(p.request(tx, companion, companion, OpConsumeRandomEvent, creature, clientSeed))
	tx.Logf("crank: randomness requested by companion %s", companion.Short())
	return nil
}

func (p *Program) StartRandomEvents(tx *venue.Tx, c Call, creature address.Address, taskID, intervalMillis, iterations uint64) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	if intervalMillis == 0 || iterations == 0 {
		return fmt.Errorf("%w: interval and iterations must be > 0", ErrArgument)
	}
	if _, err := p.loadCreature(tx, creature); err != nil {
		return err
	}
	comp := p.CompanionAddress(creature)
	if _, err := p.owned(tx, comp); err != nil {
		return err
	}
	ins := p.CrankInstruction(creature, p.cfg.CrankSeed)
	if n := ins.Size(); p.cfg.MaxTaskPayload > 0 && n > p.cfg.MaxTaskPayload {
		return fmt.Errorf("%w: task payload %d bytes exceeds %d", ErrArgument, n, p.cfg.MaxTaskPayload)
	}
	tx.Emit(scheduler.Task{
		ID:             taskID,
		IntervalMillis: intervalMillis,
		Iterations:     iterations,
		Authority:      c.Signer,
		Instruction:    ins,
	})
	tx.Logf("task %d: crank every %dms x%d", taskID, intervalMillis, iterations)
	return nil
}

// Delegate locks the creature and then its companion in one transaction.
// Either one already delegated is skipped, so re-running repairs a pair left
// half delegated.
func (p *Program) Delegate(tx *venue.Tx, c Call, creature address.Address) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	var clone delegation.Clone
	for _, addr := range []address.Address{creature, p.CompanionAddress(creature)} {
		st, err := p.registry.State(tx, addr)
		if err != nil {
			return err
		}
		switch st {
		case delegation.Missing:
			if addr == creature {
				return fmt.Errorf("%w: %s", ErrNotFound, addr.Short())
			}
			tx.Logf("companion %s missing, not delegated", addr.Short())
			continue
		case delegation.Locked:
			tx.Logf("%s already delegated", addr.Short())
			continue
		case delegation.Active:
			return fmt.Errorf("%w: %s is active on %s", ErrDelegated, addr.Short(), tx.Venue())
		}
		if _, err := p.owned(tx, addr); err != nil {
			return err
		}
		accts, err := p.registry.Lock(tx, addr, c.Signer)
		if err != nil {
			return err
		}
		clone.Accounts = append(clone.Accounts, accts...)
		tx.Logf("delegated %s", addr.Short())
	}
	if len(clone.Accounts) == 0 {
		return fmt.Errorf("%w: nothing left to delegate", ErrDelegated)
	}
	tx.Emit(clone)
	return nil
}

// Undelegate runs where the record is active: it seals the creature and its
// companion and emits the commit for the primary venue. The sealed copies
// stay until the commit is acknowledged.
func (p *Program) Undelegate(tx *venue.Tx, c Call, creature address.Address) error {
	if err := requireSigner(c); err != nil {
		return err
	}
	st, err := p.registry.State(tx, creature)
	if err != nil {
		return err
	}
	switch st {
	case delegation.Missing:
		return fmt.Errorf("%w: %s", ErrNotFound, creature.Short())
	case delegation.Resident:
		return fmt.Errorf("%w: %s", ErrNotDelegated, creature.Short())
	case delegation.Locked:
		return fmt.Errorf("%w: %s must be undelegated where it is active", ErrDelegated, creature.Short())
	}
	if _, err := p.loadCreature(tx, creature); err != nil {
		return err
	}
	if err := p.registry.Seal(tx, creature); err != nil {
		return err
	}
	comp := p.CompanionAddress(creature)
	if cst, err := p.registry.State(tx, comp); err != nil {
		return err
	} else if cst == delegation.Active {
		if err := p.registry.Seal(tx, comp); err != nil {
			return err
		}
	}
	commit, err := p.Sealed(tx, creature)
	if err != nil {
		return err
	}
	tx.Emit(commit)
	tx.Logf("undelegate %s: %d account(s) sealed", creature.Short(), len(commit.Accounts))
	return nil
}

// Sealed collects the sealed copies of creature and its companion on this
// venue into a commit for the primary venue.
func (p *Program) Sealed(tx *venue.Tx, creature address.Address) (delegation.Commit, error) {
	var out delegation.Commit
	for _, addr := range []address.Address{creature, p.CompanionAddress(creature)} {
		a, rec, ok, err := p.registry.Sealed(tx, addr)
		if err != nil {
			return delegation.Commit{}, err
		}
		if !ok {
			continue
		}
		seeds := companionSeeds(creature)
		if addr == creature {
			cr, err := record.DecodeCreature(a.Data)
			if err != nil {
				return delegation.Commit{}, fmt.Errorf("creature %s: %w", addr.Short(), err)
			}
			seeds = creatureSeeds(cr.UID)
		}
		out.Accounts = append(out.Accounts, delegation.Committed{Account: a, Seeds: seeds, Slot: rec.Slot})
	}
	return out, nil
}

// ProcessUndelegation is invoked by the delegation program on the primary
// venue to restore a committed account. The seeds must re-derive target.
func (p *Program) ProcessUndelegation(tx *venue.Tx, c Call, target address.Address, seeds [][]byte, data []byte) error {
	if c.Signer != p.cfg.DelegationProgram {
		return fmt.Errorf("%w: only the delegation program may restore accounts", ErrUnauthorized)
	}
	if address.Derive(p.cfg.ProgramID, seeds...) != target {
		return fmt.Errorf("%w: seeds do not derive %s", ErrArgument, target.Short())
	}
	if record.IsCreature(data) {
		if _, err := record.DecodeCreature(data); err != nil {
			return fmt.Errorf("%w: %v", ErrArgument, err)
		}
	} else if _, err := record.DecodeCompanion(data); err != nil {
		return fmt.Errorf("%w: %v", ErrArgument, err)
	}
	if err := p.registry.Release(tx, target, data); err != nil {
		return err
	}
	tx.Logf("restored %s", target.Short())
	return nil
}

func (p *Program) InitAndDelegate(tx *venue.Tx, c Call, uid string) error {
	if err := p.Init(tx, c, uid); err != nil {
		return err
	}
	return p.Delegate(tx, c, p.CreatureAddress(uid))
}
