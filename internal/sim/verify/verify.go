// Package verify checks venue account sets for delegation and record
// consistency. It works on snapshots, so it never touches a running venue.
package verify

import (
	"fmt"
	"sort"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/sim/delegation"
	"tomo.ai/internal/sim/tomo"
	"tomo.ai/internal/sim/tomo/record"
)

// Rules reported by Venue and Cross.
const (
	RuleCorrupt           = "corrupt_record"
	RuleForeignOwner      = "foreign_owner"
	RuleLockedNoRecord    = "locked_without_record"
	RuleRecordNoLock      = "record_without_lock"
	RuleAuxNoRecord       = "aux_without_record"
	RuleMissingCompanion  = "missing_companion"
	RuleCompanionNotReady = "companion_uninitialized"
	RuleOrphanRecord      = "orphan_record"
	RuleAuxNotLocked      = "aux_copy_not_locked"
)

type Violation struct {
	Venue   string
	Address address.Address
	Rule    string
	Detail  string
}

func (v Violation) String() string {
	if v.Detail == "" {
		return fmt.Sprintf("%s %s %s", v.Venue, v.Address.Short(), v.Rule)
	}
	return fmt.Sprintf("%s %s %s: %s", v.Venue, v.Address.Short(), v.Rule, v.Detail)
}

type Report struct {
	Venue      string
	Accounts   int
	Creatures  int
	Companions int
	Records    int
	Locked     int
	// Sealed counts auxiliary copies waiting for their undelegation commit.
	Sealed     int
	Violations []Violation
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

type kind int

const (
	kindOther kind = iota
	kindCreature
	kindCompanion
)

func classify(a ledger.Account) kind {
	if record.IsCreature(a.Data) {
		return kindCreature
	}
	if _, err := record.DecodeCompanion(a.Data); err == nil {
		return kindCompanion
	}
	return kindOther
}

// Venue checks one venue's accounts. On the auxiliary venue every program
// account must carry its record replica, whether active or sealed; on the
// primary a delegation-owned account must be backed by its record.
func Venue(prog *tomo.Program, venueID string, accts []ledger.Account, aux bool) Report {
	cfg := prog.Config()
	reg := prog.Registry()
	rep := Report{Venue: venueID, Accounts: len(accts)}
	add := func(addr address.Address, rule, detail string) {
		rep.Violations = append(rep.Violations, Violation{Venue: venueID, Address: addr, Rule: rule, Detail: detail})
	}

	byAddr := make(map[address.Address]ledger.Account, len(accts))
	for _, a := range accts {
		byAddr[a.Address] = a
	}
	expectedRecords := map[address.Address]bool{}

	for _, a := range sorted(accts) {
		k := classify(a)
		if k == kindOther {
			continue
		}
		if a.Owner != cfg.ProgramID && a.Owner != cfg.DelegationProgram {
			add(a.Address, RuleForeignOwner, a.Owner.Short())
			continue
		}
		recAddr := reg.RecordAddress(a.Address)
		expectedRecords[recAddr] = true
		_, hasRecord := byAddr[recAddr]
		locked := a.Owner == cfg.DelegationProgram

		switch {
		case aux && !hasRecord:
			add(a.Address, RuleAuxNoRecord, "")
		case !aux && locked && !hasRecord:
			add(a.Address, RuleLockedNoRecord, "")
		case !aux && !locked && hasRecord:
			add(a.Address, RuleRecordNoLock, "")
		}
		switch {
		case locked && aux:
			rep.Sealed++
		case locked:
			rep.Locked++
		}

		if k == kindCompanion {
			rep.Companions++
			continue
		}
		rep.Creatures++
		c, err := record.DecodeCreature(a.Data)
		if err != nil {
			add(a.Address, RuleCorrupt, err.Error())
			continue
		}
		if prog.CreatureAddress(c.UID) != a.Address {
			add(a.Address, RuleCorrupt, fmt.Sprintf("uid %q does not derive this address", c.UID))
		}
		// Companions are cloned lazily, so aux may lack one.
		if aux {
			continue
		}
		compAddr := prog.CompanionAddress(a.Address)
		comp, ok := byAddr[compAddr]
		if !ok {
			add(a.Address, RuleMissingCompanion, compAddr.Short())
			continue
		}
		if cc, err := record.DecodeCompanion(comp.Data); err != nil || !cc.Initialized {
			add(compAddr, RuleCompanionNotReady, "")
		}
	}

	for _, a := range sorted(accts) {
		if a.Owner != cfg.DelegationProgram || classify(a) != kindOther {
			continue
		}
		if _, err := delegation.DecodeRecord(a.Data); err != nil {
			add(a.Address, RuleCorrupt, err.Error())
			continue
		}
		rep.Records++
		if !expectedRecords[a.Address] {
			add(a.Address, RuleOrphanRecord, "")
		}
	}
	return rep
}

// Cross checks that every account active on the auxiliary venue is locked on
// the primary. Sealed copies are skipped: their commit may or may not have
// landed yet. Both sets should come from snapshots taken together.
func Cross(prog *tomo.Program, primary, aux []ledger.Account) []Violation {
	cfg := prog.Config()
	prim := make(map[address.Address]ledger.Account, len(primary))
	for _, a := range primary {
		prim[a.Address] = a
	}
	var out []Violation
	for _, a := range sorted(aux) {
		if classify(a) == kindOther || a.Owner == cfg.DelegationProgram {
			continue
		}
		p, ok := prim[a.Address]
		if !ok {
			out = append(out, Violation{Venue: "cross", Address: a.Address, Rule: RuleAuxNotLocked, Detail: "missing on primary"})
			continue
		}
		if p.Owner != cfg.DelegationProgram {
			out = append(out, Violation{Venue: "cross", Address: a.Address, Rule: RuleAuxNotLocked, Detail: "primary owner " + p.Owner.Short()})
		}
	}
	return out
}

func sorted(accts []ledger.Account) []ledger.Account {
	out := append([]ledger.Account(nil), accts...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}
