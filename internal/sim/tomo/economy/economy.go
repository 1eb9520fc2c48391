// Package economy holds the pure coin, feeding and inventory rules.
package economy

import (
	"errors"
	"math"

	"tomo.ai/internal/sim/tomo/record"
)

var (
	ErrInsufficientFunds = errors.New("not enough coins to feed")
	ErrInvalidSlot       = errors.New("invalid inventory slot")
	ErrEmptySlot         = errors.New("inventory slot is empty")
)

type Rules struct {
	InitialHunger   uint8
	FeedCost        uint64
	HungerReduction uint8
}

func DefaultRules() Rules {
	return Rules{InitialHunger: 100, FeedCost: 10, HungerReduction: 30}
}

// NewCreature is the state written by init.
func (r Rules) NewCreature(owner [32]byte, uid string, now int64) record.Creature {
	return record.Creature{
		Owner:   owner,
		UID:     uid,
		Hunger:  r.InitialHunger,
		LastFed: now,
	}
}

// GetCoin adds one coin, saturating at the u64 ceiling.
func GetCoin(c *record.Creature) {
	if c.Coins == math.MaxUint64 {
		return
	}
	c.Coins++
}

// Feed leaves c untouched on error.
func (r Rules) Feed(c *record.Creature, now int64) error {
	if c.Coins < r.FeedCost {
		return ErrInsufficientFunds
	}
	c.Coins -= r.FeedCost
	if c.Hunger > r.HungerReduction {
		c.Hunger -= r.HungerReduction
	} else {
		c.Hunger = 0
	}
	c.LastFed = now
	return nil
}

func TriggerItemDrop(c *record.Creature) {
	c.ItemDrop = true
}

// UseItem clears one slot and returns the removed code.
func UseItem(c *record.Creature, index int) (uint8, error) {
	if index < 0 || index >= record.InventorySize {
		return 0, ErrInvalidSlot
	}
	code := c.Inventory[index]
	if code == 0 {
		return 0, ErrEmptySlot
	}
	c.Inventory[index] = 0
	return code, nil
}

// CanOpenDrop reports whether a randomness request is worth issuing.
func CanOpenDrop(c record.Creature) bool {
	if !c.ItemDrop {
		return false
	}
	_, ok := c.EmptySlot()
	return ok
}

// Grant places code in the lowest empty slot; false means the inventory was full.
func Grant(c *record.Creature, code uint8) (int, bool) {
	i, ok := c.EmptySlot()
	if !ok {
		return 0, false
	}
	c.Inventory[i] = code
	return i, true
}
