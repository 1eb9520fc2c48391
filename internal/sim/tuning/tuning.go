package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Economy Economy `yaml:"economy"`
	Loot    Loot    `yaml:"loot"`
	Crank   Crank   `yaml:"crank"`
	Venue   Venue   `yaml:"venue"`
}

type Economy struct {
	InitialHunger   int `yaml:"initial_hunger"`
	FeedCost        int `yaml:"feed_cost"`
	HungerReduction int `yaml:"hunger_reduction"`
}

// Loot item codes are drawn from [ItemCodeMin, ItemCodeMax).
type Loot struct {
	ItemCodeMin       int `yaml:"item_code_min"`
	ItemCodeMax       int `yaml:"item_code_max"`
	DropChancePercent int `yaml:"drop_chance_percent"`
}

type Crank struct {
	Seed            int `yaml:"seed"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

type Venue struct {
	SnapshotEverySlots int `yaml:"snapshot_every_slots"`
	AuxSnapshotEvery   int `yaml:"aux_snapshot_every_slots"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		Economy:         Economy{InitialHunger: 100, FeedCost: 10, HungerReduction: 30},
		Loot:            Loot{ItemCodeMin: 1, ItemCodeMax: 5, DropChancePercent: 20},
		Crank:           Crank{Seed: 0, MaxPayloadBytes: 1024},
		Venue:           Venue{SnapshotEverySlots: 1000, AuxSnapshotEvery: 200},
	}
}

// Load reads path over Defaults, so a partial file only overrides what it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	e := t.Economy
	if e.InitialHunger < 0 || e.InitialHunger > 100 {
		errs = append(errs, fmt.Errorf("economy.initial_hunger %d out of [0,100]", e.InitialHunger))
	}
	if e.FeedCost < 0 {
		errs = append(errs, fmt.Errorf("economy.feed_cost %d < 0", e.FeedCost))
	}
	if e.HungerReduction < 0 || e.HungerReduction > 100 {
		errs = append(errs, fmt.Errorf("economy.hunger_reduction %d out of [0,100]", e.HungerReduction))
	}
	l := t.Loot
	if l.ItemCodeMin < 1 || l.ItemCodeMax > 256 || l.ItemCodeMin >= l.ItemCodeMax {
		errs = append(errs, fmt.Errorf("loot item range [%d,%d) must be non-empty within [1,256)", l.ItemCodeMin, l.ItemCodeMax))
	}
	if l.DropChancePercent < 0 || l.DropChancePercent > 100 {
		errs = append(errs, fmt.Errorf("loot.drop_chance_percent %d out of [0,100]", l.DropChancePercent))
	}
	if t.Crank.Seed < 0 || t.Crank.Seed > 255 {
		errs = append(errs, fmt.Errorf("crank.seed %d out of [0,255]", t.Crank.Seed))
	}
	if t.Crank.MaxPayloadBytes <= 0 {
		errs = append(errs, errors.New("crank.max_payload_bytes must be > 0"))
	}
	if t.Venue.SnapshotEverySlots < 0 || t.Venue.AuxSnapshotEvery < 0 {
		errs = append(errs, errors.New("venue snapshot intervals must be >= 0"))
	}
	return errors.Join(errs...)
}
