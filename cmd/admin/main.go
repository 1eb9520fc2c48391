package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/persistence/accountdb"
	persistlog "tomo.ai/internal/persistence/log"
	"tomo.ai/internal/persistence/snapshot"
	"tomo.ai/internal/sim/tomo"
	"tomo.ai/internal/sim/tomo/record"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "decode":
			decodeCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "txlog":
			txLogCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func fail(code int, args ...any) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(code)
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

// creatureRow is one decoded creature as the admin tool prints it.
type creatureRow struct {
	Address   string `json:"address"`
	Owner     string `json:"owner"`
	UID       string `json:"uid"`
	Hunger    uint8  `json:"hunger"`
	LastFed   int64  `json:"last_fed"`
	Coins     uint64 `json:"coins"`
	ItemDrop  bool   `json:"item_drop"`
	Inventory []int  `json:"inventory"`
	Delegated bool   `json:"delegated"`
}

func toRow(prog *tomo.Program, a ledger.Account, c record.Creature) creatureRow {
	inv := make([]int, len(c.Inventory))
	for i, code := range c.Inventory {
		inv[i] = int(code)
	}
	return creatureRow{
		Address:   a.Address.String(),
		Owner:     c.Owner.String(),
		UID:       c.UID,
		Hunger:    c.Hunger,
		LastFed:   c.LastFed,
		Coins:     c.Coins,
		ItemDrop:  c.ItemDrop,
		Inventory: inv,
		Delegated: a.Owner == prog.Config().DelegationProgram,
	}
}

// listCreatures decodes every creature account in accts, ordered by uid.
func listCreatures(prog *tomo.Program, accts []ledger.Account) []creatureRow {
	var out []creatureRow
	for _, a := range accts {
		if !record.IsCreature(a.Data) {
			continue
		}
		c, err := prog.DecodeCreature(a)
		if err != nil {
			continue
		}
		out = append(out, toRow(prog, a, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func findCreature(prog *tomo.Program, accts []ledger.Account, uid string) (creatureRow, error) {
	want := prog.CreatureAddress(uid)
	for _, a := range accts {
		if a.Address != want {
			continue
		}
		c, err := prog.DecodeCreature(a)
		if err != nil {
			return creatureRow{}, err
		}
		return toRow(prog, a, c), nil
	}
	return creatureRow{}, fmt.Errorf("%w: uid %q", ledger.ErrNotFound, uid)
}

// loadAccounts reads the primary ledger db, or a snapshot when snapPath is set.
func loadAccounts(dataDir, snapPath string) ([]ledger.Account, error) {
	if p := strings.TrimSpace(snapPath); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			return nil, err
		}
		return snap.Accounts, nil
	}
	path := filepath.Join(dataDir, "venues", "primary", "ledger.db")
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	store, err := accountdb.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.List(context.Background())
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "read a snapshot instead of the primary ledger db")
	_ = fs.Parse(args)

	accts, err := loadAccounts(*dataDir, *snapPath)
	if err != nil {
		fail(1, "load:", err)
	}
	for _, r := range listCreatures(tomo.New(tomo.DefaultConfig()), accts) {
		printJSON(r)
	}
}

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "read a snapshot instead of the primary ledger db")
	uid := fs.String("uid", "", "creature uid (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*uid) == "" {
		fail(2, "missing -uid")
	}
	accts, err := loadAccounts(*dataDir, *snapPath)
	if err != nil {
		fail(1, "load:", err)
	}
	row, err := findCreature(tomo.New(tomo.DefaultConfig()), accts, *uid)
	if errors.Is(err, ledger.ErrNotFound) {
		fail(2, err)
	}
	if err != nil {
		fail(1, "decode:", err)
	}
	printJSON(row)
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	venueID := fs.String("venue", "primary", "venue id (used when -snapshot is empty)")
	snapPath := fs.String("snapshot", "", "snapshot path (defaults to the venue's latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "venues", *venueID, "snapshots"))
	}
	if path == "" {
		fail(2, "no snapshot found")
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fail(1, "read snapshot:", err)
	}
	prog := tomo.New(tomo.DefaultConfig())
	owners := map[string]int{}
	for _, a := range snap.Accounts {
		owners[ownerName(prog, a.Owner)]++
	}
	printJSON(map[string]any{
		"path":      path,
		"header":    snap.Header,
		"accounts":  len(snap.Accounts),
		"creatures": len(listCreatures(prog, snap.Accounts)),
		"by_owner":  owners,
	})
}

func ownerName(prog *tomo.Program, owner address.Address) string {
	switch owner {
	case prog.ID():
		return "tomo"
	case prog.Config().DelegationProgram:
		return "delegation"
	default:
		return owner.Short()
	}
}

func txLogCmd(args []string) {
	fs := flag.NewFlagSet("txlog", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	venueID := fs.String("venue", "primary", "venue id")
	label := fs.String("label", "", "only transactions with this label")
	failed := fs.Bool("failed", false, "only failed transactions")
	_ = fs.Parse(args)

	files, err := persistlog.Files(filepath.Join(*dataDir, "venues", *venueID, "txs"), "txs")
	if err != nil {
		fail(1, "list:", err)
	}
	for _, f := range files {
		err := persistlog.ReadLines(f, func(line []byte) error {
			var e struct {
				Label string `json:"label"`
				OK    bool   `json:"ok"`
			}
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			if *label != "" && e.Label != *label {
				return nil
			}
			if *failed && e.OK {
				return nil
			}
			fmt.Println(string(line))
			return nil
		})
		if err != nil {
			fail(1, filepath.Base(f)+":", err)
		}
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	identity := fs.String("identity", "", "only entries for this identity (hex)")
	action := fs.String("action", "", "only entries with this action")
	_ = fs.Parse(args)

	files, err := persistlog.Files(filepath.Join(*dataDir, "audit"), "audit")
	if err != nil {
		fail(1, "list:", err)
	}
	for _, f := range files {
		err := persistlog.ReadLines(f, func(line []byte) error {
			var e persistlog.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			if *identity != "" && e.Identity != *identity {
				return nil
			}
			if *action != "" && e.Action != *action {
				return nil
			}
			printJSON(e)
			return nil
		})
		if err != nil {
			fail(1, filepath.Base(f)+":", err)
		}
	}
}
