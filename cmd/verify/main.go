package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/persistence/snapshot"
	"tomo.ai/internal/sim/tomo"
	"tomo.ai/internal/sim/verify"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		primPath  = flag.String("primary", "", "primary snapshot (default: latest under <data>/venues/primary)")
		auxPath   = flag.String("aux", "", "aux snapshot (default: latest under <data>/venues/aux)")
		cross     = flag.Bool("cross", true, "check aux copies against primary locks")
		maxReport = flag.Int("max", 50, "violations to print per venue")
	)
	flag.Parse()

	prog := tomo.New(tomo.DefaultConfig())

	prim, primHdr := load(*primPath, filepath.Join(*dataDir, "venues", "primary", "snapshots"))
	aux, auxHdr := load(*auxPath, filepath.Join(*dataDir, "venues", "aux", "snapshots"))

	bad := 0
	for _, r := range []verify.Report{
		verify.Venue(prog, "primary", prim, false),
		verify.Venue(prog, "aux", aux, true),
	} {
		fmt.Printf("venue=%s accounts=%d creatures=%d companions=%d records=%d locked=%d sealed=%d violations=%d\n",
			r.Venue, r.Accounts, r.Creatures, r.Companions, r.Records, r.Locked, r.Sealed, len(r.Violations))
		printViolations(r.Violations, *maxReport)
		bad += len(r.Violations)
	}

	if *cross && primHdr != nil && auxHdr != nil {
		if d := primHdr.TakenAt - auxHdr.TakenAt; d > 60 || d < -60 {
			fmt.Printf("warning: snapshots taken %ds apart; cross check may report in-flight delegations\n", d)
		}
		vs := verify.Cross(prog, prim, aux)
		fmt.Printf("cross violations=%d\n", len(vs))
		printViolations(vs, *maxReport)
		bad += len(vs)
	}
	if bad > 0 {
		os.Exit(1)
	}
}

func load(path, dir string) ([]ledger.Account, *snapshot.Header) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = snapshot.Latest(dir)
	}
	if p == "" {
		return nil, nil
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d venue=%s slot=%d accounts=%d (%s)\n",
		snap.Header.Version, snap.Header.VenueID, snap.Header.Slot, len(snap.Accounts), filepath.Base(p))
	return snap.Accounts, &snap.Header
}

func printViolations(vs []verify.Violation, max int) {
	for i, v := range vs {
		if i == max {
			fmt.Printf("  ... %d more\n", len(vs)-max)
			return
		}
		fmt.Println("  " + v.String())
	}
}
