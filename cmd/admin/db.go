package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"tomo.ai/internal/persistence/indexdb"
	"tomo.ai/internal/sim/tomo"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default: <data>/index.db)")
	limit := fs.Int("limit", 20, "result limit")
	uid := fs.String("uid", "", "txs: only transactions touching this creature")
	addr := fs.String("address", "", "txs: only transactions touching this address (hex)")
	_ = fs.Parse(args)

	q := "txs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fail(1, "open:", err)
	}
	defer db.Close()

	ctx := context.Background()
	switch q {
	case "txs":
		filter := strings.TrimSpace(*addr)
		if u := strings.TrimSpace(*uid); u != "" {
			filter = tomo.New(tomo.DefaultConfig()).CreatureAddress(u).String()
		}
		rows, err := indexdb.RecentTxs(ctx, db, filter, *limit)
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range rows {
			printJSON(r)
		}
	case "snapshots":
		rows, err := indexdb.Snapshots(ctx, db, *limit)
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range rows {
			printJSON(r)
		}
	case "audits":
		rows, err := db.QueryContext(ctx, `SELECT raw_json FROM audits ORDER BY seq DESC LIMIT ?`, *limit)
		if err != nil {
			fail(1, "query:", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				fail(1, "scan:", err)
			}
			fmt.Println(raw)
		}
		if err := rows.Err(); err != nil {
			fail(1, "rows:", err)
		}
	default:
		fail(2, "unknown query:", q, "(want txs|snapshots|audits)")
	}
}
