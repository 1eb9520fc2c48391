// Package indexdb keeps a queryable SQLite index of executed transactions,
// session audits and written snapshots. The JSONL logs remain the source of
// truth; the index may drop entries when its writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	tlog "tomo.ai/internal/persistence/log"
	"tomo.ai/internal/persistence/snapshot"
	"tomo.ai/internal/sim/venue"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTx       atomic.Uint64
	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqTx reqKind = iota + 1
	reqAudit
	reqSnapshot
)

type req struct {
	kind reqKind

	tx       venue.TxLogEntry
	audit    tlog.AuditEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Venue    string
	Slot     uint64
	Path     string
	Accounts int
	TakenAt  int64
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropTxTotal       uint64
	DropAuditTotal    uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS txs (
			venue TEXT NOT NULL,
			slot INTEGER NOT NULL,
			label TEXT NOT NULL,
			time_ms INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			err TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (venue, slot)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_txs_label ON txs(label, time_ms);`,
		`CREATE TABLE IF NOT EXISTS tx_accounts (
			venue TEXT NOT NULL,
			slot INTEGER NOT NULL,
			address TEXT NOT NULL,
			kind TEXT NOT NULL,
			PRIMARY KEY (venue, slot, address)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tx_accounts_address ON tx_accounts(address, slot);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			time_ms INTEGER NOT NULL,
			session TEXT NOT NULL,
			identity TEXT,
			action TEXT NOT NULL,
			op TEXT,
			code TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_identity ON audits(identity, time_ms);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			venue TEXT NOT NULL,
			slot INTEGER NOT NULL,
			path TEXT NOT NULL,
			accounts INTEGER NOT NULL,
			taken_at INTEGER NOT NULL,
			PRIMARY KEY (venue, slot)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTxTotal:       s.dropTx.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// WriteTx implements venue.TxLogger.
func (s *SQLiteIndex) WriteTx(e venue.TxLogEntry) error {
	if s != nil {
		s.enqueue(req{kind: reqTx, tx: e}, &s.dropTx)
	}
	return nil
}

func (s *SQLiteIndex) WriteAudit(e tlog.AuditEntry) error {
	if s != nil {
		s.enqueue(req{kind: reqAudit, audit: e}, &s.dropAudit)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Venue:    snap.Header.VenueID,
		Slot:     snap.Header.Slot,
		Path:     path,
		Accounts: len(snap.Accounts),
		TakenAt:  snap.Header.TakenAt,
	}}, &s.dropSnapshot)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqTx:
			err = insertTx(tx, r.tx)
		case reqAudit:
			err = insertAudit(tx, r.audit)
		case reqSnapshot:
			sn := r.snapshot
			_, err = tx.Exec(`INSERT OR REPLACE INTO snapshots(venue,slot,path,accounts,taken_at) VALUES(?,?,?,?,?)`,
				sn.Venue, int64(sn.Slot), sn.Path, sn.Accounts, sn.TakenAt)
		}
		if err != nil {
			rollback()
			continue
		}
		opCount++
		// Drain bursts into one transaction; commit once the queue is idle.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func insertTx(tx *sql.Tx, e venue.TxLogEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO txs(venue,slot,label,time_ms,ok,err,raw_json) VALUES(?,?,?,?,?,?,?)`,
		e.Venue, int64(e.Slot), e.Label, e.Time, ok, e.Err, string(raw)); err != nil {
		return err
	}
	for _, group := range []struct {
		kind  string
		addrs []string
	}{{"write", e.Writes}, {"delete", e.Deletes}} {
		for _, a := range group.addrs {
			if _, err := tx.Exec(`INSERT OR REPLACE INTO tx_accounts(venue,slot,address,kind) VALUES(?,?,?,?)`,
				e.Venue, int64(e.Slot), a, group.kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertAudit(tx *sql.Tx, a tlog.AuditEntry) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO audits(time_ms,session,identity,action,op,code,raw_json) VALUES(?,?,?,?,?,?,?)`,
		a.Time, a.Session, a.Identity, a.Action, a.Op, a.Code, string(raw))
	return err
}

// TxRow is one indexed transaction.
type TxRow struct {
	Venue string `json:"venue"`
	Slot  uint64 `json:"slot"`
	Label string `json:"label"`
	Time  int64  `json:"time_ms"`
	OK    bool   `json:"ok"`
	Err   string `json:"err,omitempty"`
}

// RecentTxs returns the newest transactions, optionally only those touching
// address (hex).
func RecentTxs(ctx context.Context, db *sql.DB, address string, limit int) ([]TxRow, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT venue,slot,label,time_ms,ok,COALESCE(err,'') FROM txs ORDER BY time_ms DESC, slot DESC LIMIT ?`
	args := []any{limit}
	if address = strings.TrimSpace(address); address != "" {
		q = `SELECT t.venue,t.slot,t.label,t.time_ms,t.ok,COALESCE(t.err,'')
			FROM tx_accounts a JOIN txs t ON t.venue=a.venue AND t.slot=a.slot
			WHERE a.address=? ORDER BY t.time_ms DESC, t.slot DESC LIMIT ?`
		args = []any{address, limit}
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TxRow
	for rows.Next() {
		var r TxRow
		var slot int64
		var ok int
		if err := rows.Scan(&r.Venue, &slot, &r.Label, &r.Time, &ok, &r.Err); err != nil {
			return nil, err
		}
		r.Slot = uint64(slot)
		r.OK = ok == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

type SnapshotRow struct {
	Venue    string `json:"venue"`
	Slot     uint64 `json:"slot"`
	Path     string `json:"path"`
	Accounts int    `json:"accounts"`
	TakenAt  int64  `json:"taken_at"`
}

func Snapshots(ctx context.Context, db *sql.DB, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT venue,slot,path,accounts,taken_at FROM snapshots ORDER BY taken_at DESC, slot DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var slot int64
		if err := rows.Scan(&r.Venue, &slot, &r.Path, &r.Accounts, &r.TakenAt); err != nil {
			return nil, err
		}
		r.Slot = uint64(slot)
		out = append(out, r)
	}
	return out, rows.Err()
}
