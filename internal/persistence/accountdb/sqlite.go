// Package accountdb is the durable account store behind the primary venue.
package accountdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ ledger.Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
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
	// One writer: the venue loop already serializes transactions.
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
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// Unlike the index, this is the source of truth: FULL sync.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
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
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			data BLOB NOT NULL,
			slot INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, addr address.Address) (ledger.Account, error) {
	var (
		owner string
		data  []byte
	)
	row := s.db.QueryRowContext(ctx, `SELECT owner,data FROM accounts WHERE address=?`, addr.String())
	if err := row.Scan(&owner, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrNotFound
		}
		return ledger.Account{}, err
	}
	o, err := address.Parse(owner)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("account %s: owner: %w", addr, err)
	}
	return ledger.Account{Address: addr, Owner: o, Data: data}, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, b ledger.Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	put, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO accounts(address,owner,data,slot) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer put.Close()
	for _, a := range b.Puts {
		data := a.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := put.ExecContext(ctx, a.Address.String(), a.Owner.String(), data, int64(b.Slot)); err != nil {
			return fmt.Errorf("put %s: %w", a.Address.Short(), err)
		}
	}
	for _, addr := range b.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE address=?`, addr.String()); err != nil {
			return fmt.Errorf("delete %s: %w", addr.Short(), err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('last_slot',?)`, strconv.FormatUint(b.Slot, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address,owner,data FROM accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		var (
			addrHex, ownerHex string
			data              []byte
		)
		if err := rows.Scan(&addrHex, &ownerHex, &data); err != nil {
			return nil, err
		}
		a, err := address.Parse(addrHex)
		if err != nil {
			return nil, err
		}
		o, err := address.Parse(ownerHex)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Account{Address: a, Owner: o, Data: data})
	}
	return out, rows.Err()
}

// LastSlot reports the slot of the last applied batch (0 for a fresh db).
func (s *SQLiteStore) LastSlot(ctx context.Context) (uint64, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='last_slot'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}
