// Package venue runs one execution venue: a single goroutine that applies
// transactions against a ledger.Store one at a time.
package venue

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/persistence/snapshot"
)

var ErrStopped = errors.New("venue stopped")

type Config struct {
	ID string
	// StartSlot resumes slot numbering (e.g. from a snapshot or the db).
	StartSlot uint64
	// SnapshotEverySlots <= 0 disables periodic snapshots.
	SnapshotEverySlots uint64
	Now                func() time.Time
}

// Optional sinks (may be nil). Implemented in internal/persistence/*.
type TxLogger interface {
	WriteTx(entry TxLogEntry) error
}

type Options struct {
	Logger       *log.Logger
	TxLoggers    []TxLogger
	SnapshotSink chan<- snapshot.SnapshotV1
}

type TxLogEntry struct {
	Venue   string   `json:"venue"`
	Slot    uint64   `json:"slot"`
	Label   string   `json:"label"`
	Time    int64    `json:"time"`
	OK      bool     `json:"ok"`
	Err     string   `json:"err,omitempty"`
	Writes  []string `json:"writes,omitempty"`
	Deletes []string `json:"deletes,omitempty"`
	Logs    []string `json:"logs,omitempty"`
}

// Receipt describes a committed (or failed) transaction.
type Receipt struct {
	Venue   string
	Slot    uint64
	Logs    []string
	Return  []byte
	Effects []any
}

type execReq struct {
	ctx      context.Context
	label    string
	readOnly bool
	fn       func(tx *Tx) error
	resp     chan execResp
}

type execResp struct {
	receipt Receipt
	err     error
}

// Venue is a single-threaded authoritative executor.
// The store must only be written from the loop goroutine.
type Venue struct {
	cfg   Config
	store ledger.Store
	log   *log.Logger

	txLoggers    []TxLogger
	snapshotSink chan<- snapshot.SnapshotV1

	slot     atomic.Uint64
	lastSnap uint64
	exec     chan execReq
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce atomic.Bool
	running  atomic.Bool
}

func New(cfg Config, store ledger.Store, opts Options) *Venue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := &Venue{
		cfg:          cfg,
		store:        store,
		log:          opts.Logger,
		txLoggers:    opts.TxLoggers,
		snapshotSink: opts.SnapshotSink,
		exec:         make(chan execReq),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	v.slot.Store(cfg.StartSlot)
	v.lastSnap = cfg.StartSlot
	return v
}

func (v *Venue) ID() string {
	if v == nil {
		return ""
	}
	return v.cfg.ID
}

func (v *Venue) CurrentSlot() uint64 { return v.slot.Load() }

func (v *Venue) Run(ctx context.Context) error {
	if !v.running.CompareAndSwap(false, true) {
		return errors.New("venue already running")
	}
	defer close(v.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.stop:
			return nil
		case req := <-v.exec:
			v.handle(req)
		}
	}
}

func (v *Venue) Stop() {
	if v.stopOnce.CompareAndSwap(false, true) {
		close(v.stop)
	}
}

// Done is closed once Run has returned.
func (v *Venue) Done() <-chan struct{} { return v.stopped }

// Execute applies fn atomically. label names the operation in logs.
func (v *Venue) Execute(ctx context.Context, label string, fn func(tx *Tx) error) (Receipt, error) {
	return v.submit(ctx, execReq{ctx: ctx, label: label, fn: fn})
}

// View runs fn against current state without consuming a slot; writes are discarded.
func (v *Venue) View(ctx context.Context, fn func(tx *Tx) error) error {
	_, err := v.submit(ctx, execReq{ctx: ctx, label: "view", readOnly: true, fn: fn})
	return err
}

// Get reads one account through the loop.
func (v *Venue) Get(ctx context.Context, addr address.Address) (ledger.Account, error) {
	var out ledger.Account
	err := v.View(ctx, func(tx *Tx) error {
		a, err := tx.Get(addr)
		out = a
		return err
	})
	return out, err
}

func (v *Venue) submit(ctx context.Context, req execReq) (Receipt, error) {
	if v == nil {
		return Receipt{}, ErrStopped
	}
	req.resp = make(chan execResp, 1)
	select {
	case v.exec <- req:
	case <-v.stopped:
		return Receipt{}, ErrStopped
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
	// Accepted requests always get a reply (handle fails fast on a dead ctx),
	// so a committed receipt and its effects are never dropped.
	select {
	case r := <-req.resp:
		return r.receipt, r.err
	case <-v.stopped:
		select {
		case r := <-req.resp:
			return r.receipt, r.err
		default:
			return Receipt{}, ErrStopped
		}
	}
}

func (v *Venue) handle(req execReq) {
	if req.ctx.Err() != nil {
		req.resp <- execResp{err: req.ctx.Err()}
		return
	}
	slot := v.slot.Load()
	if !req.readOnly {
		slot = v.slot.Add(1)
	}
	now := v.cfg.Now()
	tx := newTx(req.ctx, v.cfg.ID, slot, now, v.store)

	err := req.fn(tx)
	if req.readOnly {
		req.resp <- execResp{err: err}
		return
	}

	batch := tx.batch()
	if err == nil {
		if aerr := v.store.Apply(req.ctx, batch); aerr != nil {
			err = aerr
			if v.log != nil {
				v.log.Printf("slot=%d %s: apply: %v", slot, req.label, aerr)
			}
		}
	}

	receipt := Receipt{Venue: v.cfg.ID, Slot: slot, Logs: tx.logs}
	if err == nil {
		receipt.Return = tx.ret
		receipt.Effects = tx.effects
	}
	v.record(req.label, now, batch, receipt, err)
	req.resp <- execResp{receipt: receipt, err: err}

	v.maybeSnapshot(req.ctx, slot, now)
}

func (v *Venue) record(label string, now time.Time, batch ledger.Batch, r Receipt, err error) {
	if len(v.txLoggers) == 0 {
		return
	}
	e := TxLogEntry{
		Venue: v.cfg.ID,
		Slot:  r.Slot,
		Label: label,
		Time:  now.UnixMilli(),
		OK:    err == nil,
		Logs:  r.Logs,
	}
	if err != nil {
		e.Err = err.Error()
	} else {
		for _, a := range batch.Puts {
			e.Writes = append(e.Writes, a.Address.String())
		}
		for _, a := range batch.Deletes {
			e.Deletes = append(e.Deletes, a.String())
		}
	}
	for _, l := range v.txLoggers {
		if l == nil {
			continue
		}
		if werr := l.WriteTx(e); werr != nil && v.log != nil {
			v.log.Printf("tx log: %v", werr)
		}
	}
}

func (v *Venue) maybeSnapshot(ctx context.Context, slot uint64, now time.Time) {
	if v.snapshotSink == nil || v.cfg.SnapshotEverySlots == 0 {
		return
	}
	if slot-v.lastSnap < v.cfg.SnapshotEverySlots {
		return
	}
	v.lastSnap = slot
	snap, err := v.export(ctx, slot, now)
	if err != nil {
		if v.log != nil {
			v.log.Printf("snapshot export: %v", err)
		}
		return
	}
	select {
	case v.snapshotSink <- snap:
	default:
		// Writer is behind; the next interval will catch up.
	}
}

func (v *Venue) export(ctx context.Context, slot uint64, now time.Time) (snapshot.SnapshotV1, error) {
	accts, err := v.store.List(ctx)
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			VenueID: v.cfg.ID,
			Slot:    slot,
			TakenAt: now.Unix(),
		},
		Accounts: accts,
	}, nil
}

// Snapshot exports the current account set through the loop.
func (v *Venue) Snapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	var out snapshot.SnapshotV1
	err := v.View(ctx, func(tx *Tx) error {
		s, err := v.export(ctx, tx.Slot(), tx.Now())
		out = s
		return err
	})
	return out, err
}
