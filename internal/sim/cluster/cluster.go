// Package cluster routes program instructions to whichever venue is
// authoritative for the target record and carries committed effects to the
// oracle, the scheduler and the other venue.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/sim/delegation"
	"tomo.ai/internal/sim/oracle"
	"tomo.ai/internal/sim/scheduler"
	"tomo.ai/internal/sim/tomo"
	"tomo.ai/internal/sim/tomo/record"
	"tomo.ai/internal/sim/venue"
)

const effectTimeout = 10 * time.Second

type Config struct {
	Program   *tomo.Program
	Primary   *venue.Venue
	Aux       *venue.Venue
	Oracle    oracle.Submitter
	Scheduler scheduler.Registrar
	Logger    *log.Logger
	Tracer    trace.Tracer
}

// Result is what a caller learns about one executed instruction.
type Result struct {
	Op     tomo.Op
	Venue  string
	Slot   uint64
	Logs   []string
	Return []byte
}

// View is a delegation-aware read of one creature.
type View struct {
	Address   address.Address
	Creature  record.Creature
	Delegated bool
	Venue     string
	// Stale is set when the authoritative copy could not be read and the
	// primary's locked copy was returned instead.
	Stale bool
}

type Cluster struct {
	prog    *tomo.Program
	reg     delegation.Registry
	primary *venue.Venue
	aux     *venue.Venue
	oracle  oracle.Submitter
	sched   scheduler.Registrar
	log     *log.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	pending []delegation.Commit

	// stripes serialize clone and commit work on one address.
	stripes [32]sync.Mutex
}

func New(cfg Config) *Cluster {
	tr := cfg.Tracer
	if tr == nil {
		tr = otel.Tracer("tomo.ai/internal/sim/cluster")
	}
	return &Cluster{
		prog:    cfg.Program,
		reg:     cfg.Program.Registry(),
		primary: cfg.Primary,
		aux:     cfg.Aux,
		oracle:  cfg.Oracle,
		sched:   cfg.Scheduler,
		log:     cfg.Logger,
		tracer:  tr,
	}
}

func (c *Cluster) Program() *tomo.Program { return c.prog }
func (c *Cluster) Primary() *venue.Venue  { return c.primary }
func (c *Cluster) Aux() *venue.Venue      { return c.aux }

// SetOracle and SetScheduler attach collaborators that dispatch back into c.
// Call them before the first Submit.
func (c *Cluster) SetOracle(o oracle.Submitter)       { c.oracle = o }
func (c *Cluster) SetScheduler(s scheduler.Registrar) { c.sched = s }

func (c *Cluster) lockAddr(addr address.Address) func() {
	m := &c.stripes[int(addr[0])%len(c.stripes)]
	m.Lock()
	return m.Unlock
}

func (c *Cluster) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

// Retryable reports whether a collaborator should redeliver after err.
func Retryable(err error) bool {
	return errors.Is(err, tomo.ErrDelegated) ||
		errors.Is(err, tomo.ErrNotDelegated) ||
		errors.Is(err, venue.ErrStopped) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Dispatch lets collaborators re-enter with their own identity.
func (c *Cluster) Dispatch(ctx context.Context, signer address.Address, ins ledger.Instruction) error {
	ctx, span := c.tracer.Start(ctx, "cluster.dispatch",
		trace.WithAttributes(attribute.String("tomo.signer", signer.Short())))
	defer span.End()
	_, err := c.Submit(ctx, tomo.Call{Signer: signer}, ins)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Submit executes ins on the venue authoritative for its target account.
func (c *Cluster) Submit(ctx context.Context, call tomo.Call, ins ledger.Instruction) (Result, error) {
	op, _, err := tomo.DecodeData(ins.Data)
	if err != nil {
		return Result{}, err
	}
	target, err := tomo.Target(ins)
	if err != nil {
		return Result{}, err
	}
	ctx, span := c.tracer.Start(ctx, "cluster.submit", trace.WithAttributes(
		attribute.String("tomo.op", op.String()),
		attribute.String("tomo.target", target.Short()),
	))
	defer span.End()

	c.flushPending(ctx)

	res := Result{Op: op}
	var receipt venue.Receipt
	for attempt := 0; ; attempt++ {
		v, err := c.route(ctx, op, target)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		receipt, err = v.Execute(ctx, op.String(), func(tx *venue.Tx) error {
			return c.prog.Process(tx, call, ins)
		})
		res.Venue = v.ID()
		res.Slot = receipt.Slot
		res.Logs = receipt.Logs
		if err == nil {
			break
		}
		// Authority moved between routing and execution.
		if attempt == 0 && c.moved(op, v, err) {
			c.logf("%s %s: re-routing after %v", op, target.Short(), err)
			if v == c.aux && errors.Is(err, tomo.ErrDelegated) {
				// Sealed copy: finish its undelegation first.
				if serr := c.settle(ctx, target); serr != nil {
					span.RecordError(serr)
					span.SetStatus(codes.Error, serr.Error())
					return res, fmt.Errorf("%w (settle: %v)", err, serr)
				}
			}
			continue
		}
		span.SetAttributes(attribute.String("tomo.venue", res.Venue))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("tomo.venue", res.Venue), attribute.Int64("tomo.slot", int64(res.Slot)))
	res.Return = receipt.Return

	// The transaction committed; its effects must not die with the caller.
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), effectTimeout)
	defer cancel()
	for _, eff := range receipt.Effects {
		if err := c.apply(ectx, eff); err != nil {
			c.logf("%s %s: effect %T: %v", op, target.Short(), eff, err)
			res.Logs = append(res.Logs, fmt.Sprintf("effect failed: %v", err))
			span.RecordError(err)
		}
	}
	return res, nil
}

func (c *Cluster) moved(op tomo.Op, v *venue.Venue, err error) bool {
	if op.PrimaryOnly() {
		return false
	}
	if v == c.primary {
		return errors.Is(err, tomo.ErrDelegated)
	}
	return errors.Is(err, tomo.ErrNotFound) || errors.Is(err, tomo.ErrNotDelegated) || errors.Is(err, tomo.ErrDelegated)
}

func (c *Cluster) route(ctx context.Context, op tomo.Op, target address.Address) (*venue.Venue, error) {
	if op.PrimaryOnly() || c.aux == nil {
		return c.primary, nil
	}
	st, err := c.primaryState(ctx, target)
	if err != nil {
		return nil, err
	}
	if st != delegation.Locked {
		return c.primary, nil
	}
	if err := c.ensureClone(ctx, target); err != nil {
		return nil, err
	}
	if err := c.ensureClone(ctx, c.prog.CompanionAddress(target)); err != nil {
		return nil, err
	}
	return c.aux, nil
}

func (c *Cluster) primaryState(ctx context.Context, addr address.Address) (delegation.State, error) {
	var st delegation.State
	err := c.primary.View(ctx, func(tx *venue.Tx) error {
		s, err := c.reg.State(tx, addr)
		st = s
		return err
	})
	return st, err
}

// ensureClone copies a locked primary account into the auxiliary venue if the
// auxiliary copy is missing (a lost clone effect or a restarted aux venue) or
// belongs to an earlier delegation. A copy from the current delegation, active
// or sealed, is left alone.
func (c *Cluster) ensureClone(ctx context.Context, addr address.Address) error {
	defer c.lockAddr(addr)()

	var accts []ledger.Account
	var window uint64
	err := c.primary.View(ctx, func(tx *venue.Tx) error {
		st, err := c.reg.State(tx, addr)
		if err != nil || st != delegation.Locked {
			return err
		}
		a, err := tx.Get(addr)
		if err != nil {
			return err
		}
		rec, _, err := c.reg.Record(tx, addr)
		if err != nil {
			return err
		}
		recAcct, err := tx.Get(c.reg.RecordAddress(addr))
		if err != nil {
			return err
		}
		a.Owner = rec.Owner
		accts = []ledger.Account{a, recAcct}
		window = rec.Slot
		return nil
	})
	if err != nil || len(accts) == 0 {
		return err
	}
	_, err = c.aux.Execute(ctx, "clone", func(tx *venue.Tx) error {
		rec, ok, err := c.reg.Record(tx, addr)
		if err != nil {
			return err
		}
		if ok && rec.Slot == window {
			if exists, err := tx.Exists(addr); err != nil || exists {
				return err
			}
		}
		for _, a := range accts {
			tx.Put(a)
		}
		tx.Logf("lazy clone of %s", addr.Short())
		return nil
	})
	return err
}

func (c *Cluster) apply(ctx context.Context, eff any) error {
	switch e := eff.(type) {
	case oracle.Request:
		if c.oracle == nil {
			return errors.New("no oracle configured")
		}
		return c.oracle.Submit(ctx, e)
	case scheduler.Task:
		if c.sched == nil {
			return errors.New("no scheduler configured")
		}
		return c.sched.Register(ctx, e)
	case delegation.Clone:
		return c.clone(ctx, e)
	case delegation.Commit:
		if err := c.commit(ctx, e); err != nil {
			c.mu.Lock()
			c.pending = append(c.pending, e)
			c.mu.Unlock()
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown effect %T", eff)
	}
}

// clone brings freshly locked accounts into the auxiliary venue. It reads
// the primary again rather than trusting the effect's copies, which may be
// older than a commit that already closed the delegation.
func (c *Cluster) clone(ctx context.Context, e delegation.Clone) error {
	if c.aux == nil {
		return errors.New("no auxiliary venue")
	}
	for _, a := range e.Accounts {
		if a.Owner == c.reg.Program {
			continue
		}
		if err := c.ensureClone(ctx, a.Address); err != nil {
			return err
		}
	}
	return nil
}

// commit replays captured state onto the primary venue as the delegation
// program, then drops the sealed copy from the auxiliary venue. An account
// whose delegation already closed is skipped, so a retried commit is safe.
func (c *Cluster) commit(ctx context.Context, e delegation.Commit) error {
	for _, ca := range e.Accounts {
		if err := c.commitOne(ctx, ca); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) commitOne(ctx context.Context, ca delegation.Committed) error {
	addr := ca.Account.Address
	defer c.lockAddr(addr)()

	call := tomo.Call{Signer: c.prog.Config().DelegationProgram}
	ins, err := c.prog.Instruction(tomo.OpProcessUndelegation, addr, tomo.Args{
		Seeds:   ca.Seeds,
		Payload: ca.Account.Data,
	})
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		_, err := c.primary.Execute(ctx, tomo.OpProcessUndelegation.String(), func(tx *venue.Tx) error {
			rec, ok, err := c.reg.Record(tx, addr)
			if err != nil {
				return err
			}
			if !ok || rec.Slot != ca.Slot {
				tx.Logf("%s: delegation from slot %d already closed", addr.Short(), ca.Slot)
				return nil
			}
			return c.prog.Process(tx, call, ins)
		})
		if errors.Is(err, tomo.ErrNotDelegated) {
			return struct{}{}, nil
		}
		if err != nil && !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("commit %s: %w", addr.Short(), err)
	}
	if c.aux == nil {
		return nil
	}
	_, err = c.aux.Execute(ctx, "finalize", func(tx *venue.Tx) error {
		dropped, err := c.reg.Drop(tx, addr, ca.Slot)
		if dropped {
			tx.Logf("dropped sealed %s", addr.Short())
		}
		return err
	})
	if err != nil {
		// The primary is already restored; a later settle or Recover drops the copy.
		c.logf("finalize %s: %v", addr.Short(), err)
	}
	return nil
}

// settle commits whatever the auxiliary venue holds sealed for creature.
func (c *Cluster) settle(ctx context.Context, creature address.Address) error {
	if c.aux == nil {
		return nil
	}
	var e delegation.Commit
	err := c.aux.View(ctx, func(tx *venue.Tx) error {
		s, err := c.prog.Sealed(tx, creature)
		e = s
		return err
	})
	if err != nil || len(e.Accounts) == 0 {
		return err
	}
	return c.commit(ctx, e)
}

// Recover settles every sealed creature left on the auxiliary venue, e.g.
// commits lost to a restart. Call it once both venues are running.
func (c *Cluster) Recover(ctx context.Context) (int, error) {
	if c.aux == nil {
		return 0, nil
	}
	snap, err := c.aux.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range snap.Accounts {
		if a.Owner != c.reg.Program || !record.IsCreature(a.Data) {
			continue
		}
		if err := c.settle(ctx, a.Address); err != nil {
			return n, fmt.Errorf("recover %s: %w", a.Address.Short(), err)
		}
		n++
	}
	if n > 0 {
		c.logf("recovered %d sealed creature(s)", n)
	}
	return n, nil
}

func (c *Cluster) flushPending(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, e := range pending {
		if err := c.commit(ctx, e); err != nil {
			c.logf("pending commit: %v", err)
			c.mu.Lock()
			c.pending = append(c.pending, e)
			c.mu.Unlock()
		}
	}
}

// Pending is the number of commits still waiting for the primary venue.
func (c *Cluster) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Fetch reads a creature from the venue authoritative for it.
func (c *Cluster) Fetch(ctx context.Context, uid string) (View, error) {
	ctx, span := c.tracer.Start(ctx, "cluster.fetch")
	defer span.End()

	addr := c.prog.CreatureAddress(uid)
	view := View{Address: addr, Venue: c.primary.ID()}
	var primaryCopy ledger.Account
	var st delegation.State
	err := c.primary.View(ctx, func(tx *venue.Tx) error {
		s, err := c.reg.State(tx, addr)
		if err != nil {
			return err
		}
		st = s
		if s == delegation.Missing {
			return fmt.Errorf("%w: uid %q", tomo.ErrNotFound, uid)
		}
		primaryCopy, err = tx.Get(addr)
		return err
	})
	if err != nil {
		return View{}, err
	}
	src := primaryCopy
	if st == delegation.Locked {
		view.Delegated = true
		if a, err := c.readAux(ctx, addr); err == nil {
			src = a
			view.Venue = c.aux.ID()
		} else {
			c.logf("fetch %q: aux read failed, serving stale copy: %v", uid, err)
			view.Stale = true
		}
	}
	cr, err := c.prog.DecodeCreature(src)
	if err != nil {
		return View{}, err
	}
	view.Creature = cr
	span.SetAttributes(attribute.String("tomo.venue", view.Venue), attribute.Bool("tomo.delegated", view.Delegated))
	return view, nil
}

func (c *Cluster) readAux(ctx context.Context, addr address.Address) (ledger.Account, error) {
	if c.aux == nil {
		return ledger.Account{}, errors.New("no auxiliary venue")
	}
	if err := c.ensureClone(ctx, addr); err != nil {
		return ledger.Account{}, err
	}
	return c.aux.Get(ctx, addr)
}
