// Package scheduler defines recurring task registration and a local
// scheduler that replays a bound instruction on an interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
)

var ErrBadTask = errors.New("scheduler: invalid task")

// Task replays Instruction every IntervalMillis, Iterations times.
type Task struct {
	ID             uint64
	IntervalMillis uint64
	Iterations     uint64
	Authority      address.Address
	Instruction    ledger.Instruction
}

// TaskKey scopes task IDs to the authority that registered them.
type TaskKey struct {
	Authority address.Address
	ID        uint64
}

func (t Task) Key() TaskKey { return TaskKey{Authority: t.Authority, ID: t.ID} }

func (t Task) Validate() error {
	if t.IntervalMillis == 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrBadTask)
	}
	if t.Iterations == 0 {
		return fmt.Errorf("%w: iterations must be > 0", ErrBadTask)
	}
	return nil
}

type Registrar interface {
	Register(ctx context.Context, t Task) error
	Cancel(key TaskKey) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, signer address.Address, ins ledger.Instruction) error
}

type LocalConfig struct {
	Identity address.Address
	MaxTries uint
	// Retryable classifies delivery errors; nil retries everything.
	Retryable func(error) bool
}

type TaskStatus struct {
	Authority address.Address
	ID        uint64
	Runs      uint64
	Failures  uint64
	Remaining uint64
}

type running struct {
	task   Task
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	runs     uint64
	failures uint64
}

// Local runs each task on its own goroutine. Registering an existing key
// replaces the running task; another authority's task with the same ID is
// left alone.
type Local struct {
	cfg  LocalConfig
	disp Dispatcher
	log  *log.Logger

	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	tasks  map[TaskKey]*running
	closed bool
}

func NewLocal(cfg LocalConfig, disp Dispatcher, logger *log.Logger) *Local {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	base, stop := context.WithCancel(context.Background())
	return &Local{
		cfg:   cfg,
		disp:  disp,
		log:   logger,
		base:  base,
		stop:  stop,
		tasks: map[TaskKey]*running{},
	}
}

func (s *Local) Identity() address.Address { return s.cfg.Identity }

func (s *Local) Register(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler: closed")
	}
	key := t.Key()
	prev := s.tasks[key]
	tctx, cancel := context.WithCancel(s.base)
	r := &running{task: t, cancel: cancel, done: make(chan struct{})}
	r.task.Instruction = t.Instruction.Clone()
	s.tasks[key] = r
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
		if s.log != nil {
			s.log.Printf("task %d of %s replaced", t.ID, t.Authority.Short())
		}
	}
	go s.loop(tctx, r)
	return nil
}

func (s *Local) Cancel(key TaskKey) bool {
	s.mu.Lock()
	r := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

func (s *Local) Status(key TaskKey) (TaskStatus, bool) {
	s.mu.Lock()
	r := s.tasks[key]
	s.mu.Unlock()
	if r == nil {
		return TaskStatus{}, false
	}
	return r.status(), true
}

func (s *Local) Tasks() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, r := range s.tasks {
		out = append(out, r.status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Authority.String() < out[j].Authority.String()
	})
	return out
}

// Run blocks until ctx is done, then stops every task.
func (s *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	s.Close()
	return ctx.Err()
}

func (s *Local) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := s.tasks
	s.tasks = map[TaskKey]*running{}
	s.mu.Unlock()
	s.stop()
	for _, r := range tasks {
		<-r.done
	}
}

func (r *running) status() TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TaskStatus{
		Authority: r.task.Authority,
		ID:        r.task.ID,
		Runs:      r.runs,
		Failures:  r.failures,
		Remaining: r.task.Iterations - r.runs - r.failures,
	}
}

func (s *Local) loop(ctx context.Context, r *running) {
	defer close(r.done)
	ticker := time.NewTicker(time.Duration(r.task.IntervalMillis) * time.Millisecond)
	defer ticker.Stop()

	for i := uint64(0); i < r.task.Iterations; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.fire(ctx, r.task)
		r.mu.Lock()
		if err != nil {
			r.failures++
		} else {
			r.runs++
		}
		r.mu.Unlock()
		if err != nil && ctx.Err() == nil && s.log != nil {
			s.log.Printf("task %d tick %d: %v", r.task.ID, i+1, err)
		}
	}
	s.mu.Lock()
	if key := r.task.Key(); s.tasks[key] == r {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
}

func (s *Local) fire(ctx context.Context, t Task) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Duration(t.IntervalMillis) * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.disp.Dispatch(ctx, s.cfg.Identity, t.Instruction)
		if err != nil && s.cfg.Retryable != nil && !s.cfg.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.MaxTries))
	return err
}
