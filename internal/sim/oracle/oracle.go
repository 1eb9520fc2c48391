// Package oracle defines the randomness request handed to an oracle queue
// and a local oracle that answers it.
package oracle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/ledger/address"
)

var (
	ErrWrongQueue = errors.New("oracle: request for another queue")
	ErrQueueFull  = errors.New("oracle: queue full")
)

// Request asks for 32 random bytes to be delivered by invoking
// CallbackProgram with CallbackData followed by the randomness.
type Request struct {
	ID              string
	Requester       address.Address
	Payer           address.Address
	Queue           address.Address
	CallbackProgram address.Address
	CallbackData    []byte
	Seed            [32]byte
	Accounts        []ledger.AccountMeta
	Slot            uint64
}

// Callback builds the instruction that delivers randomness.
func (r Request) Callback(randomness [32]byte) ledger.Instruction {
	data := make([]byte, 0, len(r.CallbackData)+32)
	data = append(data, r.CallbackData...)
	data = append(data, randomness[:]...)
	return ledger.Instruction{
		Program:  r.CallbackProgram,
		Accounts: append([]ledger.AccountMeta(nil), r.Accounts...),
		Data:     data,
	}
}

type Submitter interface {
	Submit(ctx context.Context, req Request) error
}

// Dispatcher executes an instruction signed by signer.
type Dispatcher interface {
	Dispatch(ctx context.Context, signer address.Address, ins ledger.Instruction) error
}

type LocalConfig struct {
	Identity address.Address
	Queue    address.Address
	// Secret keys the randomness derivation.
	Secret    []byte
	QueueSize int
	MaxTries  uint
	// Retryable classifies delivery errors; nil retries everything.
	Retryable func(error) bool
}

type Stats struct {
	Submitted uint64
	Delivered uint64
	Failed    uint64
}

// Local answers requests in submission order on one goroutine and retries
// failed deliveries with exponential backoff.
type Local struct {
	cfg   LocalConfig
	disp  Dispatcher
	log   *log.Logger
	queue chan Request

	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewLocal(cfg LocalConfig, disp Dispatcher, logger *log.Logger) *Local {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	return &Local{
		cfg:   cfg,
		disp:  disp,
		log:   logger,
		queue: make(chan Request, cfg.QueueSize),
	}
}

func (o *Local) Identity() address.Address { return o.cfg.Identity }

func (o *Local) Submit(ctx context.Context, req Request) error {
	if req.Queue != o.cfg.Queue {
		return fmt.Errorf("%w: %s", ErrWrongQueue, req.Queue.Short())
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	select {
	case o.queue <- req:
		o.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (o *Local) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-o.queue:
			o.deliver(ctx, req)
		}
	}
}

func (o *Local) Stats() Stats {
	return Stats{
		Submitted: o.submitted.Load(),
		Delivered: o.delivered.Load(),
		Failed:    o.failed.Load(),
	}
}

// Randomness is a deterministic function of the secret and the request.
func (o *Local) Randomness(req Request) [32]byte {
	h := blake3.New(32, nil)
	h.Write(o.cfg.Secret)
	h.Write([]byte(req.ID))
	h.Write(req.Seed[:])
	var slot [8]byte
	binary.LittleEndian.PutUint64(slot[:], req.Slot)
	h.Write(slot[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (o *Local) deliver(ctx context.Context, req Request) {
	ins := req.Callback(o.Randomness(req))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.disp.Dispatch(ctx, o.cfg.Identity, ins)
		if err != nil && o.cfg.Retryable != nil && !o.cfg.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(o.cfg.MaxTries))
	if err != nil {
		o.failed.Add(1)
		if o.log != nil {
			o.log.Printf("request %s: callback failed: %v", req.ID, err)
		}
		return
	}
	o.delivered.Add(1)
}
