package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc runs one attempt of a job.
type HandlerFunc func(ctx context.Context, payload []byte) error

// ExhaustedFunc is called once a job has failed for the last time.
type ExhaustedFunc func(ctx context.Context, payload []byte, err error)

type route struct {
	run       HandlerFunc
	exhausted ExhaustedFunc
}

// Registry maps job names to handlers. It is shared by Pool and Direct.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]route
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]route)}
}

func (r *Registry) Register(name string, run HandlerFunc, exhausted ExhaustedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = route{run: run, exhausted: exhausted}
}

func (r *Registry) lookup(name string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[name]
	return rt, ok
}

// Config tunes task execution.
type Config struct {
	Workers        int
	Queue          string
	AttemptTimeout time.Duration
	Lease          time.Duration
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Queue:          "high_priority",
		AttemptTimeout: 300 * time.Second,
		PollInterval:   250 * time.Millisecond,
		BackoffBase:    2 * time.Second,
		BackoffMax:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.Lease <= c.AttemptTimeout {
		c.Lease = c.AttemptTimeout + time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// attempt runs one try of run with the per-attempt timeout, turning panics
// into errors.
func attempt(ctx context.Context, timeout time.Duration, run HandlerFunc, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return run(ctx, payload)
}

func exhaust(ctx context.Context, log *zap.Logger, rt route, payload []byte, cause error) {
	if rt.exhausted == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("exhausted handler panicked", zap.Any("panic", r))
		}
	}()
	rt.exhausted(ctx, payload, cause)
}

// Pool drains a BoltQueue with a fixed number of workers.
type Pool struct {
	q       *BoltQueue
	reg     *Registry
	cfg     Config
	backoff *Backoff
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewPool(q *BoltQueue, reg *Registry, cfg Config, log *zap.Logger) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue: queue must not be nil")
	}
	if reg == nil {
		return nil, errors.New("queue: registry must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{q: q, reg: reg, cfg: cfg, backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax), log: log}, nil
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.log.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := p.RunOnce(ctx)
		if err != nil {
			log.Error("queue claim failed", zap.Error(err))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims and executes a single task. It reports false when the queue
// had nothing ready.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	t, err := p.q.Claim(ctx, p.cfg.Queue, p.cfg.Lease)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.execute(ctx, t)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, t Task) {
	log := p.log.With(zap.String("task_id", t.ID), zap.String("job", t.Job.Name), zap.Int("attempt", t.Attempt))
	rt, ok := p.reg.lookup(t.Job.Name)
	if !ok {
		log.Error("no handler registered for job")
		if err := p.q.Bury(ctx, t.ID, fmt.Errorf("no handler for %q", t.Job.Name)); err != nil {
			log.Error("bury failed", zap.Error(err))
		}
		return
	}

	runErr := attempt(ctx, p.cfg.AttemptTimeout, rt.run, t.Job.Payload)
	if runErr == nil {
		if err := p.q.Ack(ctx, t.ID); err != nil {
			log.Error("ack failed", zap.Error(err))
		}
		return
	}

	if !IsPermanent(runErr) && !t.Exhausted() {
		delay := p.backoff.Delay(t.Attempt)
		log.Warn("task failed, retrying", zap.Error(runErr), zap.Duration("delay", delay))
		if err := p.q.Retry(ctx, t.ID, delay, runErr); err != nil {
			log.Error("retry failed", zap.Error(err))
		}
		return
	}

	log.Error("task failed permanently", zap.Error(runErr), zap.Bool("permanent", IsPermanent(runErr)))
	exhaust(ctx, log, rt, t.Job.Payload, runErr)
	if err := p.q.Bury(ctx, t.ID, runErr); err != nil {
		log.Error("bury failed", zap.Error(err))
	}
}
