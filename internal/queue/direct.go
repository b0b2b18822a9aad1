package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"delegate-assistant/internal/ids"
)

// Direct runs jobs inline with the same retry policy as Pool. It serves
// processes that cannot keep a worker pool alive, such as a Lambda handler.
type Direct struct {
	reg     *Registry
	cfg     Config
	backoff *Backoff
	sleep   func(ctx context.Context, d time.Duration) error
	log     *zap.Logger
}

func NewDirect(reg *Registry, cfg Config, log *zap.Logger) *Direct {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Direct{
		reg:     reg,
		cfg:     cfg,
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		sleep:   sleepCtx,
		log:     log,
	}
}

// Enqueue runs job to completion before returning. Handler failures are
// retried, then reported to the exhausted callback; only an unknown job name
// or a cancelled context is returned as an error.
func (d *Direct) Enqueue(ctx context.Context, job Job) (string, error) {
	rt, ok := d.reg.lookup(job.Name)
	if !ok {
		return "", fmt.Errorf("queue: no handler for %q", job.Name)
	}
	id := ids.Ordered()
	log := d.log.With(zap.String("task_id", id), zap.String("job", job.Name))
	for try := 1; ; try++ {
		err := attempt(ctx, d.cfg.AttemptTimeout, rt.run, job.Payload)
		if err == nil {
			return id, nil
		}
		if IsPermanent(err) || try > job.MaxRetries {
			log.Error("task failed permanently", zap.Error(err), zap.Int("attempt", try))
			exhaust(ctx, log, rt, job.Payload, err)
			return id, nil
		}
		delay := d.backoff.Delay(try)
		log.Warn("task failed, retrying", zap.Error(err), zap.Int("attempt", try), zap.Duration("delay", delay))
		if err := d.sleep(ctx, delay); err != nil {
			return id, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
