package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"delegate-assistant/internal/ids"
)

var (
	bucketTasks = []byte("tasks")
	bucketDead  = []byte("dead")
	bucketLocks = []byte("locks")
)

// BoltQueue keeps tasks, dead tasks and idempotency locks in one bbolt file.
// Task keys are ULIDs, so cursor order is enqueue order.
type BoltQueue struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*BoltQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketDead, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: init buckets: %w", err)
	}
	return &BoltQueue{db: db, now: time.Now}, nil
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// Enqueue stores job and returns the task id.
func (q *BoltQueue) Enqueue(_ context.Context, job Job) (string, error) {
	if job.Name == "" {
		return "", errors.New("queue: job name must not be empty")
	}
	now := q.now().UTC()
	t := Task{ID: ids.Ordered(), Job: job, NotBefore: now, EnqueuedAt: now}
	err := q.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx.Bucket(bucketTasks), t)
	})
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", job.Name, err)
	}
	return t.ID, nil
}

// Claim leases the oldest ready task from queueName (any queue when empty).
// A task is skipped while an older task with the same key is still stored,
// which keeps per-key execution strictly ordered. An expired lease makes the
// task claimable again.
func (q *BoltQueue) Claim(_ context.Context, queueName string, lease time.Duration) (Task, error) {
	now := q.now().UTC()
	var claimed Task
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		blocked := make(map[string]struct{})
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if queueName != "" && t.Job.Queue != queueName {
				continue
			}
			if t.Job.Key != "" {
				if _, ok := blocked[t.Job.Key]; ok {
					continue
				}
				blocked[t.Job.Key] = struct{}{}
			}
			if t.LeaseUntil.After(now) || t.NotBefore.After(now) {
				continue
			}
			t.Attempt++
			t.LeaseUntil = now.Add(lease)
			if err := putTask(b, t); err != nil {
				return err
			}
			claimed = t
			return nil
		}
		return ErrEmpty
	})
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			return Task{}, ErrEmpty
		}
		return Task{}, fmt.Errorf("queue: claim: %w", err)
	}
	return claimed, nil
}

// Ack removes a finished task.
func (q *BoltQueue) Ack(_ context.Context, id string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}

// Retry releases the lease and schedules the task again after delay.
func (q *BoltQueue) Retry(_ context.Context, id string, delay time.Duration, cause error) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(b, id)
		if err != nil {
			return err
		}
		t.LeaseUntil = time.Time{}
		t.NotBefore = q.now().UTC().Add(delay)
		if cause != nil {
			t.LastError = cause.Error()
		}
		return putTask(b, t)
	})
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, err)
	}
	return nil
}

// Bury moves a task that will not run again into the dead bucket.
func (q *BoltQueue) Bury(_ context.Context, id string, cause error) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(b, id)
		if err != nil {
			return err
		}
		t.LeaseUntil = time.Time{}
		if cause != nil {
			t.LastError = cause.Error()
		}
		if err := putTask(tx.Bucket(bucketDead), t); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("queue: bury %s: %w", id, err)
	}
	return nil
}

// Len returns the number of live and dead tasks.
func (q *BoltQueue) Len() (live, dead int, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		live = tx.Bucket(bucketTasks).Stats().KeyN
		dead = tx.Bucket(bucketDead).Stats().KeyN
		return nil
	})
	return live, dead, err
}

// Acquire takes key for ttl. It fails with ErrLocked while an unexpired
// holder exists; an expired lock is taken over.
func (q *BoltQueue) Acquire(_ context.Context, key string, ttl time.Duration) error {
	now := q.now().UTC()
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if v := b.Get([]byte(key)); len(v) == 8 {
			expires := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			if expires.After(now) {
				return ErrLocked
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(now.Add(ttl).UnixNano()))
		return b.Put([]byte(key), buf)
	})
	if errors.Is(err, ErrLocked) {
		return ErrLocked
	}
	if err != nil {
		return fmt.Errorf("queue: acquire %s: %w", key, err)
	}
	return nil
}

func (q *BoltQueue) Release(_ context.Context, key string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("queue: release %s: %w", key, err)
	}
	return nil
}

// PurgeLocks drops expired locks and reports how many were removed.
func (q *BoltQueue) PurgeLocks(_ context.Context) (int, error) {
	now := q.now().UTC()
	var n int
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) != 8 || !time.Unix(0, int64(binary.BigEndian.Uint64(v))).After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: purge locks: %w", err)
	}
	return n, nil
}

func putTask(b *bolt.Bucket, t Task) error {
	enc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put([]byte(t.ID), enc)
}

func getTask(b *bolt.Bucket, id string) (Task, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	var t Task
	if err := json.Unmarshal(v, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}
