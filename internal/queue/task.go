// Package queue runs background jobs: a durable bbolt-backed queue with a
// worker pool, and a direct dispatcher for processes that cannot keep one.
package queue

import (
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Claim when no task is ready.
	ErrEmpty = errors.New("queue: empty")
	// ErrLocked is returned by Acquire while another holder owns the key.
	ErrLocked = errors.New("queue: locked")
)

const DefaultMaxRetries = 3

// Job is a unit of work as submitted by a producer. Jobs sharing a Key run
// one at a time in enqueue order.
type Job struct {
	Name       string `json:"name"`
	Queue      string `json:"queue"`
	Key        string `json:"key"`
	Payload    []byte `json:"payload"`
	MaxRetries int    `json:"max_retries"`
}

// Task is the stored record of a Job. Attempt counts claims so far.
type Task struct {
	ID         string    `json:"id"`
	Job        Job       `json:"job"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	LeaseUntil time.Time `json:"lease_until"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Exhausted reports whether the task has used its initial run and all retries.
func (t Task) Exhausted() bool {
	return t.Attempt > t.Job.MaxRetries
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
