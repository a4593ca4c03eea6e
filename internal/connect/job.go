package connect

import (
	"context"
	"sync"
)

// job is one queued operation. exec runs with the busy gate held; done receives the outcome exactly once.
type job struct {
	addr string
	op   string
	exec func(ctx context.Context, s *session) error
	done func(error)

	once   sync.Once
	cancel context.CancelFunc
}

func newJob(addr, op string, exec func(ctx context.Context, s *session) error, done func(error)) *job {
	if done == nil {
		done = func(error) {}
	}
	return &job{addr: addr, op: op, exec: exec, done: done}
}
