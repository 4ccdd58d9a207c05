package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolExecutesJobs(t *testing.T) {
	pool := NewPool(4, 64)
	pool.Start(context.Background())

	var executed atomic.Int64
	for i := 0; i < 20; i++ {
		pool.Submit(Job{Name: "count", Fn: func(context.Context) { executed.Add(1) }})
	}

	pool.Stop()
	assert.Equal(t, int64(20), executed.Load())
}

func TestPoolRecoversFromPanics(t *testing.T) {
	pool := NewPool(1, 8)
	pool.Start(context.Background())

	var after atomic.Bool
	pool.Submit(Job{Name: "boom", Fn: func(context.Context) { panic("boom") }})
	pool.Submit(Job{Name: "after", Fn: func(context.Context) { after.Store(true) }})

	pool.Stop()
	assert.True(t, after.Load())
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1)

	// Not started: first job fills the queue, the second is dropped
	// without blocking the submitter.
	done := make(chan struct{})
	go func() {
		pool.Submit(Job{Name: "a", Fn: func(context.Context) {}})
		pool.Submit(Job{Name: "b", Fn: func(context.Context) {}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}
