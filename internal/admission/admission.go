package admission

import (
	"context"
	"sync"

	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Controller bounds the number of concurrent executions and allows one
// execution per user at a time.
type Controller struct {
	slots *semaphore.Weighted
	size  int64
	busy  sync.Map // user id -> struct{}

	mu     sync.Mutex
	active int64
}

func New(maxConcurrent int) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Controller{
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
		size:  int64(maxConcurrent),
	}
}

// Busy reports whether userID currently runs an execution.
func (c *Controller) Busy(userID string) bool {
	_, ok := c.busy.Load(userID)
	return ok
}

// Saturated reports whether a new execution would have to wait for a slot.
func (c *Controller) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active >= c.size
}

// Admit waits for a free slot and marks userID busy. A user who is already
// busy is turned away without waiting. The returned release func must be
// called exactly once when the execution ends.
func (c *Controller) Admit(ctx context.Context, userID string) (func(), error) {
	if c.Busy(userID) {
		return nil, execerr.ErrUserBusy
	}

	metrics.ExecutionsWaiting.Inc()
	err := c.slots.Acquire(ctx, 1)
	metrics.ExecutionsWaiting.Dec()
	if err != nil {
		return nil, err
	}

	// the same user may have been admitted while we waited
	if _, loaded := c.busy.LoadOrStore(userID, struct{}{}); loaded {
		c.slots.Release(1)
		return nil, execerr.ErrUserBusy
	}
	c.track(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.busy.Delete(userID)
			c.track(-1)
			c.slots.Release(1)
		})
	}, nil
}

func (c *Controller) track(delta int64) {
	c.mu.Lock()
	c.active += delta
	c.mu.Unlock()
	metrics.ExecutionsActive.Add(float64(delta))
}
