package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sudankdk/icee/internal/execerr"
)

func TestAdmitSameUserConcurrently(t *testing.T) {
	c := New(10)

	var admitted, rejected atomic.Int32
	start := make(chan struct{})
	hold := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := c.Admit(context.Background(), "alice")
			if err != nil {
				assert.ErrorIs(t, err, execerr.ErrUserBusy)
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			<-hold
			release()
		}()
	}
	close(start)

	require.Eventually(t, func() bool {
		return admitted.Load()+rejected.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(hold)
	wg.Wait()

	assert.EqualValues(t, 1, admitted.Load())
	assert.EqualValues(t, 1, rejected.Load())
	assert.False(t, c.Busy("alice"))
}

func TestAdmitBusyUserDoesNotQueue(t *testing.T) {
	c := New(1)
	release, err := c.Admit(context.Background(), "alice")
	require.NoError(t, err)
	defer release()

	// the only slot is taken, yet alice is turned away at once
	_, err = c.Admit(context.Background(), "alice")
	assert.ErrorIs(t, err, execerr.ErrUserBusy)
}

func TestAdmitBlocksWhenSaturated(t *testing.T) {
	c := New(2)
	r1, err := c.Admit(context.Background(), "a")
	require.NoError(t, err)
	r2, err := c.Admit(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, c.Saturated())

	admitted := make(chan func(), 1)
	go func() {
		r3, err := c.Admit(context.Background(), "c")
		if assert.NoError(t, err) {
			admitted <- r3
		}
	}()

	select {
	case <-admitted:
		t.Fatal("third execution was admitted while saturated")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	select {
	case r3 := <-admitted:
		r3()
	case <-time.After(2 * time.Second):
		t.Fatal("third execution was not admitted after a slot freed")
	}
	r2()
	assert.False(t, c.Saturated())
}

func TestAdmitCancelledWhileWaiting(t *testing.T) {
	c := New(1)
	release, err := c.Admit(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Admit(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.Busy("b"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := New(1)
	release, err := c.Admit(context.Background(), "a")
	require.NoError(t, err)
	release()
	release()

	r1, err := c.Admit(context.Background(), "a")
	require.NoError(t, err)
	defer r1()
	assert.True(t, c.Saturated())
}
