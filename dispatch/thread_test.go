package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type destroyable struct {
	destroyed bool
}

func (d *destroyable) Destroy() { d.destroyed = true }

func TestThreadOrdering(t *testing.T) {
	threads := NewThreads()
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	th, err := threads.New("worker", func(ev any) {
		mu.Lock()
		got = append(got, ev.(int))
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})
	require.NoError(t, err)
	require.NoError(t, th.Start(context.Background()))

	for i := 0; i < 100; i++ {
		require.True(t, th.Post(i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not handled")
	}
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	require.NoError(t, th.Stop(context.Background()))
}

func TestThreadLookup(t *testing.T) {
	threads := NewThreads()
	th, err := threads.New("main", func(any) {})
	require.NoError(t, err)

	assert.Nil(t, threads.FindByName("main"), "not started yet")
	require.NoError(t, th.Start(context.Background()))

	assert.Same(t, th, threads.FindByName("main"))
	assert.Same(t, th, threads.FindByID(th.ID()))
	assert.NotZero(t, th.ID())

	_, err = threads.New("main", func(any) {})
	assert.Error(t, err)

	require.NoError(t, th.Stop(context.Background()))
	assert.Nil(t, threads.FindByName("main"))
	assert.Nil(t, threads.FindByID(th.ID()))
}

func TestPostAfterStopDestroys(t *testing.T) {
	threads := NewThreads()
	th, err := threads.New("gone", func(any) {})
	require.NoError(t, err)
	require.NoError(t, th.Start(context.Background()))
	require.NoError(t, th.Stop(context.Background()))

	ev := &destroyable{}
	assert.False(t, th.Post(ev))
	assert.True(t, ev.destroyed)
}

func TestExitFromHandler(t *testing.T) {
	threads := NewThreads()
	var th *Thread
	th, err := threads.New("self", func(ev any) {
		if ev == "quit" {
			th.Exit()
		}
	})
	require.NoError(t, err)
	require.NoError(t, th.Start(context.Background()))

	th.Post("quit")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, th.Wait(ctx))
	assert.False(t, th.IsRunning())
}
