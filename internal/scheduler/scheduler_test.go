package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Submit(t *testing.T) {
	s := New(2, nil, nil)
	defer s.Close()

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, s.Submit(func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestScheduler_SubmitBoundsWorkers(t *testing.T) {
	s := New(2, nil, nil)
	defer s.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, s.Submit(func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestScheduler_Every(t *testing.T) {
	mock := clock.NewMock()
	s := New(1, mock, nil)
	defer s.Close()

	var runs atomic.Int32
	stop, err := s.Every(time.Second, func(ctx context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return runs.Load() == want }, time.Second, time.Millisecond)
	}

	stop()
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())

	// stop is idempotent
	stop()
}

func TestScheduler_EveryRejectsBadInterval(t *testing.T) {
	s := New(1, nil, nil)
	defer s.Close()

	_, err := s.Every(0, func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestScheduler_CloseCancelsTasks(t *testing.T) {
	s := New(1, nil, nil)

	started := make(chan struct{})
	var canceled atomic.Bool
	require.NoError(t, s.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
	}))
	<-started

	require.NoError(t, s.Close())
	assert.True(t, canceled.Load())

	assert.ErrorIs(t, s.Submit(func(ctx context.Context) {}), ErrStopped)
	_, err := s.Every(time.Second, func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrStopped)

	// second close is a no-op
	assert.NoError(t, s.Close())
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := New(1, nil, nil)
	defer s.Close()

	done := make(chan struct{})
	require.NoError(t, s.Submit(func(ctx context.Context) { panic("boom") }))
	require.NoError(t, s.Submit(func(ctx context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped running tasks after a panic")
	}
}
