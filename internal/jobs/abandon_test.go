package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockSweeper struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (m *mockSweeper) AbandonInactive(ctx context.Context, idle time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, idle)
	if m.err != nil {
		return 0, m.err
	}
	return 1, nil
}

func (m *mockSweeper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestAbandonJob(t *testing.T) {
	t.Run("creates job with correct settings", func(t *testing.T) {
		job := NewAbandonJob(&mockSweeper{}, 30*time.Minute, time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 30*time.Minute, job.idle)
		assert.Equal(t, time.Minute, job.interval)
	})

	t.Run("sweeps on start with the idle threshold", func(t *testing.T) {
		sweeper := &mockSweeper{}
		job := NewAbandonJob(sweeper, 30*time.Minute, time.Hour)

		job.Start()
		assert.Eventually(t, func() bool { return sweeper.callCount() == 1 }, time.Second, 5*time.Millisecond)
		job.Stop()

		sweeper.mu.Lock()
		defer sweeper.mu.Unlock()
		assert.Equal(t, []time.Duration{30 * time.Minute}, sweeper.calls)
	})

	t.Run("sweeps on every tick", func(t *testing.T) {
		sweeper := &mockSweeper{}
		job := NewAbandonJob(sweeper, time.Minute, 10*time.Millisecond)

		job.Start()
		assert.Eventually(t, func() bool { return sweeper.callCount() >= 3 }, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("keeps running after a failed sweep", func(t *testing.T) {
		sweeper := &mockSweeper{err: errors.New("db down")}
		job := NewAbandonJob(sweeper, time.Minute, 10*time.Millisecond)

		job.Start()
		assert.Eventually(t, func() bool { return sweeper.callCount() >= 2 }, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("stop ends the loop", func(t *testing.T) {
		sweeper := &mockSweeper{}
		job := NewAbandonJob(sweeper, time.Minute, 10*time.Millisecond)

		job.Start()
		job.Stop()
		after := sweeper.callCount()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, sweeper.callCount())
	})
}
