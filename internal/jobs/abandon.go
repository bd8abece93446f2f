package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepTimeout = 30 * time.Second

// SessionSweeper closes sessions that have been idle for longer than idle.
type SessionSweeper interface {
	AbandonInactive(ctx context.Context, idle time.Duration) (int, error)
}

// AbandonJob periodically abandons inactive sessions.
type AbandonJob struct {
	sweeper  SessionSweeper
	idle     time.Duration
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

func NewAbandonJob(sweeper SessionSweeper, idle, interval time.Duration) *AbandonJob {
	return &AbandonJob{
		sweeper:  sweeper,
		idle:     idle,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (j *AbandonJob) Start() {
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("idle", j.idle).
		Msg("abandon job started")
}

// Stop ends the loop and waits for a sweep in progress to finish.
func (j *AbandonJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("abandon job stopped")
}

func (j *AbandonJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *AbandonJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	count, err := j.sweeper.AbandonInactive(ctx, j.idle)
	if err != nil {
		log.Error().Err(err).Int("count", count).Msg("failed to abandon inactive sessions")
	} else if count > 0 {
		log.Info().Int("count", count).Msg("abandoned inactive sessions")
	}
}
