package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// Quartz keeps at most one pending run-once job on a quartz scheduler.
type Quartz struct {
	name   string
	sched  quartz.Scheduler
	logger *zap.Logger

	mu  sync.Mutex
	seq int
	key *quartz.JobKey
}

// NewQuartz starts a scheduler that runs until ctx is done or Stop is called.
func NewQuartz(ctx context.Context, name string, logger *zap.Logger) (*Quartz, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := quartz.NewStdScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start(ctx)
	return &Quartz{
		name:   name,
		sched:  sched,
		logger: logger.With(zap.String("component", "scheduler")),
	}, nil
}

// Schedule replaces the pending tick with one firing after delay.
func (q *Quartz) Schedule(delay time.Duration, tick func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleteLocked()
	q.seq++
	key := quartz.NewJobKey(fmt.Sprintf("%s-%d", q.name, q.seq))
	fn := job.NewFunctionJob(func(context.Context) (bool, error) {
		tick()
		return true, nil
	})
	if err := q.sched.ScheduleJob(quartz.NewJobDetail(fn, key), quartz.NewRunOnceTrigger(delay)); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	q.key = key
	q.logger.Debug("tick scheduled", zap.String("job", key.String()), zap.Duration("delay", delay))
	return nil
}

// Cancel drops the pending tick, if any.
func (q *Quartz) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteLocked()
}

func (q *Quartz) deleteLocked() {
	if q.key == nil {
		return
	}
	// A fired run-once job is already gone from the queue.
	if err := q.sched.DeleteJob(q.key); err != nil && !errors.Is(err, quartz.ErrJobNotFound) {
		q.logger.Warn("delete pending tick", zap.String("job", q.key.String()), zap.Error(err))
	}
	q.key = nil
}

// Stop cancels the pending tick and shuts the scheduler down.
func (q *Quartz) Stop() {
	q.Cancel()
	q.sched.Stop()
}
