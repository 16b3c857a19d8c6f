package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const defaultSweepTimeout = 5 * time.Minute

// SweepFunc is a periodic maintenance task. It returns the number of rows it changed.
type SweepFunc func(ctx context.Context, now time.Time) (int64, error)

type sweepTask struct {
	name string
	fn   SweepFunc
}

// Sweeper runs maintenance tasks such as package expiry on a cron schedule.
type Sweeper struct {
	schedule string
	clock    *Clock
	cron     *cron.Cron

	mu    sync.Mutex
	tasks []sweepTask
}

// NewSweeper constructs a Sweeper for a cron spec such as "@every 1m" or "*/5 * * * *".
func NewSweeper(schedule string, clock *Clock) *Sweeper {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = "@every 1m"
	}
	if clock == nil {
		clock = NewClock(DefaultTimezone, nil)
	}
	logger := cron.PrintfLogger(log.StandardLogger())
	return &Sweeper{
		schedule: schedule,
		clock:    clock,
		cron: cron.New(
			cron.WithLocation(clock.Location()),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers a task. Tasks run in registration order.
func (s *Sweeper) Add(name string, fn SweepFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, sweepTask{name: name, fn: fn})
	s.mu.Unlock()
}

// Start schedules the tasks and runs them once immediately. The scheduler stops when ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, errAdd := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); errAdd != nil {
		return fmt.Errorf("billing: invalid sweep schedule %q: %w", s.schedule, errAdd)
	}
	s.cron.Start()
	go s.RunOnce(ctx)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	log.Infof("billing sweeper started (schedule=%s)", s.schedule)
	return nil
}

// Stop stops scheduling and waits briefly for a running sweep.
func (s *Sweeper) Stop() {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		log.Warn("billing sweeper: stop timed out")
	}
}

// RunOnce runs every task once and returns the rows changed per task name.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int64 {
	s.mu.Lock()
	tasks := append([]sweepTask(nil), s.tasks...)
	s.mu.Unlock()

	out := make(map[string]int64, len(tasks))
	now := s.clock.Now()
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		taskCtx, cancel := context.WithTimeout(ctx, defaultSweepTimeout)
		n, errRun := task.fn(taskCtx, now)
		cancel()
		if errRun != nil {
			log.WithError(errRun).WithField("task", task.name).Warn("billing sweeper: task failed")
			continue
		}
		out[task.name] = n
	}
	return out
}
