package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/types"
)

// DefaultSchedule runs billing once an hour.
const DefaultSchedule = "@hourly"

// Scheduler runs a Runner on a cron schedule. Runs never overlap: a tick that
// fires while the previous run is still charging is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScheduler registers runner under schedule, a standard five-field cron
// expression or a descriptor such as "@hourly" or "@every 10m". An empty
// schedule uses DefaultSchedule.
func NewScheduler(runner *Runner, schedule string, log logger.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	log = logger.OrNoop(log)
	cl := cronLogger{log}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: log,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		s.cancel()
		return nil, types.WrapError(types.ErrCodeConfigError, fmt.Sprintf("invalid billing schedule %q", schedule), err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	if _, err := s.runner.ChargeDue(s.ctx); err != nil {
		s.logger.Error("billing run aborted", map[string]any{"error": err})
	}
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further runs, cancels the one in progress and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	var done context.Context
	s.once.Do(func() {
		done = s.cron.Stop()
		s.cancel()
	})
	if done == nil {
		return nil
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own messages into the paykit logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, pairs(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := pairs(keysAndValues)
	fields["error"] = err
	c.l.Error("cron: "+msg, fields)
}

func pairs(kv []interface{}) map[string]any {
	out := make(map[string]any, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
