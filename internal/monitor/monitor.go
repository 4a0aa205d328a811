// Package monitor runs a scheduled health sweep over the task store. It
// reports queue statistics and flags tasks stuck in processing, but never
// transitions task state: recovering a stuck task is an operator action.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/mailpilot/internal/taskstore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	defaultTickInterval = 30 * time.Second
	defaultStuckAfter   = 15 * time.Minute
)

// Config holds the dependencies for the monitor.
type Config struct {
	Store *taskstore.Store
	// Schedule is a 5-field cron expression controlling sweep cadence.
	Schedule string
	// StuckAfter is how long a task may sit in processing before it is
	// reported as stuck.
	StuckAfter time.Duration
	Interval   time.Duration // tick interval; defaults to 30s if zero
	Logger     *slog.Logger
}

type Monitor struct {
	store      *taskstore.Store
	schedule   cronlib.Schedule
	stuckAfter time.Duration
	interval   time.Duration
	log        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the cron schedule and returns a monitor ready to start.
func New(cfg Config) (*Monitor, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	stuckAfter := cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:      cfg.Store,
		schedule:   schedule,
		stuckAfter: stuckAfter,
		interval:   interval,
		log:        log,
	}, nil
}

// Start begins the monitor loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.log.Info("monitor started", "stuck_after", m.stuckAfter)
}

// Stop cancels the monitor loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then follow the cron schedule.
	m.Sweep(ctx)
	nextRun := m.schedule.Next(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(nextRun) {
				continue
			}
			m.Sweep(ctx)
			nextRun = m.schedule.Next(now)
		}
	}
}

// Sweep logs queue statistics and warns about tasks stuck in processing.
func (m *Monitor) Sweep(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.log.Error("monitor: stats query failed", "error", err)
		return
	}
	m.log.Info("queue stats",
		"total", stats.Total,
		"pending", stats.Pending,
		"processing", stats.Processing,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"success_rate", stats.SuccessRate,
	)

	stuck, err := m.store.ListProcessingOlderThan(ctx, m.stuckAfter)
	if err != nil {
		m.log.Error("monitor: stuck task query failed", "error", err)
		return
	}
	for _, task := range stuck {
		m.log.Warn("task stuck in processing",
			"task_id", task.TaskID,
			"attempts", task.Attempts,
			"updated_at", task.UpdatedAt,
		)
	}
}
