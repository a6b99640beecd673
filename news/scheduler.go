package news

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// DailyScheduler runs one job per day at a configurable local time. The time
// comes from the update_time setting and can be changed at runtime without a
// restart.
type DailyScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	job    func()

	mu      sync.Mutex
	entryID cron.EntryID
	spec    string
}

// NewDailyScheduler creates a stopped scheduler around the given job.
func NewDailyScheduler(job func(), logger *slog.Logger) *DailyScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyScheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		job:    job,
	}
}

// parseUpdateTime validates an "HH:MM" wall-clock time.
func parseUpdateTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("update time must be HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// cronSpec converts an "HH:MM" time to a six-field cron expression.
func cronSpec(hour, minute int) string {
	return fmt.Sprintf("0 %d %d * * *", minute, hour)
}

// Reconfigure replaces the daily trigger with a new wall-clock time. Safe to
// call whether the scheduler is running or not.
func (ds *DailyScheduler) Reconfigure(updateTime string) error {
	hour, minute, err := parseUpdateTime(updateTime)
	if err != nil {
		return err
	}
	spec := cronSpec(hour, minute)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.entryID != 0 {
		ds.cron.Remove(ds.entryID)
		ds.entryID = 0
	}
	id, err := ds.cron.AddFunc(spec, ds.job)
	if err != nil {
		return fmt.Errorf("schedule daily fetch: %w", err)
	}
	ds.entryID = id
	ds.spec = spec
	return nil
}

// Spec returns the active cron expression, empty before Reconfigure.
func (ds *DailyScheduler) Spec() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.spec
}

// Start launches the cron loop. Non-blocking.
func (ds *DailyScheduler) Start() {
	ds.cron.Start()
}

// Stop halts the cron loop and waits for a running job to finish.
func (ds *DailyScheduler) Stop() {
	ctx := ds.cron.Stop()
	<-ctx.Done()
}
