// Package maintenance runs the periodic housekeeping jobs of the service.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/crewrunner/pkg/logging"
)

// Schedules accept an optional seconds field and descriptors like "@every 1m"
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// JobFunc does one sweep and reports how many items it removed
type JobFunc func() int

// JobStatus describes a scheduled job
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev,omitempty"`
	Runs       int       `json:"runs"`
	LastResult int       `json:"last_result"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	entry    cron.EntryID

	mu         sync.Mutex
	runs       int
	lastResult int
}

// Janitor schedules housekeeping jobs on a cron
type Janitor struct {
	cron   *cron.Cron
	logger logging.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewJanitor creates a stopped janitor
func NewJanitor(logger logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	adapter := cronLogger{logger}
	return &Janitor{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Add schedules fn under name. An empty schedule leaves the job disabled.
func (j *Janitor) Add(name, schedule string, fn JobFunc) error {
	if schedule == "" {
		j.logger.Info("Maintenance job disabled", logging.F("job", name))
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.jobs[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}

	jb := &job{name: name, schedule: schedule, fn: fn}
	id, err := j.cron.AddFunc(schedule, func() { j.run(jb) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	jb.entry = id
	j.jobs[name] = jb
	return nil
}

// RunNow runs a job immediately, outside its schedule
func (j *Janitor) RunNow(name string) (int, error) {
	j.mu.Lock()
	jb, ok := j.jobs[name]
	j.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown job %s", name)
	}
	return j.run(jb), nil
}

func (j *Janitor) run(jb *job) int {
	removed := jb.fn()

	jb.mu.Lock()
	jb.runs++
	jb.lastResult = removed
	jb.mu.Unlock()

	if removed > 0 {
		j.logger.Info("Maintenance job removed items",
			logging.F("job", jb.name),
			logging.F("removed", removed))
	}
	return removed
}

// Jobs returns the state of every scheduled job, sorted by name
func (j *Janitor) Jobs() []JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	list := make([]JobStatus, 0, len(j.jobs))
	for _, jb := range j.jobs {
		entry := j.cron.Entry(jb.entry)
		jb.mu.Lock()
		list = append(list, JobStatus{
			Name:       jb.name,
			Schedule:   jb.schedule,
			Next:       entry.Next,
			Prev:       entry.Prev,
			Runs:       jb.runs,
			LastResult: jb.lastResult,
		})
		jb.mu.Unlock()
	}
	sort.Slice(list, func(a, b int) bool { return list[a].Name < list[b].Name })
	return list
}

// Start begins running jobs on their schedules
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for running jobs or ctx
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger feeds cron's own log lines into our logger
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, pairs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(pairs(keysAndValues), logging.Err(err))...)
}

func pairs(keysAndValues []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, logging.F(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
