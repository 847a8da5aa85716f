package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/chatgate/internal/traces"
)

var (
	ErrJobRunning = errors.New("job is already running")
	ErrUnknownJob = errors.New("unknown job")
)

// Job names.
const (
	JobMonthlyReset = "monthly-reset"
	JobExpirySweep  = "expiry-sweep"
	JobUsageSync    = "usage-sync"
)

// JobFunc runs one job and returns a JSON-friendly summary.
type JobFunc func(ctx context.Context) (interface{}, error)

// JobStatus describes a registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Running   bool      `json:"running"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entry   cron.EntryID
	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler runs jobs on cron specs and on demand. A job never overlaps
// itself: in this process an atomic guard refuses a second run, across
// replicas the Locker does.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	logger  *slog.Logger
	lockTTL time.Duration

	mu      sync.RWMutex
	jobs    map[string]*job
	ctx     context.Context
	started atomic.Bool
}

// NewScheduler creates a scheduler evaluating specs in loc.
func NewScheduler(loc *time.Location, locker Locker, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		locker:  locker,
		logger:  logger,
		lockTTL: 30 * time.Minute,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Register adds a job firing on spec (standard five-field cron). An empty
// spec registers the job for on-demand runs only.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() {
			if _, err := s.run(s.baseContext(), j, "schedule"); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.Error("scheduled job failed", "job", j.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
		}
		j.entry = id
	}
	s.jobs[name] = j
	return nil
}

// Start begins firing jobs. Scheduled runs use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.started.Store(true)
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop stops firing jobs and waits for running ones up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.started.Store(false)
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduler is firing jobs.
func (s *Scheduler) Running() bool {
	return s.started.Load()
}

// RunJob runs a registered job now, through the same guard as scheduled runs.
func (s *Scheduler) RunJob(ctx context.Context, name string) (interface{}, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j, "manual")
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{Name: j.name, Spec: j.spec, Running: j.running.Load()}
		if j.entry != 0 {
			st.NextRun = s.cron.Entry(j.entry).Next
		}
		j.mu.Lock()
		st.LastRun = j.lastRun
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, j *job, trigger string) (interface{}, error) {
	if !j.running.CompareAndSwap(false, true) {
		jobRuns.WithLabelValues(j.name, "skipped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, j.name)
	}
	defer j.running.Store(false)

	release, ok, err := s.locker.TryLock(ctx, "job:"+j.name, s.lockTTL)
	if err != nil {
		jobRuns.WithLabelValues(j.name, "error").Inc()
		return nil, fmt.Errorf("job %s: acquire lock: %w", j.name, err)
	}
	if !ok {
		jobRuns.WithLabelValues(j.name, "skipped").Inc()
		s.logger.Info("job held by another replica", "job", j.name)
		return nil, fmt.Errorf("%w: %s (another replica)", ErrJobRunning, j.name)
	}
	defer release()

	ctx, span := traces.StartSpan(ctx, "gate.job", traces.Job(j.name), attribute.String("trigger", trigger))
	defer span.End()

	start := time.Now()
	summary, err := j.fn(ctx)
	elapsed := time.Since(start)
	jobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())

	j.mu.Lock()
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		traces.Fail(span, err)
		jobRuns.WithLabelValues(j.name, "error").Inc()
		return summary, err
	}
	jobRuns.WithLabelValues(j.name, "ok").Inc()
	s.logger.Info("job finished", "job", j.name, "trigger", trigger, "duration", elapsed)
	return summary, nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Schedules are the cron specs of the built-in jobs.
type Schedules struct {
	MonthlyReset string
	ExpirySweep  string
	UsageSync    string
	// NoticeDays is how far ahead the expiry sweep looks.
	NoticeDays int
}

// RegisterJobs registers the built-in jobs of svc on s.
func RegisterJobs(s *Scheduler, svc *Service, cfg Schedules) error {
	jobs := []struct {
		name string
		spec string
		fn   JobFunc
	}{
		{JobMonthlyReset, cfg.MonthlyReset, func(ctx context.Context) (interface{}, error) {
			return svc.MonthlyReset(ctx)
		}},
		{JobExpirySweep, cfg.ExpirySweep, func(ctx context.Context) (interface{}, error) {
			return svc.ExpirySweep(ctx, cfg.NoticeDays)
		}},
		{JobUsageSync, cfg.UsageSync, func(ctx context.Context) (interface{}, error) {
			return svc.UsageSync(ctx)
		}},
	}
	for _, j := range jobs {
		if err := s.Register(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}
