package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives scan results, typically for metrics.
type Observer interface {
	ScanCompleted(enqueued, skipped int, took time.Duration, err error)
}

// Config configures a Scheduler.
type Config struct {
	// PollInterval defaults to one minute.
	PollInterval time.Duration
	// Location is the site time zone. Defaults to UTC.
	Location *time.Location
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Status reports the scheduler's state.
type Status struct {
	Running      bool      `json:"running"`
	PollInterval string    `json:"poll_interval"`
	LastScan     time.Time `json:"last_scan,omitzero"`
	LastEnqueued int       `json:"last_enqueued"`
	LastSkipped  int       `json:"last_skipped"`
	LastError    string    `json:"last_error,omitempty"`
}

// Scheduler scans recurring definitions and enqueues due tasks.
type Scheduler struct {
	store    Store
	queue    Queue
	interval time.Duration
	loc      *time.Location
	now      func() time.Time

	logger   Logger
	observer Observer

	// scanMu serialises scans.
	scanMu sync.Mutex
	// fired holds the minute each definition was last enqueued by this
	// process so an exact-minute match fires once.
	fired map[string]time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
}

// New creates a stopped scheduler.
func New(store Store, queue Queue, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    store,
		queue:    queue,
		interval: cfg.PollInterval,
		loc:      cfg.Location,
		now:      cfg.Now,
		logger:   noopLogger{},
		fired:    make(map[string]time.Time),
	}
}

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// SetObserver sets the scan observer.
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
}

// Start scans once, then every poll interval until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler started", "poll_interval", s.interval.String(), "timezone", s.loc.String())
	s.runScan(ctx)

	go s.loop(ctx)
	return nil
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runScan(ctx)
		}
	}
}

func (s *Scheduler) runScan(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recurring task scan failed", "error", err)
	}
}

// Scan enqueues every definition due now and returns how many it enqueued.
// Malformed definitions are logged and skipped. A failed enqueue is
// logged and the scan continues; the catch-up rule retries it next scan.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	started := time.Now()
	now := s.now().In(s.loc)
	minute := now.Truncate(time.Minute)
	today := now.Format(dateLayout)

	enqueued, skipped, err := s.scan(ctx, now, minute, today)

	s.mu.Lock()
	s.status.LastScan = now
	s.status.LastEnqueued = enqueued
	s.status.LastSkipped = skipped
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ScanCompleted(enqueued, skipped, time.Since(started), err)
	}
	if enqueued > 0 {
		s.logger.Info("recurring tasks queued", "count", enqueued, "date", today)
	}
	return enqueued, err
}

func (s *Scheduler) scan(ctx context.Context, now, minute time.Time, today string) (enqueued, skipped int, err error) {
	defs, err := s.store.ListActive(ctx)
	if err != nil {
		if !errors.Is(err, ErrMalformedDefinition) {
			return 0, 0, fmt.Errorf("listing definitions: %w", err)
		}
		s.logger.Warn("skipping malformed recurring tasks", "error", err)
		skipped += countJoined(err)
	}

	var failures []error
	for i := range defs {
		def := &defs[i]
		timing, err := def.Timing()
		if err != nil {
			s.logger.Warn("skipping malformed recurring task", "id", def.ID, "error", err)
			skipped++
			continue
		}
		if fired, ok := s.fired[def.ID]; ok && fired.Equal(minute) {
			continue
		}

		var lookupErr error
		due := timing.Due(now, func() bool {
			exists, err := s.queue.HasEntryOn(ctx, def.ID, today)
			if err != nil {
				lookupErr = err
				return true
			}
			return exists
		})
		if lookupErr != nil {
			failures = append(failures, lookupErr)
			continue
		}
		if !due {
			continue
		}

		entry := def.entry(now)
		if err := s.queue.Enqueue(ctx, entry); err != nil {
			s.logger.Error("enqueue recurring task failed", "id", def.ID, "error", err)
			failures = append(failures, err)
			continue
		}
		s.fired[def.ID] = minute
		enqueued++
		s.logger.Debug("recurring task queued",
			"id", def.ID, "template_id", def.TemplateID, "task_type", def.TaskType, "entry_id", entry.ID)
	}
	return enqueued, skipped, errors.Join(failures...)
}

// countJoined counts the errors inside an errors.Join result.
func countJoined(err error) int {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}

// Create validates and stores a new definition.
func (s *Scheduler) Create(ctx context.Context, def Definition) (*Definition, error) {
	def.ID = ""
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, &def); err != nil {
		return nil, err
	}
	s.logger.Info("recurring task created", "id", def.ID, "template_id", def.TemplateID, "time", def.Time, "days", def.Days)
	return &def, nil
}

// Remove cancels the definition's pending queue entries, then
// deactivates it.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	cancelled, err := s.queue.CancelPending(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}

	s.scanMu.Lock()
	delete(s.fired, id)
	s.scanMu.Unlock()

	s.logger.Info("recurring task removed", "id", id, "cancelled_entries", cancelled)
	return nil
}

// List returns a template's active definitions.
func (s *Scheduler) List(ctx context.Context, templateID string) ([]Definition, error) {
	return s.store.ListByTemplate(ctx, templateID)
}

// Status returns the running flag and the last scan's results.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.running
	st.PollInterval = s.interval.String()
	return st
}
