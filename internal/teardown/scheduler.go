// Package teardown stops lab sessions when their slot ends.
//
// Every registered session gets a durable record and a timer that fires
// shortly before the slot ends. Firing captures the lab's output into the
// audit log and then stops every container of the session. Records left
// behind by a previous process are picked up by Recover, and a periodic
// Sweep stops containers nobody is tracking anymore.
package teardown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/audit"
	"github.com/EpicMandM/lab-session-manager/internal/containers"
	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/EpicMandM/lab-session-manager/internal/slot"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

const (
	DefaultMargin   = 3 * time.Second
	DefaultInterval = time.Minute

	// teardownTimeout bounds one teardown, including every container stop.
	teardownTimeout = 2 * time.Minute
)

// Runtime is the part of the container engine teardown uses.
type Runtime interface {
	ListRunning(ctx context.Context) ([]containers.Container, error)
	Stop(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (string, error)
}

// Store persists scheduled stops across restarts.
type Store interface {
	SaveScheduledStop(ctx context.Context, s *models.Session) error
	ListScheduledStops(ctx context.Context) ([]*models.Session, error)
	DeleteScheduledStop(ctx context.Context, sessionID string) error
}

// AuditLog receives one entry per finished session.
type AuditLog interface {
	Append(resourceKey, user, output string, complete bool) error
}

type Options struct {
	// Margin is how long before slot end the session is stopped, so the
	// next slot's containers never collide with this one's.
	Margin time.Duration
	// Interval is the period of the reconciliation sweep.
	Interval time.Duration
	Clock    clock.WithTicker
}

type entry struct {
	session *models.Session
	state   models.TeardownState
}

// Scheduler owns registered sessions until they are stopped.
type Scheduler struct {
	runtime  Runtime
	store    Store
	audit    AuditLog
	registry *labs.Registry
	logger   *logger.Logger
	clock    clock.WithTicker
	margin   time.Duration
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

func New(rt Runtime, st Store, auditLog AuditLog, registry *labs.Registry, log *logger.Logger, opts Options) *Scheduler {
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runtime:  rt,
		store:    st,
		audit:    auditLog,
		registry: registry,
		logger:   log,
		clock:    opts.Clock,
		margin:   opts.Margin,
		interval: opts.Interval,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
}

// Close stops all pending timers without stopping any container. Their
// durable records stay behind for the next process.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Margin is how long before slot end sessions are stopped.
func (s *Scheduler) Margin() time.Duration {
	return s.margin
}

// Deadline is when a session's teardown fires.
func (s *Scheduler) Deadline(session *models.Session) time.Time {
	return session.SlotEnd.Add(-s.margin)
}

// Register takes ownership of session and arms its teardown. The record
// is persisted before the timer is armed. The timer is armed even when
// persisting fails; the error is returned so the caller can report it.
// Containers registered for a session that was already torn down are
// stopped right away.
func (s *Scheduler) Register(ctx context.Context, session *models.Session) error {
	if state, ok := s.State(session.ID); ok && state != models.StateScheduled {
		s.logger.Warn("Session already torn down, stopping late containers",
			logger.Session(session.ID), logger.Status(string(state)))
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		failed := s.stopAll(stopCtx, session)
		s.logger.Info("Late containers stopped",
			logger.Session(session.ID),
			logger.Stopped(len(session.Containers)-failed),
			logger.Failed(failed),
		)
		return nil
	}

	err := s.persist(ctx, session)
	if s.track(session) {
		s.logger.Info("Teardown scheduled",
			logger.Session(session.ID),
			logger.Lab(session.ResourceKey),
			logger.User(session.User.Identity()),
			logger.Deadline(s.Deadline(session)),
			logger.Count(len(session.Containers)),
		)
	}
	return err
}

func (s *Scheduler) persist(ctx context.Context, session *models.Session) error {
	if err := s.store.SaveScheduledStop(ctx, session); err != nil {
		s.logger.Error("Failed to persist scheduled stop", logger.Session(session.ID), logger.Error(err))
		return err
	}
	return nil
}

// track adds session and starts its timer. It reports false when the
// session was already known; a still scheduled session gets the new
// container list. A session is armed and fired at most once.
func (s *Scheduler) track(session *models.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[session.ID]; ok {
		if e.state == models.StateScheduled {
			e.session = session
		}
		return false
	}

	s.entries[session.ID] = &entry{session: session, state: models.StateScheduled}
	s.wg.Add(1)
	go s.wait(session.ID, s.Deadline(session))
	return true
}

func (s *Scheduler) wait(id string, deadline time.Time) {
	defer s.wg.Done()

	if d := deadline.Sub(s.clock.Now()); d > 0 {
		select {
		case <-s.clock.After(d):
		case <-s.ctx.Done():
			return
		}
	}
	s.fire(id)
}

// State reports where a session is in its teardown.
func (s *Scheduler) State(id string) (models.TeardownState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.state != models.StateScheduled {
		s.mu.Unlock()
		return
	}
	e.state = models.StateStopping
	session := e.session
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), teardownTimeout)
	defer cancel()
	s.teardown(ctx, session)

	s.mu.Lock()
	e.state = models.StateStopped
	s.mu.Unlock()
}

func (s *Scheduler) teardown(ctx context.Context, session *models.Session) {
	s.captureOutput(ctx, session)
	failed := s.stopAll(ctx, session)

	if err := s.store.DeleteScheduledStop(ctx, session.ID); err != nil {
		s.logger.Error("Failed to delete scheduled stop", logger.Session(session.ID), logger.Error(err))
	}

	s.logger.Info("Session stopped",
		logger.Session(session.ID),
		logger.Lab(session.ResourceKey),
		logger.Stopped(len(session.Containers)-failed),
		logger.Failed(failed),
	)
}

// stopAll stops every container of session in parallel and returns how
// many stops failed.
func (s *Scheduler) stopAll(ctx context.Context, session *models.Session) int {
	var failed atomic.Int32
	var g errgroup.Group
	for _, c := range session.Containers {
		g.Go(func() error {
			if err := s.runtime.Stop(ctx, c.ID); err != nil {
				failed.Add(1)
				s.logger.Error("Failed to stop container",
					logger.Session(session.ID), logger.Container(c.Name), logger.Error(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

// captureOutput appends the primary container's output to the audit log.
// Failures are logged and never block the stop.
func (s *Scheduler) captureOutput(ctx context.Context, session *models.Session) {
	primary, ok := session.Primary()
	if !ok {
		return
	}
	output, err := s.runtime.Logs(ctx, primary.ID)
	if err != nil {
		s.logger.Error("Failed to capture lab output", logger.Session(session.ID), logger.Container(primary.Name), logger.Error(err))
		return
	}

	part, found := audit.ExtractSessionOutput(output, session.ReadyBanner)
	if !found {
		s.logger.Warn("Ready banner not found, logging full output", logger.Session(session.ID))
	}
	if err := s.audit.Append(session.ResourceKey, session.User.Identity(), part, found); err != nil {
		s.logger.Error("Failed to write audit log", logger.Session(session.ID), logger.Error(err))
	}
}

// Recover adopts scheduled stops persisted by a previous process. Overdue
// sessions are torn down right away, the rest are re-armed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	sessions, err := s.store.ListScheduledStops(ctx)
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, session := range sessions {
		if s.track(session) {
			adopted++
			s.logger.Info("Recovered scheduled stop",
				logger.Session(session.ID), logger.Deadline(s.Deadline(session)))
		}
	}
	return adopted, nil
}

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Sweep(ctx)
		}
	}
}

// Sweep adopts untracked records, stops orphaned session containers and
// forgets sessions whose slot is over.
func (s *Scheduler) Sweep(ctx context.Context) {
	if _, err := s.Recover(ctx); err != nil {
		s.logger.Error("Failed to load scheduled stops", logger.Error(err))
	}

	now := s.clock.Now()
	running, err := s.runtime.ListRunning(ctx)
	if err != nil {
		s.logger.Error("Failed to list containers", logger.Error(err))
	} else {
		s.stopOrphans(ctx, running, now)
	}

	s.prune(now)
}

func (s *Scheduler) stopOrphans(ctx context.Context, running []containers.Container, now time.Time) {
	for _, c := range running {
		key, sessionID, ok := s.sessionOf(c.Name)
		if !ok {
			continue
		}
		def, _ := s.registry.Lookup(key)
		if sessionID == slot.SessionName(key, slot.Quantize(now, def.SlotDuration)) {
			continue
		}
		if s.isLive(sessionID) {
			continue
		}

		s.logger.Warn("Stopping orphaned container", logger.Container(c.Name), logger.Lab(key))
		if err := s.runtime.Stop(ctx, c.ID); err != nil {
			s.logger.Error("Failed to stop orphaned container", logger.Container(c.Name), logger.Error(err))
		}
	}
}

// sessionOf maps a container name to the lab and session it was started
// for. Names that do not follow the session naming scheme are ignored.
func (s *Scheduler) sessionOf(name string) (key, sessionID string, ok bool) {
	for _, def := range s.registry.All() {
		if id, ok := slot.ParseSessionName(name, def.Key); ok {
			return def.Key, id, true
		}
	}
	return "", "", false
}

func (s *Scheduler) isLive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	return ok && e.state != models.StateStopped
}

func (s *Scheduler) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.state == models.StateStopped && e.session.SlotEnd.Before(now) {
			delete(s.entries, id)
		}
	}
}
