package coordinator

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/config"
	"github.com/joshp123/ngenic-bridge/internal/credential"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

var (
	ErrRefreshInProgress = errors.New("coordinator: refresh already in progress")
	ErrNotRunning        = errors.New("coordinator: not running")
	ErrAlreadyStarted    = errors.New("coordinator: already started")
)

// API is what the coordinator needs from the remote service.
type API interface {
	Authenticate(ctx context.Context, cred credential.Credential) (credential.Session, error)
	FetchTopology(ctx context.Context, session credential.Session) (topology.Snapshot, error)
	FetchMeasurement(ctx context.Context, session credential.Session, ref topology.ChannelRef) (topology.Reading, error)

	SetTargetTemperature(ctx context.Context, session credential.Session, tuneID, roomID string, celsius float64) error
	SetActiveControl(ctx context.Context, session credential.Session, tuneID, roomID string, active bool) error
	SetAway(ctx context.Context, session credential.Session, tuneID string, window topology.AwayWindow) error
}

// Scheduler fires a single pending tick. Schedule replaces any pending tick;
// tick runs on the scheduler's goroutine.
type Scheduler interface {
	Schedule(delay time.Duration, tick func()) error
	Cancel()
}

// Config holds the refresh policy.
type Config struct {
	Interval          time.Duration
	FullSyncEvery     int
	FailureThreshold  int
	BackoffMultiplier float64
	MaxInterval       time.Duration
}

func ConfigFromConfig(cfg config.CoordinatorConfig) Config {
	return Config{
		Interval:          cfg.PollInterval,
		FullSyncEvery:     cfg.FullSyncEvery,
		FailureThreshold:  cfg.FailureThreshold,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxInterval:       cfg.MaxInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.FullSyncEvery < 1 {
		c.FullSyncEvery = 6
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 3
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Minute
	}
	return c
}

// Coordinator owns the session and the current snapshot, and drives the
// refresh cycle. Refreshes never overlap.
type Coordinator struct {
	api    API
	sched  Scheduler
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	snapshot atomic.Pointer[topology.Snapshot]

	mu sync.Mutex
	// fields below are guarded by mu
	state         State
	cred          credential.Credential
	session       credential.Session
	interval      time.Duration
	nextInterval  time.Duration
	failures      int
	cycles        int
	resyncPending bool
	writes        uint64
	syncedWrites  uint64
	refreshing    bool
	gen           uint64
	runCtx        context.Context
	cancel        context.CancelFunc
	lastErr       error
	lastSuccess   time.Time
	listeners     map[int]Listener
	nextListener  int
}

func New(api API, sched Scheduler, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		api:       api,
		sched:     sched,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "coordinator")),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// Start authenticates and runs the first full refresh before returning. An
// interval of zero uses the configured poll interval. A rejected credential
// moves to Failed and is returned; a transient failure keeps Authenticating
// and retries one interval later.
func (c *Coordinator) Start(ctx context.Context, cred credential.Credential, interval time.Duration) error {
	c.mu.Lock()
	if !c.state.canStart() {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if interval <= 0 {
		interval = c.cfg.Interval
	}
	c.gen++
	gen := c.gen
	c.cred = cred
	c.session = credential.Session{}
	c.interval = interval
	c.nextInterval = interval
	c.failures = 0
	c.cycles = 0
	c.resyncPending = false
	c.writes, c.syncedWrites = 0, 0
	c.refreshing = false
	c.lastErr = nil
	c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	return c.authenticate(ctx, gen)
}

func (c *Coordinator) authenticate(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	cred := c.cred
	c.mu.Unlock()

	session, err := c.api.Authenticate(ctx, cred)

	c.mu.Lock()
	if gen != c.gen || c.state != StateAuthenticating {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if err != nil {
		c.lastErr = err
		if apierr.IsAuth(err) {
			ev := c.failLocked(err)
			c.mu.Unlock()
			c.logger.Error("credential rejected", zap.Error(err))
			c.emitStatus(ev)
			return err
		}
		retryIn := c.interval
		c.scheduleLocked(retryIn, gen)
		c.mu.Unlock()
		c.logger.Warn("authentication failed, retrying", zap.Duration("in", retryIn), zap.Error(err))
		return nil
	}

	c.session = session
	ev := c.transitionLocked(StateReady, StateAuthenticating, nil)
	c.mu.Unlock()

	c.logger.Info("authenticated", zap.String("session", session.ID))
	c.emitStatus(ev)

	if err := c.refresh(ctx, gen); err != nil && apierr.IsAuth(err) {
		return err
	}
	return nil
}

// ForceRefresh runs a refresh cycle now. It returns ErrRefreshInProgress
// while another cycle runs and ErrNotRunning unless Ready or Degraded.
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.refresh(ctx, gen)
}

func (c *Coordinator) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	state := c.state
	ctx := c.runCtx
	c.mu.Unlock()

	switch state {
	case StateAuthenticating:
		_ = c.authenticate(ctx, gen)
	case StateReady, StateDegraded, StateRefreshing:
		if err := c.refresh(ctx, gen); errors.Is(err, ErrRefreshInProgress) {
			c.logger.Debug("tick skipped, refresh in progress")
		}
	}
}

func (c *Coordinator) refresh(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if c.refreshing {
		c.mu.Unlock()
		return ErrRefreshInProgress
	}
	if c.state != StateReady && c.state != StateDegraded {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.refreshing = true
	before := c.state
	c.setStateLocked(StateRefreshing)
	// A write since the last full cycle makes this one full.
	full := c.cycles == 0 || c.resyncPending || c.writes != c.syncedWrites || c.cycles%c.cfg.FullSyncEvery == 0
	startWrites := c.writes
	session := c.session
	runCtx := c.runCtx
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if gen == c.gen {
			c.refreshing = false
		}
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	kind := "light"
	if full {
		kind = "full"
	}
	started := c.now()
	prev := c.current()
	incoming, resync, err := c.fetch(ctx, session, prev, full)
	refreshDuration.Observe(c.now().Sub(started).Seconds())

	if err != nil {
		return c.handleFailure(gen, before, kind, err)
	}

	merged, changes := topology.Merge(prev, incoming)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.snapshot.Store(&merged)
	c.cycles++
	c.resyncPending = resync
	if full {
		c.syncedWrites = startWrites
	}
	prevFailures := c.failures
	c.failures = 0
	c.lastErr = nil
	c.lastSuccess = c.now()
	var ev *StatusEvent
	if before == StateDegraded {
		ev = c.transitionLocked(StateReady, before, nil)
	} else {
		c.setStateLocked(StateReady)
	}
	c.nextInterval = c.interval
	c.scheduleLocked(c.interval, gen)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	refreshTotal.WithLabelValues(kind, "success").Inc()
	failuresGauge.Set(0)
	lastSuccessGauge.Set(float64(merged.FetchedAt.Unix()))
	observeChanges(changes)

	if ev != nil {
		c.logger.Info("recovered", zap.Int("previous_failures", prevFailures))
		c.emitStatus(ev)
	}
	c.logger.Debug("refresh complete",
		zap.String("kind", kind),
		zap.Int("added", len(changes.Added)),
		zap.Int("removed", len(changes.Removed)),
		zap.Int("updated", len(changes.Updated)),
		zap.Bool("resync_pending", resync),
	)
	for _, l := range listeners {
		l.OnChanges(changes, merged.Clone())
	}
	return nil
}

// fetch builds the incoming snapshot. A full cycle reads the topology and
// then every channel; a light cycle reads the channels of prev. Channels the
// remote no longer knows keep their value and request a resync.
func (c *Coordinator) fetch(ctx context.Context, session credential.Session, prev topology.Snapshot, full bool) (topology.Snapshot, bool, error) {
	base := prev
	if full {
		snap, err := c.api.FetchTopology(ctx, session)
		if err != nil {
			return topology.Snapshot{}, false, err
		}
		base = snap
	}

	resync := false
	readings := make(map[string]topology.Reading)
	for _, ref := range base.Channels() {
		if ref.Kind == topology.KindUnsupported {
			continue
		}
		if full {
			if ch, ok := base.FindChannel(ref.ChannelID); ok && ch.HasReading() {
				continue
			}
		}
		reading, err := c.api.FetchMeasurement(ctx, session, ref)
		if err != nil {
			if apierr.IsNotFound(err) {
				c.logger.Info("channel gone, resync scheduled", zap.String("channel", ref.String()))
				resync = true
				continue
			}
			return topology.Snapshot{}, false, err
		}
		readings[ref.ChannelID] = reading
	}

	incoming := base.WithReadings(readings)
	incoming.FetchedAt = c.now()
	return incoming, resync, nil
}

func (c *Coordinator) handleFailure(gen uint64, before State, kind string, err error) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.lastErr = err

	if apierr.IsAuth(err) {
		ev := c.failLocked(err)
		c.mu.Unlock()
		refreshTotal.WithLabelValues(kind, "auth").Inc()
		c.logger.Error("credential rejected during refresh", zap.Error(err))
		c.emitStatus(ev)
		return err
	}

	c.failures++
	if apierr.IsNotFound(err) {
		c.resyncPending = true
	}
	next := StateReady
	delay := c.interval
	if c.failures >= c.cfg.FailureThreshold {
		next = StateDegraded
		delay = c.backoffLocked()
	}
	if retryAt := apierr.RetryAt(err); !retryAt.IsZero() {
		if wait := retryAt.Sub(c.now()); wait > delay {
			delay = wait
		}
	}
	c.nextInterval = delay

	var ev *StatusEvent
	if next != before {
		ev = c.transitionLocked(next, before, err)
	} else {
		c.setStateLocked(next)
	}
	failures := c.failures
	c.scheduleLocked(delay, gen)
	c.mu.Unlock()

	result := "transient"
	fields := []zap.Field{zap.Int("failures", failures), zap.Duration("next", delay), zap.Error(err)}
	switch {
	case apierr.IsParse(err):
		result = "parse"
		c.logger.Error("unexpected response from api", fields...)
	case apierr.IsRateLimited(err):
		result = "rate_limited"
		c.logger.Warn("rate limited", fields...)
	default:
		c.logger.Warn("refresh failed", fields...)
	}
	refreshTotal.WithLabelValues(kind, result).Inc()
	failuresGauge.Set(float64(failures))

	if ev != nil {
		c.emitStatus(ev)
	}
	return err
}

// backoffLocked widens the interval once failures reach the threshold. The
// ceiling is MaxInterval or one widening step, whichever is larger.
func (c *Coordinator) backoffLocked() time.Duration {
	ceiling := float64(c.cfg.MaxInterval)
	if first := float64(c.interval) * c.cfg.BackoffMultiplier; first > ceiling {
		ceiling = first
	}
	exp := float64(c.failures - c.cfg.FailureThreshold + 1)
	widened := float64(c.interval) * math.Pow(c.cfg.BackoffMultiplier, exp)
	if widened > ceiling || math.IsInf(widened, 0) {
		return time.Duration(ceiling)
	}
	return time.Duration(widened)
}

// Stop cancels the pending tick and any in-flight refresh and drops the
// session. It is idempotent and does nothing once Failed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized, StateStopped, StateFailed:
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	c.sched.Cancel()
	c.session = credential.Session{}
	c.refreshing = false
	ev := c.transitionLocked(StateStopped, c.state, nil)
	c.mu.Unlock()

	c.logger.Info("stopped")
	c.emitStatus(ev)
}

// Subscribe registers l and returns its id for Unsubscribe.
func (c *Coordinator) Subscribe(l Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	c.listeners[c.nextListener] = l
	return c.nextListener
}

func (c *Coordinator) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// CurrentSnapshot returns a deep copy of the last committed snapshot.
func (c *Coordinator) CurrentSnapshot() topology.Snapshot {
	return c.current().Clone()
}

func (c *Coordinator) current() topology.Snapshot {
	if snap := c.snapshot.Load(); snap != nil {
		return *snap
	}
	return topology.Snapshot{}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:               c.state,
		ConsecutiveFailures: c.failures,
		Interval:            c.interval,
		NextInterval:        c.nextInterval,
		Cycles:              c.cycles,
		LastError:           c.lastErr,
		LastSuccess:         c.lastSuccess,
		SessionID:           c.session.ID,
	}
}

func (c *Coordinator) failLocked(err error) *StatusEvent {
	before := c.state
	if before == StateRefreshing {
		before = StateReady
	}
	c.session = credential.Session{}
	c.sched.Cancel()
	if c.cancel != nil {
		c.cancel()
	}
	return c.transitionLocked(StateFailed, before, err)
}

func (c *Coordinator) transitionLocked(next, previous State, err error) *StatusEvent {
	c.setStateLocked(next)
	return &StatusEvent{
		State:               next,
		Previous:            previous,
		Err:                 err,
		ConsecutiveFailures: c.failures,
		NextInterval:        c.nextInterval,
		At:                  c.now(),
	}
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	observeState(s)
}

func (c *Coordinator) scheduleLocked(delay time.Duration, gen uint64) {
	nextIntervalGauge.Set(delay.Seconds())
	if err := c.sched.Schedule(delay, func() { c.tick(gen) }); err != nil {
		c.logger.Error("schedule next refresh", zap.Error(err))
	}
}

func (c *Coordinator) listenersLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for id := 1; id <= c.nextListener; id++ {
		if l, ok := c.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (c *Coordinator) emitStatus(ev *StatusEvent) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	listeners := c.listenersLocked()
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnStatus(*ev)
	}
}

func observeChanges(changes topology.ChangeSet) {
	changesTotal.WithLabelValues("added").Add(float64(len(changes.Added)))
	changesTotal.WithLabelValues("removed").Add(float64(len(changes.Removed)))
	changesTotal.WithLabelValues("modified").Add(float64(len(changes.Modified)))
	changesTotal.WithLabelValues("updated").Add(float64(len(changes.Updated)))
	changesTotal.WithLabelValues("counter_reset").Add(float64(len(changes.Resets())))
}
