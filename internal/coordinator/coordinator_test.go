package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/credential"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

var t0 = time.Date(2024, 8, 4, 9, 20, 0, 0, time.UTC)

var (
	tempID   = topology.ChannelID("node-1", topology.TypeTemperature)
	energyID = topology.ChannelID("node-2", topology.TypeEnergy)
)

type fakeAPI struct {
	mu sync.Mutex

	authErrs []error
	topo     topology.Snapshot
	topoErr  error
	readings map[string]topology.Reading
	readErrs map[string]error

	block   chan struct{}
	entered chan struct{}

	writeErr error
	writes   []fakeWrite

	authCalls int
	topoCalls int
	readCalls int
	sessions  []credential.Session
}

type fakeWrite struct {
	op     string
	tuneID string
	roomID string
	value  any
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		topo: topology.Snapshot{Gateways: []topology.Gateway{{
			ID:     "tune-1",
			Name:   "Home",
			Online: true,
			Nodes: []topology.Node{
				{ID: "node-1", Name: "Ngenic sensor Living", Type: "sensor", RoomID: "room-1", Channels: []topology.Channel{
					{ID: tempID, Type: topology.TypeTemperature, Kind: topology.KindTemperature, Unit: topology.UnitCelsius},
				}},
				{ID: "node-2", Name: "Ngenic controller", Type: "controller", Channels: []topology.Channel{
					{ID: energyID, Type: topology.TypeEnergy, Kind: topology.KindEnergy, Unit: topology.UnitKilowattHour},
				}},
			},
		}}},
		readings: map[string]topology.Reading{
			tempID:   {Value: 21.5, Unit: topology.UnitCelsius, Timestamp: t0},
			energyID: {Value: 100, Unit: topology.UnitKilowattHour, Timestamp: t0},
		},
		readErrs: map[string]error{},
	}
}

func (f *fakeAPI) Authenticate(_ context.Context, cred credential.Credential) (credential.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if len(f.authErrs) > 0 {
		err := f.authErrs[0]
		f.authErrs = f.authErrs[1:]
		if err != nil {
			return credential.Session{}, err
		}
	}
	session := credential.NewSession(cred, t0)
	f.sessions = append(f.sessions, session)
	return session, nil
}

func (f *fakeAPI) FetchTopology(_ context.Context, session credential.Session) (topology.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topoCalls++
	if !session.Valid() {
		return topology.Snapshot{}, &apierr.AuthError{Message: "no session"}
	}
	if f.topoErr != nil {
		return topology.Snapshot{}, f.topoErr
	}
	return f.topo.Clone(), nil
}

func (f *fakeAPI) FetchMeasurement(ctx context.Context, _ credential.Session, ref topology.ChannelRef) (topology.Reading, error) {
	f.mu.Lock()
	f.readCalls++
	block, entered := f.block, f.entered
	err := f.readErrs[ref.ChannelID]
	reading := f.readings[ref.ChannelID]
	f.mu.Unlock()

	if block != nil {
		entered <- struct{}{}
		select {
		case <-block:
		case <-ctx.Done():
			return topology.Reading{}, &apierr.TransportError{Op: "read measurement", Err: ctx.Err()}
		}
	}
	if err != nil {
		return topology.Reading{}, err
	}
	return reading, nil
}

func (f *fakeAPI) SetTargetTemperature(_ context.Context, _ credential.Session, tuneID, roomID string, celsius float64) error {
	return f.record(fakeWrite{op: "target", tuneID: tuneID, roomID: roomID, value: celsius})
}

func (f *fakeAPI) SetActiveControl(_ context.Context, _ credential.Session, tuneID, roomID string, active bool) error {
	return f.record(fakeWrite{op: "control", tuneID: tuneID, roomID: roomID, value: active})
}

func (f *fakeAPI) SetAway(_ context.Context, _ credential.Session, tuneID string, window topology.AwayWindow) error {
	return f.record(fakeWrite{op: "away", tuneID: tuneID, value: window})
}

func (f *fakeAPI) record(w fakeWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, w)
	return nil
}

func (f *fakeAPI) recordedWrites() []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeWrite(nil), f.writes...)
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) counts() (auth, topo, read int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.topoCalls, f.readCalls
}

type manualScheduler struct {
	mu        sync.Mutex
	delay     time.Duration
	tick      func()
	cancelled int
}

func (s *manualScheduler) Schedule(delay time.Duration, tick func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
	s.tick = tick
	return nil
}

func (s *manualScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = nil
	s.cancelled++
}

func (s *manualScheduler) pending() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay, s.tick != nil
}

func (s *manualScheduler) fire(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	tick := s.tick
	s.tick = nil
	s.mu.Unlock()
	require.NotNil(t, tick, "no tick scheduled")
	tick()
}

type recorder struct {
	mu      sync.Mutex
	changes []topology.ChangeSet
	events  []StatusEvent
}

func (r *recorder) OnChanges(changes topology.ChangeSet, _ topology.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes)
}

func (r *recorder) OnStatus(event StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

func (r *recorder) lastChanges() topology.ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return topology.ChangeSet{}
	}
	return r.changes[len(r.changes)-1]
}

type harness struct {
	api   *fakeAPI
	sched *manualScheduler
	rec   *recorder
	c     *Coordinator
	cred  credential.Credential
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	api := newFakeAPI()
	sched := &manualScheduler{}
	c := New(api, sched, cfg, nil)
	c.now = func() time.Time { return t0 }
	rec := &recorder{}
	c.Subscribe(rec)
	cred, err := credential.New("token")
	require.NoError(t, err)
	return &harness{api: api, sched: sched, rec: rec, c: c, cred: cred}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background(), h.cred, 0))
}

func (h *harness) value(t *testing.T, id string) float64 {
	t.Helper()
	ch, ok := h.c.CurrentSnapshot().FindChannel(id)
	require.True(t, ok, "channel %s missing", id)
	return ch.Value
}

func defaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		FullSyncEvery:     6,
		FailureThreshold:  3,
		BackoffMultiplier: 2,
		MaxInterval:       30 * time.Minute,
	}
}

func transportErr() error {
	return &apierr.TransportError{Op: "read measurement", Err: errors.New("connection reset")}
}

func TestStartRunsFullRefresh(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, 21.5, h.value(t, tempID))
	assert.Equal(t, []State{StateReady}, h.rec.states())

	auth, topo, read := h.api.counts()
	assert.Equal(t, 1, auth)
	assert.Equal(t, 1, topo)
	assert.Equal(t, 2, read)

	changes := h.rec.lastChanges()
	assert.Len(t, changes.Added, 5)
	assert.Empty(t, changes.Removed)

	delay, pending := h.sched.pending()
	assert.True(t, pending)
	assert.Equal(t, 5*time.Minute, delay)
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)
	assert.ErrorIs(t, h.c.Start(context.Background(), h.cred, 0), ErrAlreadyStarted)
}

func TestSingleTransportErrorKeepsReady(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) { f.readErrs[tempID] = transportErr() })
	h.sched.fire(t)

	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, 21.5, h.value(t, tempID))
	assert.Equal(t, 1, h.c.Status().ConsecutiveFailures)
	delay, _ := h.sched.pending()
	assert.Equal(t, 5*time.Minute, delay)
	assert.Equal(t, []State{StateReady}, h.rec.states())
}

func TestThresholdFailuresDegradeAndRecover(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) { f.readErrs[tempID] = transportErr() })

	wantDelays := []time.Duration{5 * time.Minute, 5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 30 * time.Minute, 30 * time.Minute}
	wantStates := []State{StateReady, StateReady, StateDegraded, StateDegraded, StateDegraded, StateDegraded}
	for i := range wantDelays {
		h.sched.fire(t)
		delay, _ := h.sched.pending()
		assert.Equal(t, wantDelays[i], delay, "failure %d", i+1)
		assert.Equal(t, wantStates[i], h.c.State(), "failure %d", i+1)
	}
	assert.Equal(t, 21.5, h.value(t, tempID))
	assert.Equal(t, []State{StateReady, StateDegraded}, h.rec.states())

	h.api.set(func(f *fakeAPI) {
		delete(f.readErrs, tempID)
		f.readings[tempID] = topology.Reading{Value: 22, Unit: topology.UnitCelsius, Timestamp: t0.Add(time.Hour)}
	})
	h.sched.fire(t)

	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, 0, h.c.Status().ConsecutiveFailures)
	assert.Equal(t, 22.0, h.value(t, tempID))
	delay, _ := h.sched.pending()
	assert.Equal(t, 5*time.Minute, delay)

	h.rec.mu.Lock()
	last := h.rec.events[len(h.rec.events)-1]
	h.rec.mu.Unlock()
	assert.Equal(t, StateReady, last.State)
	assert.Equal(t, StateDegraded, last.Previous)
}

func TestRateLimitDelaysNextTick(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) {
		f.readErrs[tempID] = &apierr.RateLimitedError{Op: "read measurement", RetryAt: t0.Add(20 * time.Minute)}
	})
	h.sched.fire(t)

	assert.Equal(t, StateReady, h.c.State())
	delay, _ := h.sched.pending()
	assert.Equal(t, 20*time.Minute, delay)
}

func TestParseErrorCountsAsFailure(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) {
		f.readErrs[tempID] = &apierr.ParseError{Op: "read measurement", Err: errors.New("unexpected token")}
	})
	h.sched.fire(t)

	status := h.c.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.True(t, apierr.IsParse(status.LastError))
}

func TestNotFoundForcesFullResync(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) { f.readErrs[tempID] = &apierr.NotFoundError{Resource: tempID} })
	h.sched.fire(t)

	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, 0, h.c.Status().ConsecutiveFailures)
	assert.Equal(t, 21.5, h.value(t, tempID))
	_, topo, _ := h.api.counts()
	assert.Equal(t, 1, topo)

	h.api.set(func(f *fakeAPI) {
		delete(f.readErrs, tempID)
		f.topo.Gateways[0].Nodes = f.topo.Gateways[0].Nodes[1:]
	})
	h.sched.fire(t)

	_, topo, _ = h.api.counts()
	assert.Equal(t, 2, topo)
	_, ok := h.c.CurrentSnapshot().FindChannel(tempID)
	assert.False(t, ok)
	assert.Contains(t, h.rec.lastChanges().Removed, topology.Ref{
		Entity:    topology.EntityChannel,
		GatewayID: "tune-1",
		NodeID:    "node-1",
		ChannelID: tempID,
		Kind:      topology.KindTemperature,
		Unit:      topology.UnitCelsius,
	})
}

func TestDegradedIntervalExceedsLongPollInterval(t *testing.T) {
	h := newHarness(t, defaultConfig())
	require.NoError(t, h.c.Start(context.Background(), h.cred, time.Hour))

	h.api.set(func(f *fakeAPI) { f.readErrs[tempID] = transportErr() })
	for i := 0; i < 4; i++ {
		h.sched.fire(t)
	}

	assert.Equal(t, StateDegraded, h.c.State())
	status := h.c.Status()
	assert.Equal(t, time.Hour, status.Interval)
	assert.Equal(t, 2*time.Hour, status.NextInterval)
	delay, _ := h.sched.pending()
	assert.Greater(t, delay, time.Hour)
}

func TestLightCycleReadingUnitDoesNotResync(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) {
		f.readings[tempID] = topology.Reading{Value: 70, Unit: topology.Unit("°F"), Timestamp: t0.Add(time.Hour)}
	})
	h.sched.fire(t)
	h.sched.fire(t)

	_, topo, _ := h.api.counts()
	assert.Equal(t, 1, topo)
	ch, ok := h.c.CurrentSnapshot().FindChannel(tempID)
	require.True(t, ok)
	assert.Equal(t, topology.UnitCelsius, ch.Unit)
}

func TestFullSyncEveryNthCycle(t *testing.T) {
	cfg := defaultConfig()
	cfg.FullSyncEvery = 3
	h := newHarness(t, cfg)
	h.start(t)

	for i := 0; i < 3; i++ {
		h.sched.fire(t)
	}
	_, topo, _ := h.api.counts()
	assert.Equal(t, 2, topo)
}

func TestEnergyDecreaseIsPublishedAsReset(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) {
		f.readings[energyID] = topology.Reading{Value: 97, Unit: topology.UnitKilowattHour, Timestamp: t0.Add(time.Hour)}
	})
	h.sched.fire(t)

	resets := h.rec.lastChanges().Resets()
	require.Len(t, resets, 1)
	assert.Equal(t, energyID, resets[0].Ref.ChannelID)
	assert.Equal(t, 100.0, resets[0].Previous.Value)
	assert.Equal(t, 97.0, resets[0].Current.Value)
}

func TestAuthErrorOnStartFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.api.set(func(f *fakeAPI) { f.authErrs = []error{&apierr.AuthError{Status: 401}} })

	err := h.c.Start(context.Background(), h.cred, 0)
	assert.True(t, apierr.IsAuth(err))
	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, []State{StateFailed}, h.rec.states())
	_, pending := h.sched.pending()
	assert.False(t, pending)
}

func TestAuthErrorDuringRefreshFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.api.set(func(f *fakeAPI) { f.readErrs[tempID] = &apierr.AuthError{Status: 401} })
	h.sched.fire(t)

	assert.Equal(t, StateFailed, h.c.State())
	assert.Empty(t, h.c.Status().SessionID)
	_, pending := h.sched.pending()
	assert.False(t, pending)
	assert.Equal(t, []State{StateReady, StateFailed}, h.rec.states())
	assert.ErrorIs(t, h.c.ForceRefresh(context.Background()), ErrNotRunning)

	h.c.Stop()
	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, 21.5, h.value(t, tempID))
}

func TestTransientAuthErrorRetries(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.api.set(func(f *fakeAPI) { f.authErrs = []error{transportErr()} })

	require.NoError(t, h.c.Start(context.Background(), h.cred, 2*time.Minute))
	assert.Equal(t, StateAuthenticating, h.c.State())
	delay, pending := h.sched.pending()
	assert.True(t, pending)
	assert.Equal(t, 2*time.Minute, delay)

	h.sched.fire(t)
	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, 21.5, h.value(t, tempID))
}

func TestStopThenStartReauthenticates(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.c.Stop()
	h.c.Stop()
	assert.Equal(t, StateStopped, h.c.State())
	assert.Equal(t, []State{StateReady, StateStopped}, h.rec.states())
	_, pending := h.sched.pending()
	assert.False(t, pending)

	h.start(t)
	assert.Equal(t, StateReady, h.c.State())

	h.api.mu.Lock()
	sessions := append([]credential.Session(nil), h.api.sessions...)
	h.api.mu.Unlock()
	require.Len(t, sessions, 2)
	assert.NotEqual(t, sessions[0].ID, sessions[1].ID)
	assert.Equal(t, sessions[1].ID, h.c.Status().SessionID)
}

func TestStaleTickAfterRestartIsIgnored(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	h.sched.mu.Lock()
	stale := h.sched.tick
	h.sched.mu.Unlock()

	h.c.Stop()
	h.start(t)
	_, _, before := h.api.counts()

	stale()
	_, _, after := h.api.counts()
	assert.Equal(t, before, after)
}

func TestConcurrentRefreshIsRejected(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	block := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.api.set(func(f *fakeAPI) {
		f.block = block
		f.entered = entered
		f.readings[tempID] = topology.Reading{Value: 23, Unit: topology.UnitCelsius, Timestamp: t0.Add(time.Hour)}
	})

	done := make(chan error, 1)
	go func() { done <- h.c.ForceRefresh(context.Background()) }()
	<-entered

	assert.Equal(t, StateRefreshing, h.c.State())
	assert.ErrorIs(t, h.c.ForceRefresh(context.Background()), ErrRefreshInProgress)

	_, _, readsBefore := h.api.counts()
	h.sched.fire(t)
	_, _, readsAfter := h.api.counts()
	assert.Equal(t, readsBefore, readsAfter)

	h.api.set(func(f *fakeAPI) { f.block = nil })
	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, 23.0, h.value(t, tempID))
	assert.Equal(t, StateReady, h.c.State())
}

func TestStopCancelsInFlightRefresh(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	block := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.api.set(func(f *fakeAPI) {
		f.block = block
		f.entered = entered
		f.readings[tempID] = topology.Reading{Value: 30, Unit: topology.UnitCelsius, Timestamp: t0.Add(time.Hour)}
	})

	done := make(chan error, 1)
	go func() { done <- h.c.ForceRefresh(context.Background()) }()
	<-entered

	h.c.Stop()
	assert.ErrorIs(t, <-done, ErrNotRunning)
	assert.Equal(t, StateStopped, h.c.State())
	assert.Equal(t, 21.5, h.value(t, tempID))
	assert.Equal(t, 0, h.c.Status().ConsecutiveFailures)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, defaultConfig())
	extra := &recorder{}
	id := h.c.Subscribe(extra)
	h.c.Unsubscribe(id)

	h.start(t)
	assert.Len(t, h.rec.changes, 1)
	assert.Empty(t, extra.changes)
}

func TestCurrentSnapshotIsACopy(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	snap := h.c.CurrentSnapshot()
	snap.Gateways[0].Nodes[0].Channels[0].Value = -1
	assert.Equal(t, 21.5, h.value(t, tempID))
}
