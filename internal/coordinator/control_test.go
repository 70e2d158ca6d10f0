package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

func TestSetTargetTemperatureWritesRoomAndResyncs(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	require.NoError(t, h.c.SetTargetTemperature(context.Background(), "node-1", 22.5))

	assert.Equal(t, []fakeWrite{{op: "target", tuneID: "tune-1", roomID: "room-1", value: 22.5}}, h.api.recordedWrites())
	_, topo, _ := h.api.counts()
	assert.Equal(t, 2, topo, "a write is followed by a full refresh")
	assert.Equal(t, 2, h.c.Status().Cycles)

	h.sched.fire(t)
	_, topo, _ = h.api.counts()
	assert.Equal(t, 2, topo, "the next tick is light again")
}

func TestSetActiveControl(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	require.NoError(t, h.c.SetActiveControl(context.Background(), "node-1", true))
	assert.Equal(t, []fakeWrite{{op: "control", tuneID: "tune-1", roomID: "room-1", value: true}}, h.api.recordedWrites())
}

func TestRoomWriteNeedsRoom(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)
	ctx := context.Background()

	err := h.c.SetTargetTemperature(ctx, "node-9", 20)
	assert.True(t, apierr.IsNotFound(err))

	err = h.c.SetTargetTemperature(ctx, "node-2", 20)
	assert.True(t, apierr.IsNotFound(err))
	assert.Empty(t, h.api.recordedWrites())
}

func TestWriteBeforeStartIsRejected(t *testing.T) {
	h := newHarness(t, defaultConfig())
	assert.ErrorIs(t, h.c.SetAway(context.Background(), "tune-1", topology.AwayWindow{}), ErrNotRunning)
}

func TestActivateAwayUsesSixtyDayWindow(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)
	h.c.now = func() time.Time { return t0.Add(42 * time.Second) }

	require.NoError(t, h.c.ActivateAway(context.Background(), "tune-1"))
	require.NoError(t, h.c.DeactivateAway(context.Background(), "tune-1"))

	writes := h.api.recordedWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, topology.AwayWindow{Start: t0, End: t0.Add(60 * 24 * time.Hour)}, writes[0].value)
	assert.Equal(t, topology.AwayWindow{}, writes[1].value)
}

func TestSetAwayValidatesWindow(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)
	ctx := context.Background()

	err := h.c.SetAway(ctx, "tune-1", topology.AwayWindow{Start: t0, End: t0})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	err = h.c.SetAway(ctx, "tune-9", topology.AwayWindow{})
	assert.True(t, apierr.IsNotFound(err))
	assert.Empty(t, h.api.recordedWrites())
}

func TestWriteTransportErrorKeepsState(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)
	h.api.set(func(f *fakeAPI) {
		f.writeErr = &apierr.TransportError{Op: "set target temperature", Status: 502, Err: errors.New("bad gateway")}
	})

	err := h.c.SetTargetTemperature(context.Background(), "node-1", 21)
	require.Error(t, err)
	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, 0, h.c.Status().ConsecutiveFailures)
	_, topo, _ := h.api.counts()
	assert.Equal(t, 1, topo)
}

func TestWriteAuthErrorFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)
	h.api.set(func(f *fakeAPI) { f.writeErr = &apierr.AuthError{Status: 401} })

	err := h.c.SetActiveControl(context.Background(), "node-1", false)
	assert.True(t, apierr.IsAuth(err))
	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, []State{StateReady, StateFailed}, h.rec.states())
	_, pending := h.sched.pending()
	assert.False(t, pending)
}

func TestWriteDuringRefreshResyncsNextCycle(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.start(t)

	block := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.api.set(func(f *fakeAPI) {
		f.block = block
		f.entered = entered
	})

	done := make(chan error, 1)
	go func() { done <- h.c.ForceRefresh(context.Background()) }()
	<-entered

	require.NoError(t, h.c.ActivateAway(context.Background(), "tune-1"))
	close(block)
	require.NoError(t, <-done)
	h.api.set(func(f *fakeAPI) { f.block = nil })

	_, topo, _ := h.api.counts()
	assert.Equal(t, 1, topo, "the in-flight light cycle does not count as a resync")

	h.sched.fire(t)
	_, topo, _ = h.api.counts()
	assert.Equal(t, 2, topo)
}
