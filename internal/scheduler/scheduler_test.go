package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdq/internal/catalog"
	"github.com/mattjoyce/cmdq/internal/command"
	"github.com/mattjoyce/cmdq/internal/config"
	"github.com/mattjoyce/cmdq/internal/dispatch"
	"github.com/mattjoyce/cmdq/internal/events"
	"github.com/mattjoyce/cmdq/internal/log"
	"github.com/mattjoyce/cmdq/internal/scheduler/mocks"
)

func testCatalog(t *testing.T) *catalog.Registry {
	t.Helper()
	devices, err := catalog.NewDeviceSet("lamp")
	require.NoError(t, err)
	reg := catalog.NewRegistry()
	require.NoError(t, catalog.RegisterDeviceCommands(reg, devices))
	return reg
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(t *testing.T, sub Submitter, hub *events.Hub, schedules ...Schedule) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(schedules, sub, testCatalog(t), hub, time.Second, log.Nop())
	s.now = clock.Now
	s.arm(clock.Now())
	return s, clock
}

func lampOn() Schedule {
	return Schedule{
		Name:    "porch",
		Command: catalog.DeviceOn,
		Args:    json.RawMessage(`{"device":"lamp"}`),
		Every:   time.Minute,
	}
}

func TestFirstRunWaitsOneInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	s, clock := newTestScheduler(t, sub, nil, lampOn())

	// Nothing is due at start.
	s.runDue()

	clock.Advance(59 * time.Second)
	s.runDue()

	sub.EXPECT().Submit(gomock.Any()).DoAndReturn(func(cmd command.Command) (string, error) {
		assert.Equal(t, "turn on lamp", cmd.Description())
		return "cmd-1", nil
	}).Times(1)

	clock.Advance(time.Second)
	s.runDue()

	// Next run is re-armed from the fire time.
	clock.Advance(30 * time.Second)
	s.runDue()
}

func TestMissedRunsCollapse(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any()).Return("cmd-1", nil).Times(1)

	s, clock := newTestScheduler(t, sub, nil, lampOn())
	clock.Advance(10 * time.Minute)
	s.runDue()
}

func TestSubmitPublishesEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	hub := events.NewHub(16)

	gomock.InOrder(
		sub.EXPECT().Submit(gomock.Any()).Return("cmd-1", nil),
		sub.EXPECT().Submit(gomock.Any()).Return("", dispatch.ErrStopped),
	)

	s, clock := newTestScheduler(t, sub, hub, lampOn())
	clock.Advance(time.Minute)
	s.runDue()
	clock.Advance(time.Minute)
	s.runDue()

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.SchedulerSubmitted, evs[0].Type)
	assert.Contains(t, string(evs[0].Data), "cmd-1")
	assert.Equal(t, events.SchedulerSkipped, evs[1].Type)
	assert.Contains(t, string(evs[1].Data), "porch")
}

func TestBuildFailureSkipsSubmit(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	hub := events.NewHub(16)

	bad := lampOn()
	bad.Args = json.RawMessage(`{"device":"kettle"}`)

	s, clock := newTestScheduler(t, sub, hub, bad)
	clock.Advance(time.Minute)
	s.runDue()

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.SchedulerSkipped, evs[0].Type)
}

func TestSubmitErrorIsLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any()).Return("", errors.New("queue wedged"))

	var buf bytes.Buffer
	clock := &fakeClock{t: time.Now()}
	s := New([]Schedule{lampOn()}, sub, testCatalog(t), nil, time.Second, log.SetupWriter(&buf, "debug", "text"))
	s.now = clock.Now
	s.arm(clock.Now())

	clock.Advance(time.Minute)
	s.runDue()

	assert.Contains(t, buf.String(), "Failed to submit scheduled command")
	assert.Contains(t, buf.String(), "queue wedged")
}

func TestStartStopWithRealDispatcher(t *testing.T) {
	d := dispatch.New(dispatch.WithLogger(log.Nop()))
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		d.Stop()
		_ = d.Wait()
	})

	sched := Schedule{
		Name:    "blink",
		Command: catalog.DeviceOn,
		Args:    json.RawMessage(`{"device":"lamp"}`),
		Every:   20 * time.Millisecond,
	}
	s := New([]Schedule{sched}, d, testCatalog(t), nil, 5*time.Millisecond, log.Nop())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(d.History()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestStopOnContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any()).AnyTimes().Return("cmd", nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := New([]Schedule{lampOn()}, sub, testCatalog(t), nil, time.Millisecond, log.Nop())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestFromConfig(t *testing.T) {
	scs := []config.ScheduleConfig{
		{Name: "b", Command: catalog.DeviceOff, Every: "hourly", Args: map[string]any{"device": "lamp"}},
		{Name: "a", Command: catalog.DeviceOn, Every: "90s", Jitter: time.Second},
	}
	out, err := FromConfig(scs)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, 90*time.Second, out[0].Every)
	assert.Equal(t, time.Second, out[0].Jitter)
	assert.Nil(t, out[0].Args)

	assert.Equal(t, "b", out[1].Name)
	assert.Equal(t, time.Hour, out[1].Every)
	assert.JSONEq(t, `{"device":"lamp"}`, string(out[1].Args))

	_, err = FromConfig([]config.ScheduleConfig{{Name: "x", Command: catalog.DeviceOn, Every: "sometimes"}})
	assert.Error(t, err)
}

func TestCalculateJitteredInterval(t *testing.T) {
	base := 10 * time.Minute
	assert.Equal(t, base, calculateJitteredInterval(base, 0))

	jitter := 30 * time.Second
	for range 200 {
		got := calculateJitteredInterval(base, jitter)
		assert.GreaterOrEqual(t, got, base)
		assert.Less(t, got, base+jitter)
	}
}
