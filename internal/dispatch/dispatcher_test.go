package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdq/internal/command"
	"github.com/mattjoyce/cmdq/internal/dispatch/mocks"
	"github.com/mattjoyce/cmdq/internal/events"
	"github.com/mattjoyce/cmdq/internal/log"
)

// recorder collects execution and reversal order across marker commands.
type recorder struct {
	mu       sync.Mutex
	executed []string
	undone   []string
	counter  int
}

func (r *recorder) Executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func (r *recorder) Undone() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.undone...)
}

func (r *recorder) Counter() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// marker is a command that logs its name and bumps a counter.
type marker struct {
	name    string
	rec     *recorder
	execErr error
	undoErr error
	panicV  any
	block   <-chan struct{}
}

func (m *marker) Execute(ctx context.Context) error {
	if m.block != nil {
		<-m.block
	}
	if m.panicV != nil {
		panic(m.panicV)
	}
	if m.execErr != nil {
		return m.execErr
	}
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	m.rec.executed = append(m.rec.executed, m.name)
	m.rec.counter++
	return nil
}

func (m *marker) Undo(ctx context.Context) error {
	if m.undoErr != nil {
		return m.undoErr
	}
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	m.rec.undone = append(m.rec.undone, m.name)
	m.rec.counter--
	return nil
}

func (m *marker) Description() string { return m.name }

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(log.Nop())}, opts...)
	return New(opts...)
}

func waitDone(t *testing.T, d *Dispatcher) error {
	t.Helper()
	select {
	case <-d.Done():
		return d.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
		return nil
	}
}

func TestDispatcherScenarioSubmitStopUndo(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(&marker{name: "A", rec: rec})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "B", rec: rec})
	require.NoError(t, err)

	d.Stop()
	require.NoError(t, waitDone(t, d))

	assert.Equal(t, 2, rec.Counter())
	assert.Equal(t, []string{"A", "B"}, rec.Executed())
	assert.Equal(t, StateStopped, d.State())

	e, err := d.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", e.Description)
	assert.Equal(t, command.StatusUndone, e.Status)
	assert.Equal(t, []string{"B"}, rec.Undone())

	e, err = d.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", e.Description)

	_, err = d.Undo(context.Background())
	assert.ErrorIs(t, err, ErrEmptyHistory)
	assert.Equal(t, []string{"B", "A"}, rec.Undone())
}

func TestDispatcherFIFOOrder(t *testing.T) {
	for _, n := range []int{0, 1, 2, 50, 500} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			rec := &recorder{}
			d := newTestDispatcher(t)
			require.NoError(t, d.Start(context.Background()))

			want := make([]string, 0, n)
			for i := range n {
				name := fmt.Sprintf("cmd-%03d", i)
				want = append(want, name)
				_, err := d.Submit(&marker{name: name, rec: rec})
				require.NoError(t, err)
			}
			d.Stop()
			require.NoError(t, waitDone(t, d))

			if n == 0 {
				assert.Empty(t, rec.Executed())
				return
			}
			assert.Equal(t, want, rec.Executed())
		})
	}
}

func TestDispatcherEmptyHistoryUndo(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)

	e, err := d.Undo(context.Background())
	assert.Nil(t, e)
	assert.ErrorIs(t, err, ErrEmptyHistory)
	assert.Empty(t, rec.Undone())
	assert.Equal(t, uint64(0), d.Stats().Undone)
}

func TestDispatcherDrainOnStop(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)

	// Submit before the consumer exists so nothing can have run yet.
	const k = 25
	for i := range k {
		_, err := d.Submit(&marker{name: fmt.Sprintf("k-%d", i), rec: rec})
		require.NoError(t, err)
	}
	d.Stop()
	assert.Equal(t, k, d.Stats().QueueDepth)

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, waitDone(t, d))

	assert.Equal(t, k, rec.Counter())
	assert.Equal(t, 0, d.Stats().QueueDepth)
	assert.Equal(t, k, d.Stats().HistoryDepth)
}

func TestDispatcherStopIdempotentConcurrent(t *testing.T) {
	rec := &recorder{}
	hub := events.NewHub(64)
	d := newTestDispatcher(t, WithHub(hub))
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(&marker{name: "only", rec: rec})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	wg.Wait()
	require.NoError(t, waitDone(t, d))
	d.Stop()

	stopping := 0
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.DispatcherStopping {
			stopping++
		}
	}
	assert.Equal(t, 1, stopping)
	assert.Equal(t, []string{"only"}, rec.Executed())
	assert.Equal(t, StateStopped, d.State())
}

func TestDispatcherSubmitAfterStopRejected(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))
	d.Stop()
	require.NoError(t, waitDone(t, d))

	_, err := d.Submit(&marker{name: "late", rec: rec})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, rec.Executed())
}

func TestDispatcherSubmitNil(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Submit(nil)
	assert.ErrorIs(t, err, command.ErrNilCommand)
}

func TestDispatcherFailedExecuteNotRecorded(t *testing.T) {
	rec := &recorder{}
	hub := events.NewHub(64)
	d := newTestDispatcher(t, WithHub(hub))
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(&marker{name: "ok", rec: rec})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "bad", rec: rec, execErr: errors.New("boom")})
	require.NoError(t, err)
	d.Stop()
	require.NoError(t, waitDone(t, d))

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 1, stats.HistoryDepth)

	e, err := d.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", e.Description)

	var failed []events.Event
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.CommandFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].Data), "boom")
}

func TestDispatcherPanicFaultsConsumer(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)

	_, err := d.Submit(&marker{name: "before", rec: rec})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "explode", rec: rec, panicV: "kaboom"})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "after", rec: rec})
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsumerFault)
	assert.Contains(t, err.Error(), "kaboom")

	// The fault is observable without calling Stop.
	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed after a fault")
	}
	assert.ErrorIs(t, d.Wait(), ErrConsumerFault)
	assert.Equal(t, StateFaulted, d.State())

	assert.Equal(t, []string{"before"}, rec.Executed())
	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Faulted)
	assert.Equal(t, 1, stats.QueueDepth, "work queued behind the fault is never executed")
	assert.Equal(t, 1, stats.HistoryDepth)

	_, err = d.Submit(&marker{name: "rejected", rec: rec})
	assert.ErrorIs(t, err, ErrConsumerFault)
}

func TestDispatcherStopAfterFaultPublishesNothing(t *testing.T) {
	hub := events.NewHub(64)
	d := newTestDispatcher(t, WithHub(hub))

	_, err := d.Submit(&marker{name: "explode", rec: &recorder{}, panicV: "kaboom"})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.ErrorIs(t, waitDone(t, d), ErrConsumerFault)

	d.Stop()

	for _, ev := range hub.SnapshotSince(0) {
		assert.NotEqual(t, events.DispatcherStopping, ev.Type, "stop after a fault must not announce a new stop")
	}
}

// Each command is submitted to an idle consumer, so the consumer picks it up
// while Submit is still returning.
func TestDispatcherSubmitToIdleConsumer(t *testing.T) {
	hub := events.NewHub(1024)
	d := newTestDispatcher(t, WithHub(hub))
	require.NoError(t, d.Start(context.Background()))

	const n = 200
	for i := range n {
		ran := make(chan struct{})
		_, err := d.Submit(command.NewFunc(fmt.Sprintf("cmd-%d", i), func(context.Context) error {
			close(ran)
			return nil
		}, nil))
		require.NoError(t, err)
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("command %d never ran", i)
		}
	}
	d.Stop()
	require.NoError(t, waitDone(t, d))

	submitted := 0
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type != events.CommandSubmitted {
			continue
		}
		submitted++
		var p entryPayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		assert.Equal(t, string(command.StatusQueued), p.Status, "submitted event for %s", p.Description)
	}
	assert.Equal(t, n, submitted)
}

func TestDispatcherRunTwice(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)
	d.Stop()
	require.NoError(t, waitDone(t, d))
}

func TestDispatcherWaitWithoutStart(t *testing.T) {
	d := newTestDispatcher(t)
	assert.ErrorIs(t, d.Wait(), ErrNotStarted)
	assert.Equal(t, StateIdle, d.State())
}

func TestDispatcherContextCancelDrains(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)

	release := make(chan struct{})
	_, err := d.Submit(&marker{name: "slow", rec: rec, block: release})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "queued", rec: rec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	cancel()
	require.Eventually(t, func() bool { return d.State() == StateDraining }, 2*time.Second, time.Millisecond)
	_, err = d.Submit(&marker{name: "late", rec: rec})
	assert.ErrorIs(t, err, ErrStopped)

	close(release)
	require.NoError(t, waitDone(t, d))
	assert.Equal(t, []string{"slow", "queued"}, rec.Executed())
}

func TestDispatcherUndoRunsConcurrentlyWithExecution(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(&marker{name: "A", rec: rec})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Stats().HistoryDepth == 1 }, 2*time.Second, time.Millisecond)

	release := make(chan struct{})
	_, err = d.Submit(&marker{name: "B", rec: rec, block: release})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.State() == StateExecuting }, 2*time.Second, time.Millisecond)

	// B is still executing, so undo targets A, the latest completion.
	e, err := d.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", e.Description)

	close(release)
	d.Stop()
	require.NoError(t, waitDone(t, d))

	e, err = d.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", e.Description)
	assert.Equal(t, []string{"A", "B"}, rec.Undone())
}

func TestDispatcherUndoFailureStillRemovesEntry(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t)

	_, err := d.Submit(&marker{name: "stubborn", rec: rec, undoErr: errors.New("cannot revert")})
	require.NoError(t, err)
	d.Stop()
	require.NoError(t, d.Run(context.Background()))

	e, err := d.Undo(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot revert")
	require.NotNil(t, e)
	require.NotNil(t, e.LastError)
	assert.Equal(t, 0, d.Stats().HistoryDepth)

	_, err = d.Undo(context.Background())
	assert.ErrorIs(t, err, ErrEmptyHistory)
}

func TestDispatcherNoLossNoDuplicationConcurrentProducers(t *testing.T) {
	var executions sync.Map
	var dupes atomic.Int32
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))

	const producers, each = 6, 100
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				key := fmt.Sprintf("%d/%d", p, i)
				cmd := command.NewFunc(key, func(context.Context) error {
					if _, loaded := executions.LoadOrStore(key, true); loaded {
						dupes.Add(1)
					}
					return nil
				}, nil)
				if _, err := d.Submit(cmd); err != nil {
					t.Errorf("Submit: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	d.Stop()
	require.NoError(t, waitDone(t, d))

	count := 0
	executions.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, producers*each, count)
	assert.Zero(t, dupes.Load())
	assert.Equal(t, uint64(producers*each), d.Stats().Succeeded)
}

func TestDispatcherHistoryLimit(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, WithHistoryLimit(2))
	for _, n := range []string{"a", "b", "c"} {
		_, err := d.Submit(&marker{name: n, rec: rec})
		require.NoError(t, err)
	}
	d.Stop()
	require.NoError(t, d.Run(context.Background()))

	hist := d.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].Description)
	assert.Equal(t, "b", hist[1].Description)
}

func TestDispatcherJournalsTerminalEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	j := mocks.NewMockJournal(ctrl)

	gomock.InOrder(
		j.EXPECT().Append(gomock.Any(), events.CommandSucceeded, gomock.Any()).Return(nil),
		j.EXPECT().Append(gomock.Any(), events.CommandFailed, gomock.Any()).Return(errors.New("disk full")),
		j.EXPECT().Append(gomock.Any(), events.CommandUndone, gomock.Any()).Return(nil),
	)

	rec := &recorder{}
	d := newTestDispatcher(t, WithJournal(j))
	_, err := d.Submit(&marker{name: "ok", rec: rec})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "bad", rec: rec, execErr: errors.New("nope")})
	require.NoError(t, err)
	d.Stop()

	// A journal failure is logged, not fatal.
	require.NoError(t, d.Run(context.Background()))
	_, err = d.Undo(context.Background())
	require.NoError(t, err)
}

func TestDispatcherMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	rec := &recorder{}
	d := newTestDispatcher(t, WithMetrics(m))

	_, err := d.Submit(&marker{name: "a", rec: rec})
	require.NoError(t, err)
	_, err = d.Submit(&marker{name: "b", rec: rec, execErr: errors.New("x")})
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.submitted))

	d.Stop()
	require.NoError(t, d.Run(context.Background()))
	_, err = d.Undo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.executed.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.executed.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.undone))

	n, err := testutil.GatherAndCount(reg, "cmdq_queue_depth", "cmdq_history_depth")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
