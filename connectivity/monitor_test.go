package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProbe is a probe whose verdict can be flipped from the test body.
type flakyProbe struct {
	online atomic.Bool
}

func (p *flakyProbe) probe(context.Context) error {
	if p.online.Load() {
		return nil
	}
	return trace.ConnectionProblem(nil, "no route to host")
}

func newMonitor(t *testing.T, conf MonitorConfig) *Monitor {
	t.Helper()
	monitor, err := NewMonitor(conf)
	require.NoError(t, err)
	return monitor
}

func TestSubscribe(t *testing.T) {
	probe := &flakyProbe{}
	monitor := newMonitor(t, MonitorConfig{Probe: probe.probe})

	var mu sync.Mutex
	var observed []State
	listener := func(state State) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, state)
	}

	// The listener is called immediately with the current state.
	unsubscribe := monitor.Subscribe(listener)
	mu.Lock()
	require.Len(t, observed, 1)
	assert.False(t, observed[0].Online)
	assert.Zero(t, observed[0].Generation)
	mu.Unlock()

	// Every transition is delivered.
	probe.online.Store(true)
	monitor.ForceCheck(context.Background())
	probe.online.Store(false)
	monitor.ForceCheck(context.Background())

	mu.Lock()
	require.Len(t, observed, 3)
	assert.True(t, observed[1].Online)
	assert.Equal(t, uint64(1), observed[1].Generation)
	assert.False(t, observed[2].Online)
	assert.Equal(t, uint64(2), observed[2].Generation)
	mu.Unlock()

	// After unsubscribing, no further notifications arrive.
	unsubscribe()
	probe.online.Store(true)
	monitor.ForceCheck(context.Background())
	mu.Lock()
	assert.Len(t, observed, 3)
	mu.Unlock()
}

func TestUnsubscribeIsolation(t *testing.T) {
	probe := &flakyProbe{}
	monitor := newMonitor(t, MonitorConfig{Probe: probe.probe})

	var first, second int
	unsubscribeFirst := monitor.Subscribe(func(State) { first++ })
	monitor.Subscribe(func(State) { second++ })

	unsubscribeFirst()

	probe.online.Store(true)
	monitor.ForceCheck(context.Background())

	assert.Equal(t, 1, first)  // subscription call only
	assert.Equal(t, 2, second) // subscription call + transition
}

func TestForceCheck(t *testing.T) {
	probe := &flakyProbe{}
	monitor := newMonitor(t, MonitorConfig{Probe: probe.probe})

	state := monitor.ForceCheck(context.Background())
	assert.False(t, state.Online)
	assert.Zero(t, state.Generation) // offline already, no transition

	probe.online.Store(true)
	state = monitor.ForceCheck(context.Background())
	assert.True(t, state.Online)
	assert.Equal(t, uint64(1), state.Generation)

	// A repeated verdict does not bump the generation.
	state = monitor.ForceCheck(context.Background())
	assert.True(t, state.Online)
	assert.Equal(t, uint64(1), state.Generation)
}

func TestProbeTimeoutMeansOffline(t *testing.T) {
	monitor := newMonitor(t, MonitorConfig{
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return trace.Wrap(ctx.Err())
		},
		ProbeTimeout: 10 * time.Millisecond,
	})

	state := monitor.ForceCheck(context.Background())
	assert.False(t, state.Online)
}

func TestOnOnlineTrigger(t *testing.T) {
	probe := &flakyProbe{}
	var drains int32
	monitor := newMonitor(t, MonitorConfig{
		Probe:    probe.probe,
		OnOnline: func() { atomic.AddInt32(&drains, 1) },
	})

	// Staying offline does not trigger a drain.
	monitor.ForceCheck(context.Background())
	assert.Zero(t, atomic.LoadInt32(&drains))

	// One trigger per offline->online transition, flapping included.
	probe.online.Store(true)
	monitor.ForceCheck(context.Background())
	monitor.ForceCheck(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&drains))

	probe.online.Store(false)
	monitor.ForceCheck(context.Background())
	probe.online.Store(true)
	monitor.ForceCheck(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&drains))
}

func TestRunLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	probe := &flakyProbe{}
	monitor := newMonitor(t, MonitorConfig{
		Probe: probe.probe,
		Clock: clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan error, 1)
	go func() {
		finished <- monitor.RunLoop(ctx)
	}()

	// The first probe fails, the loop waits on the offline backoff.
	clock.BlockUntil(1)
	assert.False(t, monitor.CurrentState().Online)

	// Connectivity comes back: the next probe flips the state online.
	probe.online.Store(true)
	clock.Advance(offlineBackoffCap)
	require.Eventually(t, func() bool {
		return monitor.CurrentState().Online
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-finished:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on context cancellation")
	}
}
