package queue

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchpost/client-go/client"
	"github.com/watchpost/client-go/connectivity"
	"github.com/watchpost/client-go/lib/storage"
)

type fakeConnectivity struct {
	mu    sync.Mutex
	state connectivity.State
}

func (c *fakeConnectivity) CurrentState() connectivity.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConnectivity) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Online != online {
		c.state = connectivity.State{Online: online, Generation: c.state.Generation + 1}
	}
}

type fakeReplayer struct {
	mu        sync.Mutex
	replayed  []string
	active    int
	maxActive int
	replay    func(client.Request) error
}

// Replay implements Replayer.
func (r *fakeReplayer) Replay(_ context.Context, req client.Request) error {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.replayed = append(r.replayed, req.Path)
	replay := r.replay
	r.mu.Unlock()

	var err error
	if replay != nil {
		err = replay(req)
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return err
}

func (r *fakeReplayer) replayedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replayed...)
}

func (r *fakeReplayer) maxConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

func mutatingRequest(path string) client.Request {
	return client.Request{Method: http.MethodPost, Path: path, Body: []byte(`{"severity":"high"}`)}
}

func newQueue(t *testing.T, conf Config) *RetryQueue {
	t.Helper()
	if conf.Store == nil {
		conf.Store = storage.NewMemoryStore()
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewFakeClock()
	}
	q, err := NewRetryQueue(conf)
	require.NoError(t, err)
	return q
}

func TestDrainOffline(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	replayer := &fakeReplayer{}
	q := newQueue(t, Config{Replayer: replayer, Connectivity: conn})

	_, err := q.Enqueue(ctx, mutatingRequest("/incidents"))
	require.NoError(t, err)

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, 1, q.PendingCount())
	assert.Empty(t, replayer.replayedPaths())
}

func TestDrainEmpty(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)
	q := newQueue(t, Config{Replayer: &fakeReplayer{}, Connectivity: conn})

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDrainFIFO(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)
	replayer := &fakeReplayer{}
	q := newQueue(t, Config{Replayer: replayer, Connectivity: conn})

	for _, path := range []string{"/incidents/1", "/incidents/2", "/incidents/3"} {
		_, err := q.Enqueue(ctx, mutatingRequest(path))
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.PendingCount())

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Succeeded: 3, Total: 3}, stats)
	assert.Equal(t, []string{"/incidents/1", "/incidents/2", "/incidents/3"}, replayer.replayedPaths())
	assert.Zero(t, q.PendingCount())
	assert.Equal(t, 1, replayer.maxConcurrency())
}

func TestDrainKeepsFailedEntry(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)
	replayer := &fakeReplayer{replay: func(req client.Request) error {
		if req.Path == "/incidents/2" {
			return trace.Errorf("backend hiccup")
		}
		return nil
	}}
	q := newQueue(t, Config{Replayer: replayer, Connectivity: conn})

	for _, path := range []string{"/incidents/1", "/incidents/2", "/incidents/3"} {
		_, err := q.Enqueue(ctx, mutatingRequest(path))
		require.NoError(t, err)
	}

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Succeeded: 2, Failed: 1, Total: 3}, stats)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "/incidents/2", pending[0].Request.Path)
	assert.Equal(t, 1, pending[0].RetryCount)

	// The entry succeeds on a later drain and leaves the queue.
	replayer.mu.Lock()
	replayer.replay = nil
	replayer.mu.Unlock()

	stats, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Succeeded: 1, Total: 1}, stats)
	assert.Zero(t, q.PendingCount())
}

func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)
	replayer := &fakeReplayer{replay: func(client.Request) error {
		return trace.Errorf("backend rejects the request")
	}}

	var reported []Entry
	var reportedErrs []error
	q := newQueue(t, Config{
		Replayer:         replayer,
		Connectivity:     conn,
		MaxRetryAttempts: 3,
		OnPermanentFailure: func(entry Entry, err error) {
			reported = append(reported, entry)
			reportedErrs = append(reportedErrs, err)
		},
	})

	id, err := q.Enqueue(ctx, mutatingRequest("/incidents"))
	require.NoError(t, err)

	// Two failed drains leave the entry queued with its budget counted.
	for attempt := 1; attempt <= 2; attempt++ {
		stats, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Failed: 1, Total: 1}, stats)

		pending := q.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, attempt, pending[0].RetryCount)
		assert.Empty(t, reported)
	}

	// The third failure exhausts the budget: the entry is removed and
	// reported exactly once.
	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1, Total: 1}, stats)
	assert.Zero(t, q.PendingCount())
	require.Len(t, reported, 1)
	assert.Equal(t, id, reported[0].ID)
	assert.Equal(t, 3, reported[0].RetryCount)
	require.True(t, trace.IsLimitExceeded(reportedErrs[0]))

	// The entry is never replayed again.
	stats, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Len(t, reported, 1)
}

func TestQueuePersistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	conn := &fakeConnectivity{}
	clock := clockwork.NewFakeClock()

	q := newQueue(t, Config{Store: store, Replayer: &fakeReplayer{}, Connectivity: conn, Clock: clock})
	_, err := q.Enqueue(ctx, mutatingRequest("/incidents/1"))
	require.NoError(t, err)
	req := mutatingRequest("/incidents/2")
	req.Headers = map[string]string{"X-Idempotency-Key": "abc"}
	req.RawQuery = "notify=false"
	_, err = q.Enqueue(ctx, req)
	require.NoError(t, err)

	// Simulate a process restart: a fresh queue on the same store sees
	// identical entries in the same order.
	reloaded := newQueue(t, Config{Store: store, Replayer: &fakeReplayer{}, Connectivity: conn, Clock: clock})
	if diff := cmp.Diff(q.Pending(), reloaded.Pending()); diff != "" {
		t.Fatalf("reloaded queue differs (-original +reloaded):\n%s", diff)
	}
}

func TestDrainCoalescing(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)

	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	replayer := &fakeReplayer{}
	replayer.replay = func(client.Request) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-release
			return trace.Errorf("first attempt fails")
		}
		return nil
	}

	q := newQueue(t, Config{Replayer: replayer, Connectivity: conn})
	_, err := q.Enqueue(ctx, mutatingRequest("/incidents"))
	require.NoError(t, err)

	ownerDone := make(chan Stats, 1)
	go func() {
		stats, err := q.Drain(ctx)
		require.NoError(t, err)
		ownerDone <- stats
	}()

	// Wait for the owner drain to start replaying, then issue a second
	// drain: it must be absorbed, not run concurrently.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 10*time.Millisecond)

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	close(release)

	// The owner runs exactly one follow-up pass which replays the entry
	// again and succeeds.
	select {
	case stats := <-ownerDone:
		assert.Equal(t, Stats{Succeeded: 1, Failed: 1, Total: 2}, stats)
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Zero(t, q.PendingCount())
	assert.Equal(t, 1, replayer.maxConcurrency())
}

func TestConnectionProblemStopsPass(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)
	replayer := &fakeReplayer{replay: func(client.Request) error {
		return trace.ConnectionProblem(nil, "the link dropped again")
	}}
	q := newQueue(t, Config{Replayer: replayer, Connectivity: conn})

	for _, path := range []string{"/incidents/1", "/incidents/2"} {
		_, err := q.Enqueue(ctx, mutatingRequest(path))
		require.NoError(t, err)
	}

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1, Total: 1}, stats)

	// Only the first entry was attempted; the second kept its budget.
	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Zero(t, pending[1].RetryCount)
}

type failingStore struct {
	storage.Store
}

func (s failingStore) Put(string, []byte) error {
	return trace.Errorf("disk is full")
}

func TestEnqueueStorageFailure(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	q := newQueue(t, Config{
		Store:        failingStore{storage.NewMemoryStore()},
		Replayer:     &fakeReplayer{},
		Connectivity: conn,
	})

	_, err := q.Enqueue(ctx, mutatingRequest("/incidents"))
	require.Error(t, err)
	assert.Zero(t, q.PendingCount())
}

func TestDrainRateLimited(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnectivity{}
	conn.setOnline(true)
	replayer := &fakeReplayer{}

	rl, err := memorystore.New(&memorystore.Config{Tokens: 1, Interval: time.Hour})
	require.NoError(t, err)

	q := newQueue(t, Config{Replayer: replayer, Connectivity: conn, RateLimiter: rl})
	for _, path := range []string{"/incidents/1", "/incidents/2"} {
		_, err := q.Enqueue(ctx, mutatingRequest(path))
		require.NoError(t, err)
	}

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Succeeded: 1, Total: 1}, stats)
	assert.Equal(t, 1, q.PendingCount())
	assert.Equal(t, []string{"/incidents/1"}, replayer.replayedPaths())
}
