package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvrouter/pkg/metrics"
	"kvrouter/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock, checker Checker) *Registry {
	return NewRegistry(
		WithClock(clock.Now),
		WithChecker(checker),
		WithStaleThreshold(30*time.Second),
	)
}

var okChecker = CheckerFunc(func(context.Context, types.NodeAddr) error { return nil })

func TestHeartbeat_CreatesEntry(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, okChecker)

	r.Heartbeat("n3", true)

	st, ok := r.Get("n3")
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(0), st.ActiveConnections)
	assert.Equal(t, clock.Now(), st.LastHeartbeatAt.UTC())

	n, ok := r.IncrementConnections("n3")
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestHeartbeat_UpdatesHealthAndTime(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, okChecker)
	r.Heartbeat("n1", true)
	r.IncrementConnections("n1")

	clock.Advance(5 * time.Second)
	r.Heartbeat("n1", false)

	st, _ := r.Get("n1")
	assert.False(t, st.Healthy)
	assert.Equal(t, clock.Now(), st.LastHeartbeatAt.UTC())
	assert.Equal(t, int64(1), st.ActiveConnections, "heartbeat keeps the counter")
}

func TestConnections_NeverNegative(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)
	r.Heartbeat("n1", true)

	n, ok := r.DecrementConnections("n1")
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)

	r.IncrementConnections("n1")
	r.IncrementConnections("n1")
	r.DecrementConnections("n1")
	r.DecrementConnections("n1")
	r.DecrementConnections("n1")

	st, _ := r.Get("n1")
	assert.Equal(t, int64(0), st.ActiveConnections)
}

func TestConnections_AbsentNodeIsNoop(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)

	_, ok := r.DecrementConnections("ghost")
	assert.False(t, ok)
	_, ok = r.IncrementConnections("ghost")
	assert.False(t, ok)

	_, ok = r.Get("ghost")
	assert.False(t, ok, "counters must not create entries")
	assert.Empty(t, r.Snapshot())
}

func TestConnections_Concurrent(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)
	r.Heartbeat("n1", true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncrementConnections("n1")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n, _ := r.DecrementConnections("n1"); n < 0 {
					t.Errorf("counter went negative: %d", n)
				}
			}
		}()
	}
	wg.Wait()

	st, _ := r.Get("n1")
	assert.GreaterOrEqual(t, st.ActiveConnections, int64(0))
}

func TestCandidatesForShard_FiltersUnhealthyAndUnknown(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)
	r.Heartbeat("n1", true)
	r.Heartbeat("n2", false)
	r.Heartbeat("n4", true)
	r.IncrementConnections("n1")
	r.IncrementConnections("n1")

	got := r.CandidatesForShard("s1", []types.NodeAddr{"n1", "n2", "n3", "n1"})
	assert.Equal(t, []Candidate{{Addr: "n1", ActiveConnections: 2}}, got)
}

func TestSweep_EvictsStaleNodes(t *testing.T) {
	clock := newFakeClock()
	reg := metrics.NewRegistry()
	r := NewRegistry(WithClock(clock.Now), WithChecker(okChecker), WithMetrics(reg))

	r.Heartbeat("old", true)
	clock.Advance(20 * time.Second)
	r.Heartbeat("fresh", true)

	assert.Equal(t, 0, r.Sweep(clock.Now()), "nothing is older than 30s yet")

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, r.Sweep(clock.Now()))

	_, ok := r.Get("old")
	assert.False(t, ok)
	assert.Empty(t, r.CandidatesForShard("s1", []types.NodeAddr{"old"}))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, types.NodeAddr("fresh"), snap[0].Addr)
	assert.Equal(t, float64(1), reg.Counter("kvrouter_evictions_total", nil))
}

func TestSweep_HeartbeatAfterEvictionRecreates(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, okChecker)
	r.Heartbeat("n1", true)
	r.IncrementConnections("n1")

	clock.Advance(time.Minute)
	r.Sweep(clock.Now())
	r.Heartbeat("n1", true)

	st, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, int64(0), st.ActiveConnections)
}

func TestSweep_RestoresEntryRefreshedDuringEviction(t *testing.T) {
	clock := newFakeClock()
	reg := metrics.NewRegistry()
	r := NewRegistry(WithClock(clock.Now), WithChecker(okChecker), WithMetrics(reg))
	r.Heartbeat("n1", true)
	r.IncrementConnections("n1")

	clock.Advance(time.Minute)
	cutoff := clock.Now().Add(-30 * time.Second).UnixNano()
	st, ok := r.nodes.Load("n1")
	require.True(t, ok)
	require.Less(t, st.lastHeartbeat.Load(), cutoff)

	// heartbeat успевает между проверкой в Sweep и Delete
	r.Heartbeat("n1", true)
	assert.False(t, r.evict("n1", st, cutoff))

	got, ok := r.Get("n1")
	require.True(t, ok, "refreshed node must survive the sweep")
	assert.Equal(t, int64(1), got.ActiveConnections)
	assert.Equal(t, float64(0), reg.Counter("kvrouter_evictions_total", nil))
}

func TestProbe_MarksUnhealthyWithoutRefreshingHeartbeat(t *testing.T) {
	clock := newFakeClock()
	var fail bool
	var mu sync.Mutex
	checker := CheckerFunc(func(context.Context, types.NodeAddr) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("connection refused")
		}
		return nil
	})
	r := newTestRegistry(clock, checker)
	r.Heartbeat("n1", true)
	before, _ := r.Get("n1")

	clock.Advance(10 * time.Second)
	mu.Lock()
	fail = true
	mu.Unlock()
	assert.False(t, r.Probe(context.Background(), "n1"))

	st, _ := r.Get("n1")
	assert.False(t, st.Healthy)
	assert.Equal(t, before.LastHeartbeatAt, st.LastHeartbeatAt)

	mu.Lock()
	fail = false
	mu.Unlock()
	assert.True(t, r.Probe(context.Background(), "n1"))
	st, _ = r.Get("n1")
	assert.True(t, st.Healthy)
}

func TestProbe_DoesNotCreateEntry(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)
	assert.True(t, r.Probe(context.Background(), "n9"))
	_, ok := r.Get("n9")
	assert.False(t, ok)
}

func TestProbe_TimeoutMarksUnhealthy(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context, _ types.NodeAddr) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := NewRegistry(WithChecker(slow), WithProbeTimeout(20*time.Millisecond))
	r.Heartbeat("n1", true)

	start := time.Now()
	assert.False(t, r.Probe(context.Background(), "n1"))
	assert.Less(t, time.Since(start), time.Second)

	st, _ := r.Get("n1")
	assert.False(t, st.Healthy)
}

func TestProbeAll_HTTP(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	r := NewRegistry()
	r.Heartbeat(types.NodeAddr(up.URL), false)
	r.Heartbeat(types.NodeAddr(down.URL), true)

	r.ProbeAll(context.Background())

	st, _ := r.Get(types.NodeAddr(up.URL))
	assert.True(t, st.Healthy)
	st, _ = r.Get(types.NodeAddr(down.URL))
	assert.False(t, st.Healthy)
}

func TestTrack(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)
	r.Track("n1")
	r.IncrementConnections("n1")
	r.Track("n1")

	st, ok := r.Get("n1")
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(1), st.ActiveConnections, "tracking an existing node is a no-op")
}

func TestSnapshot_OrderedByAddress(t *testing.T) {
	r := newTestRegistry(newFakeClock(), okChecker)
	for _, a := range []types.NodeAddr{"c", "a", "b"} {
		r.Heartbeat(a, true)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, types.NodeAddr("a"), snap[0].Addr)
	assert.Equal(t, types.NodeAddr("b"), snap[1].Addr)
	assert.Equal(t, types.NodeAddr("c"), snap[2].Addr)
}

func TestSweepJob_RunsInBackground(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, okChecker)
	r.Heartbeat("n1", true)
	clock.Advance(time.Minute)

	job := r.SweepJob(5 * time.Millisecond)
	job.Start(context.Background())
	defer job.Stop()

	require.Eventually(t, func() bool {
		_, ok := r.Get("n1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://n1:8080/health", healthURL("n1:8080"))
	assert.Equal(t, "http://n1:8080/health", healthURL("http://n1:8080/"))
	assert.Equal(t, "https://n1/health", healthURL("https://n1"))
}
