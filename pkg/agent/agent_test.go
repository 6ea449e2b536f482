package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu    sync.Mutex
	beats []heartbeat
	code  int
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != heartbeatPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var hb heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, hb)
	if f.code != 0 {
		w.WriteHeader(f.code)
	}
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

func TestSend(t *testing.T) {
	fr := &fakeRouter{}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	a := New(srv.URL+"/", "http://node-1:8081")
	require.NoError(t, a.Send(context.Background()))

	require.Len(t, fr.beats, 1)
	assert.Equal(t, heartbeat{NodeID: "http://node-1:8081", Status: "healthy"}, fr.beats[0])
}

func TestSend_SelfCheckFailing(t *testing.T) {
	fr := &fakeRouter{}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	a := New(srv.URL, "n1", WithSelfCheck(func(context.Context) bool { return false }))
	require.NoError(t, a.Send(context.Background()))
	assert.Equal(t, "unhealthy", fr.beats[0].Status)
}

func TestSend_Rejected(t *testing.T) {
	fr := &fakeRouter{code: http.StatusBadRequest}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	err := New(srv.URL, "n1").Send(context.Background())
	assert.ErrorContains(t, err, "status 400")
}

func TestSend_RouterDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	assert.Error(t, New(srv.URL, "n1").Send(context.Background()))
}

func TestJob_SendsPeriodically(t *testing.T) {
	fr := &fakeRouter{}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	job := New(srv.URL, "n1").Job(10 * time.Millisecond)
	job.Start(context.Background())
	assert.Eventually(t, func() bool { return fr.count() >= 3 }, time.Second, 5*time.Millisecond)
	job.Stop()

	n := fr.count()
	time.Sleep(30 * time.Millisecond)
	// запрос, прерванный Stop, сервер ещё может дочитать
	assert.LessOrEqual(t, fr.count(), n+1, "ticker keeps running after Stop")
}
