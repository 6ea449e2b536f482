package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"kvrouter/pkg/cluster"
	"kvrouter/pkg/dataplane"
	"kvrouter/pkg/health"
	"kvrouter/pkg/leader"
	"kvrouter/pkg/router"
	"kvrouter/pkg/types"
)

// storageNode - минимальная нода хранилища: leader, health и internal keys API
type storageNode struct {
	mu     sync.Mutex
	data   map[string]string
	leader atomic.Bool
	hits   atomic.Int64
	srv    *httptest.Server
}

func newStorageNode(t *testing.T, isLeader bool) *storageNode {
	t.Helper()
	n := &storageNode{data: make(map[string]string)}
	n.leader.Store(isLeader)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/leader/{shard}", func(w http.ResponseWriter, _ *http.Request) {
		if n.leader.Load() {
			_, _ = io.WriteString(w, "LEADER")
			return
		}
		_, _ = io.WriteString(w, "FOLLOWER")
	})
	r.Put("/internal/api/v1/keys/{key}", func(w http.ResponseWriter, r *http.Request) {
		n.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		n.mu.Lock()
		n.data[nodeKey(r)] = string(body)
		n.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/internal/api/v1/keys/{key}", func(w http.ResponseWriter, r *http.Request) {
		n.hits.Add(1)
		n.mu.Lock()
		v, ok := n.data[nodeKey(r)]
		n.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, v)
	})
	r.Delete("/internal/api/v1/keys/{key}", func(w http.ResponseWriter, r *http.Request) {
		n.hits.Add(1)
		n.mu.Lock()
		delete(n.data, nodeKey(r))
		n.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	n.srv = httptest.NewServer(r)
	t.Cleanup(n.srv.Close)
	return n
}

func nodeKey(r *http.Request) string {
	k, _ := url.PathUnescape(chi.URLParam(r, "key"))
	return k
}

func (n *storageNode) addr() types.NodeAddr { return types.NodeAddr(n.srv.URL) }

func newRoutingServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := cluster.NewDirectory(nil)
	reg := health.NewRegistry(health.WithProbeTimeout(time.Second))
	rt := router.New(dir, reg, leader.NewHTTPProber(time.Second), dataplane.NewHTTPClient(), router.Config{
		LeaderProbeTimeout: time.Second,
		ForwardTimeout:     time.Second,
	})
	s := NewServer(rt, dir, reg, Options{TrackOnRegister: true})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func mustDo(t *testing.T, method, url, body string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("%s request failed: %v", method, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s request failed: %v", method, err)
	}
	defer resp.Body.Close()

	var out Response
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("failed to decode response: %v body=%s", err, data)
		}
	}
	return resp, out
}

func TestRemoteRouting(t *testing.T) {
	n1 := newStorageNode(t, false)
	n2 := newStorageNode(t, true)
	_, ts := newRoutingServer(t)

	register := `{"shardId":"S1","restNodes":["` + string(n1.addr()) + `","` + string(n2.addr()) + `"],"raftNodes":["http://127.0.0.1:1","http://127.0.0.1:2"]}`
	if resp, _ := mustDo(t, http.MethodPost, ts.URL+"/shard-manager/register-shard", register); resp.StatusCode != http.StatusOK {
		t.Fatalf("register failed with status %d", resp.StatusCode)
	}

	t.Run("PUT goes to leader", func(t *testing.T) {
		resp, out := mustDo(t, http.MethodPut, ts.URL+"/api/v1/keys/remote_test_key", "remote_test_value")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT failed with status %d: %+v", resp.StatusCode, out)
		}
		if out.Node != n2.addr() {
			t.Fatalf("expected write on leader %s, got %s", n2.addr(), out.Node)
		}
		if n1.hits.Load() != 0 {
			t.Fatalf("follower received %d data-plane calls", n1.hits.Load())
		}
	})

	t.Run("GET reads a replica", func(t *testing.T) {
		// follower не содержит данных: копируем, чтобы чтение с любой реплики видело значение
		n1.mu.Lock()
		n1.data["remote_test_key"] = "remote_test_value"
		n1.mu.Unlock()

		resp, out := mustDo(t, http.MethodGet, ts.URL+"/api/v1/keys/remote_test_key", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET failed with status %d: %+v", resp.StatusCode, out)
		}
		if out.Value != "remote_test_value" {
			t.Fatalf("expected 'remote_test_value', got %q", out.Value)
		}
	})

	t.Run("escaped key reaches the node decoded once", func(t *testing.T) {
		resp, out := mustDo(t, http.MethodPut, ts.URL+"/api/v1/keys/user%2F1%3Fx", "v1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT failed with status %d: %+v", resp.StatusCode, out)
		}
		n2.mu.Lock()
		v, ok := n2.data["user/1?x"]
		n2.mu.Unlock()
		if !ok || v != "v1" {
			t.Fatalf("leader has no decoded key user/1?x (got %q ok=%v)", v, ok)
		}
		n1.mu.Lock()
		n1.data["user/1?x"] = "v1"
		n1.mu.Unlock()

		resp, out = mustDo(t, http.MethodGet, ts.URL+"/api/v1/keys/user%2F1%3Fx", "")
		if resp.StatusCode != http.StatusOK || out.Value != "v1" {
			t.Fatalf("GET escaped key: status %d %+v", resp.StatusCode, out)
		}
	})

	t.Run("leader change is picked up", func(t *testing.T) {
		n2.leader.Store(false)
		n1.leader.Store(true)

		resp, out := mustDo(t, http.MethodDelete, ts.URL+"/api/v1/keys/remote_test_key", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("DELETE failed with status %d: %+v", resp.StatusCode, out)
		}
		if out.Node != n1.addr() {
			t.Fatalf("expected delete on new leader %s, got %s", n1.addr(), out.Node)
		}
	})

	t.Run("no leader", func(t *testing.T) {
		n1.leader.Store(false)

		resp, out := mustDo(t, http.MethodPut, ts.URL+"/api/v1/keys/k", "v")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", resp.StatusCode)
		}
		if out.Code != "NO_LEADER_FOUND" || resp.Header.Get("Retry-After") == "" {
			t.Fatalf("unexpected error response %+v", out)
		}
	})
}

func TestRemoteRouting_NodeDown(t *testing.T) {
	n1 := newStorageNode(t, true)
	_, ts := newRoutingServer(t)

	register := `{"shardId":"S1","restNodes":["` + string(n1.addr()) + `"]}`
	mustDo(t, http.MethodPost, ts.URL+"/shard-manager/register-shard", register)

	n1.srv.Close()

	resp, out := mustDo(t, http.MethodGet, ts.URL+"/api/v1/keys/k", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %+v", resp.StatusCode, out)
	}
	if out.Code != "NODE_UNREACHABLE" || out.Node != n1.addr() || out.Stage != "forward" {
		t.Fatalf("unexpected error response %+v", out)
	}
}
