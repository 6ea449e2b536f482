package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"kvrouter/pkg/cluster"
	"kvrouter/pkg/health"
	"kvrouter/pkg/router"
	"kvrouter/pkg/routeerr"
	"kvrouter/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	headerRequestID        = "X-Request-Id"
	maxValueBytes          = 1 << 20
)

type iRouter interface {
	Write(ctx context.Context, key, value string) (router.Result, error)
	ReadOnly(ctx context.Context, key string) (router.Result, error)
	Delete(ctx context.Context, key string) (router.Result, error)
}

type iDirectory interface {
	RegisterShard(id types.ShardID, replicas []types.NodeAddr)
	Resolve(key string) (cluster.ShardRecord, error)
	Shards() []cluster.ShardRecord
	RingSize() int
	Version() uint64
}

type iHealth interface {
	Heartbeat(addr types.NodeAddr, healthy bool)
	Track(addr types.NodeAddr)
	Snapshot() []health.NodeStatus
}

// iCatalog - внешний каталог шардов (ZooKeeper), опционален
type iCatalog interface {
	Publish(shard types.ShardID, replicas []types.NodeAddr) error
}

type iMetrics interface {
	Handler() http.Handler
}

type Options struct {
	Port              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// TrackOnRegister заводит health-записи для реплик при регистрации шарда
	TrackOnRegister bool
	Metrics         iMetrics
}

// Server is the router's REST surface: client keys API, shard-manager admin
// API, heartbeat ingestion and status.
type Server struct {
	router     iRouter
	dir        iDirectory
	health     iHealth
	opts       Options
	catalog    iCatalog
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance
func NewServer(rt iRouter, dir iDirectory, reg iHealth, opts Options) *Server {
	if opts.Port == "" {
		opts.Port = defaultHTTPPort
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		router: rt,
		dir:    dir,
		health: reg,
		opts:   opts,
		URL:    "http://localhost:" + opts.Port,
		addr:   ":" + opts.Port,
	}
}

// SetCatalog enables publishing registrations to an external catalog.
// Call before Start.
func (s *Server) SetCatalog(c iCatalog) {
	s.catalog = c
}

// RegisterShard registers a shard locally and, with TrackOnRegister, starts
// tracking its replicas as healthy. Used by the HTTP handler and by catalog
// watchers on the other routers.
func (s *Server) RegisterShard(id types.ShardID, replicas []types.NodeAddr) {
	s.dir.RegisterShard(id, replicas)
	if s.opts.TrackOnRegister {
		for _, n := range replicas {
			s.health.Track(n)
		}
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Put("/keys/{key}", s.handlePut)
		r.Get("/keys/{key}", s.handleGet)
		r.Delete("/keys/{key}", s.handleDelete)
		r.Post("/health/heartbeat", s.handleHeartbeat)
		r.Get("/routing/status", s.handleRoutingStatus)
	})

	r.Route("/shard-manager", func(r chi.Router) {
		r.Post("/register-shard", s.handleRegisterShard)
		r.Get("/shard/{key}", s.handleLocateShard)
		r.Get("/shards", s.handleShards)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// requestID берёт X-Request-Id клиента или генерирует новый и кладёт его в контекст роутера.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(router.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	code, retry := httpStatus(err)
	if retry {
		w.Header().Set("Retry-After", "1")
	}
	resp := NewRouteErrorResponse(err)
	resp.RequestID = router.RequestIDFrom(r.Context())
	s.writeJSON(w, code, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.opts.Metrics.Handler().ServeHTTP(w, r)
}

// keyParam returns the decoded {key} segment. chi hands out the raw
// (still escaped) segment when the request path has escapes.
func keyParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "key"))
}

func okResponse(res router.Result) Response {
	return Response{Status: StatusSuccess, RequestID: res.RequestID, Shard: res.Shard, Node: res.Node}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing or malformed key"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}
	if len(body) > maxValueBytes {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Value too large"))
		return
	}

	res, err := s.router.Write(r.Context(), key, string(body))
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse(res))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing or malformed key"))
		return
	}

	res, err := s.router.ReadOnly(r.Context(), key)
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	resp := okResponse(res)
	if !res.Found {
		resp.Status = StatusError
		resp.Error = "Key not found"
		s.writeJSON(w, http.StatusNotFound, resp)
		return
	}
	resp.Value = res.Value
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing or malformed key"))
		return
	}

	res, err := s.router.Delete(r.Context(), key)
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse(res))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if req.NodeID == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing nodeId"))
		return
	}

	s.health.Heartbeat(req.NodeID, req.Status == heartbeatHealthy)
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRoutingStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.health.Snapshot()
	out := make(map[types.NodeAddr]NodeHealth, len(snapshot))
	for _, st := range snapshot {
		out[st.Addr] = NodeHealth{
			Healthy:           st.Healthy,
			ActiveConnections: st.ActiveConnections,
			LastHeartbeatAt:   st.LastHeartbeatAt.UnixMilli(),
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterShard(w http.ResponseWriter, r *http.Request) {
	var req RegisterShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	replicas := req.Replicas()
	if req.ShardID == "" || len(replicas) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing shardId or nodes"))
		return
	}

	if s.catalog != nil {
		// пишем в каталог до локальной регистрации: остальные роутеры получат шард через watch
		if err := s.catalog.Publish(req.ShardID, replicas); err != nil {
			slog.Error("failed to publish shard", "shard_id", req.ShardID, "error", err)
			s.writeJSON(w, http.StatusBadGateway, NewErrorResponse("Failed to publish shard: "+err.Error()))
			return
		}
	}

	s.RegisterShard(req.ShardID, replicas)
	s.writeJSON(w, http.StatusOK, ShardLocation{ShardID: req.ShardID, Nodes: replicas})
}

func (s *Server) handleLocateShard(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Malformed key"))
		return
	}
	rec, err := s.dir.Resolve(key)
	switch {
	case errors.Is(err, routeerr.ErrNoShardsAvailable):
		s.writeJSON(w, http.StatusServiceUnavailable, noShardsLocation)
		return
	case err != nil:
		s.writeRouteError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ShardLocation{ShardID: rec.ID, Nodes: rec.Replicas})
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	recs := s.dir.Shards()
	out := ShardsResponse{Shards: make([]ShardLocation, 0, len(recs)), RingSize: s.dir.RingSize(), Version: s.dir.Version()}
	for _, rec := range recs {
		out.Shards = append(out.Shards, ShardLocation{ShardID: rec.ID, Nodes: rec.Replicas})
	}
	s.writeJSON(w, http.StatusOK, out)
}
