// Package api serves the scheduler's live state over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/theodore/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/theodore/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/theodore/internal/scheduler"
	"github.com/Trustflow-Network-Labs/theodore/internal/system"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

// SnapshotSource supplies the schedule trees the server presents
type SnapshotSource interface {
	Snapshot(withLogs bool) []*scheduler.NodeSnapshot
}

// workerLoad is implemented by sources that run nodes on a worker pool
type workerLoad interface {
	WorkerLoad() (int, int)
}

// HealthStatus is the body of /health
type HealthStatus struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Port         string `json:"port"`
	Schedules    int    `json:"schedules"`
	Clients      int    `json:"clients"`
	RequestCount int64  `json:"request_count"`
	ErrorCount   int64  `json:"error_count"`
	Timestamp    string `json:"timestamp"`
	Workers      int    `json:"workers,omitempty"`
	BusyWorkers  int    `json:"busy_workers"`

	Host *system.HostResources `json:"host"`
}

// StatusServer exposes schedule snapshots at /schedules and pushes them to
// websocket clients at /ws
type StatusServer struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    *utils.ConfigManager
	logger    *utils.LogsManager
	source    SnapshotSource
	server    *http.Server
	listener  net.Listener
	port      string
	startTime time.Time

	// Disk space under this path is reported by /health
	scratchPath string

	wsHub      *ws.Hub
	wsUpgrader websocket.Upgrader
	wg         sync.WaitGroup

	requestCount int64
	errorCount   int64
}

// NewStatusServer creates a status server for source
func NewStatusServer(config *utils.ConfigManager, logger *utils.LogsManager, source SnapshotSource) *StatusServer {
	ctx, cancel := context.WithCancel(context.Background())
	scratchPath := utils.GetAppPaths("").ScratchRoot(config.GetConfigWithDefault("scratch_dir", ""))

	return &StatusServer{
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		logger:      logger,
		source:      source,
		startTime:   time.Now(),
		scratchPath: scratchPath,
		wsHub:       ws.NewHub(logger.Logger()),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start binds status_host:status_port (0 picks a free port) and serves in the
// background
func (s *StatusServer) Start() error {
	host := s.config.GetConfigWithDefault("status_host", "127.0.0.1")
	port := s.config.GetConfigInt("status_port", 0, 0, 65535)

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to bind status server: %w", err)
	}
	s.listener = listener
	s.port = strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := middleware.RequestLogger(s.logger, func() { atomic.AddInt64(&s.errorCount, 1) })(
		middleware.CORSMiddleware(mux))

	s.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(fmt.Sprintf("Status server error: %v", err), "api")
			atomic.AddInt64(&s.errorCount, 1)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.wsHub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pushSnapshots()
	}()

	s.logger.Info(fmt.Sprintf("Status server listening on %s (endpoints: /health, /schedules, /ws)", listener.Addr()), "api")
	return nil
}

func (s *StatusServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /schedules", s.handleSchedules)
	mux.HandleFunc("GET /schedules/{id}", s.handleSchedule)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// pushSnapshots broadcasts the schedule trees while anyone is listening
func (s *StatusServer) pushSnapshots() {
	interval := s.config.GetConfigDuration("status_push_interval", 2*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.wsHub.ClientCount() == 0 {
				continue
			}
			if err := s.wsHub.BroadcastPayload(ws.MessageTypeSchedulesSnapshot, s.source.Snapshot(false)); err != nil {
				s.logger.Warn(fmt.Sprintf("Failed to broadcast snapshot: %v", err), "api")
			}
		}
	}
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requestCount, 1)

	health := HealthStatus{
		Status:       "healthy",
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Port:         s.port,
		Schedules:    len(s.source.Snapshot(false)),
		Clients:      s.wsHub.ClientCount(),
		RequestCount: atomic.LoadInt64(&s.requestCount),
		ErrorCount:   atomic.LoadInt64(&s.errorCount),
		Timestamp:    time.Now().Format(time.RFC3339),
		Host:         system.GatherHostResources(s.scratchPath),
	}
	if load, ok := s.source.(workerLoad); ok {
		health.Workers, health.BusyWorkers = load.WorkerLoad()
	}
	s.writeJSON(w, http.StatusOK, health)
}

// handleSchedules returns every schedule tree; ?logs=true includes node logs
func (s *StatusServer) handleSchedules(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requestCount, 1)
	s.writeJSON(w, http.StatusOK, s.source.Snapshot(withLogs(r)))
}

// handleSchedule returns the subtree rooted at any node id
func (s *StatusServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requestCount, 1)
	id := r.PathValue("id")

	var found *scheduler.NodeSnapshot
	for _, root := range s.source.Snapshot(withLogs(r)) {
		root.Walk(func(n *scheduler.NodeSnapshot) {
			if found == nil && n.ID == id {
				found = n
			}
		})
		if found != nil {
			break
		}
	}

	if found == nil {
		s.writeJSON(w, http.StatusNotFound, ws.ErrorPayload{Error: fmt.Sprintf("schedule node %s not found", id)})
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *StatusServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requestCount, 1)

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("WebSocket upgrade failed: %v", err), "api")
		return
	}

	client := ws.NewClient(conn, s.wsHub, s.logger.Logger())
	if !s.wsHub.RegisterClient(client) {
		conn.Close()
		return
	}
	client.Start()
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to write response: %v", err), "api")
	}
}

func withLogs(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("logs"))
	return v
}

// Stop shuts the server down and disconnects websocket clients
func (s *StatusServer) Stop() error {
	s.logger.Info("Stopping status server", "api")
	s.cancel()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// GetPort returns the port the server is listening on
func (s *StatusServer) GetPort() string {
	return s.port
}
