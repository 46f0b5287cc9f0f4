package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/theodore/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/theodore/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/scheduler"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

type fakeSource struct {
	mu       sync.Mutex
	roots    []*scheduler.NodeSnapshot
	withLogs bool
}

func (f *fakeSource) Snapshot(withLogs bool) []*scheduler.NodeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withLogs = withLogs
	return f.roots
}

type loadedSource struct {
	fakeSource
}

func (l *loadedSource) WorkerLoad() (int, int) { return 4, 3 }

func sampleTree() []*scheduler.NodeSnapshot {
	return []*scheduler.NodeSnapshot{{
		ID:     "root-1",
		Kind:   "pipeline",
		Status: schedule.StatusRunning,
		Children: []*scheduler.NodeSnapshot{{
			ID:     "dc-1",
			Key:    "data_config",
			Kind:   "data_config",
			Status: schedule.StatusSuccess,
			Children: []*scheduler.NodeSnapshot{{
				ID:     "subject-1",
				Key:    "site-1/0001/ses-1",
				Kind:   "participant",
				Status: schedule.StatusRunning,
			}},
		}},
	}}
}

func newTestServer(t *testing.T, source SnapshotSource) *StatusServer {
	t.Helper()
	cm := utils.NewDefaultConfigManager()
	cm.SetConfig("status_push_interval", 20*time.Millisecond)

	s := NewStatusServer(cm, utils.NewWriterLogsManager(io.Discard, "debug"), source)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func get(t *testing.T, s *StatusServer, path string, out any) int {
	t.Helper()
	resp, err := http.Get("http://127.0.0.1:" + s.GetPort() + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Decoding %s failed: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeSource{roots: sampleTree()})

	var health HealthStatus
	if code := get(t, s, "/health", &health); code != http.StatusOK {
		t.Fatalf("/health = %d", code)
	}
	if health.Status != "healthy" || health.Schedules != 1 || health.Port != s.GetPort() {
		t.Errorf("Health = %+v", health)
	}
	if health.Workers != 0 || health.Host == nil || health.Host.CPUCores < 1 {
		t.Errorf("Health = %+v", health)
	}

	loaded := newTestServer(t, &loadedSource{fakeSource{roots: sampleTree()}})
	health = HealthStatus{}
	get(t, loaded, "/health", &health)
	if health.Workers != 4 || health.BusyWorkers != 3 {
		t.Errorf("Workers = %d busy %d, want 4 busy 3", health.Workers, health.BusyWorkers)
	}
}

func TestSchedulesEndpoints(t *testing.T) {
	source := &fakeSource{roots: sampleTree()}
	s := newTestServer(t, source)

	var roots []*scheduler.NodeSnapshot
	if code := get(t, s, "/schedules", &roots); code != http.StatusOK {
		t.Fatalf("/schedules = %d", code)
	}
	if len(roots) != 1 || roots[0].ID != "root-1" || len(roots[0].Children) != 1 {
		t.Errorf("Roots = %+v", roots)
	}

	tests := []struct {
		name   string
		path   string
		code   int
		wantID string
		logs   bool
	}{
		{"root", "/schedules/root-1", http.StatusOK, "root-1", false},
		{"nested subject with logs", "/schedules/subject-1?logs=true", http.StatusOK, "subject-1", true},
		{"unknown", "/schedules/nope", http.StatusNotFound, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var node scheduler.NodeSnapshot
			if code := get(t, s, tt.path, &node); code != tt.code {
				t.Fatalf("%s = %d, want %d", tt.path, code, tt.code)
			}
			if node.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", node.ID, tt.wantID)
			}
			source.mu.Lock()
			gotLogs := source.withLogs
			source.mu.Unlock()
			if gotLogs != tt.logs {
				t.Errorf("withLogs = %v, want %v", gotLogs, tt.logs)
			}
		})
	}
}

func TestSchedulesRejectsWrites(t *testing.T) {
	s := newTestServer(t, &fakeSource{})

	resp, err := http.Post("http://127.0.0.1:"+s.GetPort()+"/schedules", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /schedules = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketStream(t *testing.T) {
	s := newTestServer(t, &fakeSource{roots: sampleTree()})

	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+s.GetPort()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg ws.Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != ws.MessageTypeConnected {
		t.Fatalf("First message = %+v, %v; want connected", msg, err)
	}

	ping, _ := ws.NewMessage(ws.MessageTypePing, nil)
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatal(err)
	}

	var sawPong, sawSnapshot bool
	for !sawPong || !sawSnapshot {
		var m ws.Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("Read failed (pong=%v snapshot=%v): %v", sawPong, sawSnapshot, err)
		}
		switch m.Type {
		case ws.MessageTypePong:
			sawPong = true
		case ws.MessageTypeSchedulesSnapshot:
			var roots []*scheduler.NodeSnapshot
			if err := json.Unmarshal(m.Payload, &roots); err != nil || len(roots) != 1 {
				t.Fatalf("Snapshot payload = %s, %v", m.Payload, err)
			}
			sawSnapshot = true
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	s := NewStatusServer(utils.NewDefaultConfigManager(), utils.NewWriterLogsManager(io.Discard, "debug"), &fakeSource{})
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodOptions, "/schedules", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	middleware.CORSMiddleware(mux).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Preflight = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}
}
