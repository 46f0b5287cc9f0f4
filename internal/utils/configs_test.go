package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfigManager(t *testing.T) {
	cm := NewDefaultConfigManager()

	if got := cm.GetConfigWithDefault("container_image", ""); got != "fcpindi/c-pac" {
		t.Errorf("container_image = %q, want fcpindi/c-pac", got)
	}
	if got := cm.GetConfigWithDefault("container_tag", ""); got != "nightly" {
		t.Errorf("container_tag = %q, want nightly", got)
	}
	if !cm.GetConfigBool("strict_outputs", false) {
		t.Error("strict_outputs should default to true")
	}
	if got := cm.GetConfigInt("workers", 0, 1, 1024); got != 4 {
		t.Errorf("workers = %d, want 4", got)
	}
	if got := cm.GetConfigDuration("monitoring_timeout", time.Second); got != 2*time.Second {
		t.Errorf("monitoring_timeout = %v, want 2s", got)
	}

	// Present but empty keys keep their empty value
	if v, ok := cm.GetConfig("scratch_dir"); !ok || v != "" {
		t.Errorf("scratch_dir = %q, %v; want empty, true", v, ok)
	}
}

func TestParseConfigsIgnoresComments(t *testing.T) {
	input := "# comment = ignored\nkey = value\n  spaced   =  a b  \nnovalue\nlast=1"

	configs, err := parseConfigs(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseConfigs() failed: %v", err)
	}

	if _, ok := configs["# comment"]; ok {
		t.Error("comment line should not produce a key")
	}
	if configs["key"] != "value" {
		t.Errorf("key = %q, want value", configs["key"])
	}
	if configs["spaced"] != "a b" {
		t.Errorf("spaced = %q, want %q", configs["spaced"], "a b")
	}
	if configs["last"] != "1" {
		t.Errorf("last = %q, want 1", configs["last"])
	}
	if _, ok := configs["novalue"]; ok {
		t.Error("line without '=' should be ignored")
	}
}

func TestConfigManagerFromFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs")
	if err := os.WriteFile(path, []byte("workers = 9\nremove_containers = no\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cm := NewConfigManager(path)
	if got := cm.GetConfigInt("workers", 4, 1, 64); got != 9 {
		t.Errorf("workers = %d, want 9", got)
	}
	if cm.GetConfigBool("remove_containers", true) {
		t.Error("remove_containers should be false")
	}

	// Out of range falls back to the default
	cm.SetConfig("workers", 1000)
	if got := cm.GetConfigInt("workers", 4, 1, 64); got != 4 {
		t.Errorf("workers out of range = %d, want default 4", got)
	}

	cm.SetConfig("monitoring_timeout", 5*time.Second)
	if got := cm.GetConfigDuration("monitoring_timeout", time.Second); got != 5*time.Second {
		t.Errorf("monitoring_timeout = %v, want 5s", got)
	}

	all := cm.GetAllConfigs()
	all["workers"] = "1"
	if v, _ := cm.GetConfig("workers"); v == "1" {
		t.Error("GetAllConfigs() must return a copy")
	}
}

func TestWriterLogsManager(t *testing.T) {
	var buf bytes.Buffer
	lm := NewWriterLogsManager(&buf, "debug")

	lm.Debug("scratch released", "schedule")
	lm.Close()
	lm.Info("after close", "schedule")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected exactly one log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["category"] != "schedule" {
		t.Errorf("category = %v, want schedule", entry["category"])
	}
	if entry["msg"] != "scratch released" {
		t.Errorf("msg = %v, want %q", entry["msg"], "scratch released")
	}
}

func TestLogsManagerConcurrentWriters(t *testing.T) {
	var buf bytes.Buffer
	lm := NewWriterLogsManager(&buf, "info")
	defer lm.Close()

	const goroutines, perGoroutine = 8, 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				lm.Info("node running", "scheduler")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != goroutines*perGoroutine {
		t.Errorf("Got %d log lines, want %d", len(lines), goroutines*perGoroutine)
	}
	want := int64(goroutines * perGoroutine * (len("node running") + 100))
	if got := lm.fileSize.Load(); got != want {
		t.Errorf("fileSize = %d, want %d", got, want)
	}
}

func TestAppPathsRoots(t *testing.T) {
	ap := &AppPaths{DataDir: "/var/lib/theodore", TempDir: "/tmp"}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"default output root", ap.OutputRoot(""), filepath.Join("/var/lib/theodore", "outputs")},
		{"output override", ap.OutputRoot("/data/out"), "/data/out"},
		{"default scratch root", ap.ScratchRoot(""), "/tmp"},
		{"scratch override", ap.ScratchRoot("/fast"), "/fast"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
		}
	}
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	lm := NewWriterLogsManager(&buf, "info")
	defer lm.Close()

	lm.Debug("hidden", "scheduler")
	if err := lm.SetLogLevel("debug"); err != nil {
		t.Fatalf("SetLogLevel() failed: %v", err)
	}
	if lm.GetLogLevel() != "debug" {
		t.Errorf("GetLogLevel() = %s, want debug", lm.GetLogLevel())
	}
	lm.Debug("shown", "scheduler")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("Unexpected log output: %q", buf.String())
	}
	if err := lm.SetLogLevel("loud"); err == nil {
		t.Error("Expected an invalid level to be rejected")
	}
}

func TestHashString(t *testing.T) {
	a := HashString("/data/site1/sub-01/anat")
	b := HashString("/data/site1/sub-01/anat")
	c := HashString("/data/site1/sub-02/anat")

	if a != b {
		t.Error("HashString must be deterministic")
	}
	if a == c {
		t.Error("different inputs should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("/data/site1/sub-01/anat"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	fileHash, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() failed: %v", err)
	}
	if fileHash != a {
		t.Errorf("HashFile() = %s, want %s", fileHash, a)
	}
}
