package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/Trustflow-Network-Labs/theodore/internal/containers/containerstest"
	"github.com/Trustflow-Network-Labs/theodore/internal/database"
	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"github.com/Trustflow-Network-Labs/theodore/internal/workers"
)

const twoSubjects = `- site_id: site-1
  subject_id: "0001"
  unique_id: ses-1
- site_id: site-1
  subject_id: "0002"
  unique_id: ses-1
`

// pipelineImage fakes the stage commands: test_config and data_config build
// write their outputs, participant exits with failCode for failSubject
func pipelineImage(t *testing.T, failSubject string, failCode int) containerstest.Behavior {
	return func(spec containers.RunSpec) int {
		write := func(name, content string) int {
			for _, m := range spec.Mounts {
				if m.Target == "/output_folder" {
					if err := os.WriteFile(filepath.Join(m.Source, name), []byte(content), 0o644); err != nil {
						t.Errorf("Failed to write %s: %v", name, err)
						return 1
					}
					return 0
				}
			}
			t.Errorf("No /output_folder mount")
			return 1
		}

		switch {
		case slices.Contains(spec.Command, "test_config"):
			return write("cpac_data_config_test.yml", twoSubjects)
		case slices.Contains(spec.Command, "build"):
			return write("data_config_built.yml", twoSubjects)
		case slices.Contains(spec.Command, "participant"):
			idx := slices.Index(spec.Command, "--data_config_file")
			doc, err := schedule.DecodeDataURI(spec.Command[idx+1])
			if err != nil {
				t.Errorf("Participant without data config: %v", err)
				return 1
			}
			if failSubject != "" && containsSubject(doc, failSubject) {
				return failCode
			}
			return 0
		}
		t.Errorf("Unexpected command %v", spec.Command)
		return 1
	}
}

func containsSubject(doc []byte, subject string) bool {
	subjects, err := schedule.ParseSubjects(doc)
	if err != nil || len(subjects) != 1 {
		return false
	}
	return schedule.SubjectIdentity(subjects[0]) == subject
}

type harness struct {
	rt        *containerstest.Runtime
	store     *database.SQLiteManager
	scheduler *Scheduler
	backend   *Backend
}

func newHarness(t *testing.T, rt *containerstest.Runtime) *harness {
	t.Helper()
	logger := utils.NewWriterLogsManager(io.Discard, "debug")

	env := &schedule.Env{
		Runtime:           rt,
		Logger:            logger,
		Image:             "fcpindi/c-pac:nightly",
		ScratchRoot:       t.TempDir(),
		ScratchHostDir:    t.TempDir(),
		StrictOutputs:     true,
		RemoveContainers:  true,
		MonitoringPort:    "8080/tcp",
		MonitoringTimeout: time.Second,
		InspectTimeout:    time.Second,
	}

	store, err := database.OpenSQLiteManager(":memory:", logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	pool := workers.NewWorkerPool(context.Background(), 2, logger)
	pool.Start()
	sched := New(context.Background(), pool, store, logger)

	backend, err := NewBackend(context.Background(), env, sched)
	if err != nil {
		t.Fatalf("NewBackend() failed: %v", err)
	}

	t.Cleanup(func() {
		sched.Close()
		store.Close()
	})
	return &harness{rt: rt, store: store, scheduler: sched, backend: backend}
}

func waitFor(t *testing.T, e *Entry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.WaitContext(ctx); err != nil {
		t.Fatalf("Schedule did not finish: %v", err)
	}
}

func TestScheduleExpandsSubjects(t *testing.T) {
	h := newHarness(t, containerstest.New(nil))
	h.rt.Behavior = pipelineImage(t, "", 0)

	entry, err := h.backend.Schedule("", twoSubjects)
	if err != nil {
		t.Fatalf("Schedule() failed: %v", err)
	}
	waitFor(t, entry)

	snap := entry.Snapshot(false)
	if snap.Kind != "pipeline" || snap.Status != schedule.StatusSuccess {
		t.Errorf("Root = %s %s", snap.Kind, snap.Status)
	}
	if len(snap.Children) != 1 || snap.Children[0].Key != "data_config" {
		t.Fatalf("Root children = %+v", snap.Children)
	}

	dc := snap.Children[0]
	var keys []string
	for _, c := range dc.Children {
		keys = append(keys, c.Key)
		if c.Kind != "participant" || c.Status != schedule.StatusSuccess {
			t.Errorf("Subject %s = %s %s", c.Key, c.Kind, c.Status)
		}
		if c.Results["output_dir"].MediaType != "inode/directory" {
			t.Errorf("Subject %s results = %v", c.Key, c.Results)
		}
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"site-1/0001/ses-1", "site-1/0002/ses-1"}) {
		t.Errorf("Subject keys = %v", keys)
	}
	if snap.Aggregate() != schedule.StatusSuccess {
		t.Errorf("Aggregate = %s, want success", snap.Aggregate())
	}
	if counts := snap.Counts(); counts[schedule.StatusSuccess] != 4 {
		t.Errorf("Counts = %v, want 4 successes", counts)
	}

	// Each subject entry points back at the data config entry
	dcEntry, ok := entry.Child("data_config")
	if !ok {
		t.Fatal("No data_config child entry")
	}
	select {
	case <-dcEntry.Finished():
	default:
		t.Error("data_config entry not finished after its schedule completed")
	}
	for _, c := range dcEntry.Children() {
		if c.Parent != dcEntry || c.Node.Parent() != dcEntry.Node {
			t.Errorf("Subject %s has the wrong parent", c.Key)
		}
		if found, ok := h.scheduler.Lookup(c.Node.ID()); !ok || found != c {
			t.Errorf("Lookup(%s) failed", c.Node.ID())
		}
		if r, ok := c.Node.(schedule.Releaser); ok {
			r.Release()
		}
	}

	nodes, err := h.store.ListNodes(context.Background(), entry.Node.ID())
	if err != nil || len(nodes) != 4 {
		t.Fatalf("Stored nodes = %d, %v; want 4", len(nodes), err)
	}
	for _, n := range nodes {
		if n.Status != "success" {
			t.Errorf("Stored node %s (%s) = %s", n.ID, n.Kind, n.Status)
		}
	}

	// The aggregate is recorded once the schedule finished
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := h.store.GetSchedule(context.Background(), entry.Node.ID())
		if err == nil && rec != nil && rec.Status == "success" {
			if rec.Input != "inline data config" {
				t.Errorf("Recorded input = %q", rec.Input)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Schedule status not recorded: %+v, %v", rec, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleSubjectFailure(t *testing.T) {
	h := newHarness(t, containerstest.New(nil))
	h.rt.Behavior = pipelineImage(t, "site-1/0002/ses-1", 1)

	entry, err := h.backend.Schedule("", twoSubjects)
	if err != nil {
		t.Fatalf("Schedule() failed: %v", err)
	}
	waitFor(t, entry)

	dc, _ := entry.Child("data_config")
	failed, ok := dc.Child("site-1/0002/ses-1")
	if !ok {
		t.Fatal("Missing failing subject")
	}
	if failed.Node.Status() != schedule.StatusFailed || !errors.Is(failed.Err(), schedule.ErrContainerFailed) {
		t.Errorf("Failing subject = %s, %v", failed.Node.Status(), failed.Err())
	}
	ok1, _ := dc.Child("site-1/0001/ses-1")
	if ok1.Node.Status() != schedule.StatusSuccess {
		t.Errorf("Sibling = %s, want success", ok1.Node.Status())
	}
	if agg := entry.Snapshot(false).Aggregate(); agg != schedule.StatusFailed {
		t.Errorf("Aggregate = %s, want failed", agg)
	}
	for _, c := range dc.Children() {
		c.Node.(schedule.Releaser).Release()
	}
}

func TestScheduleDataSettings(t *testing.T) {
	h := newHarness(t, containerstest.New(nil))
	h.rt.Behavior = pipelineImage(t, "", 0)

	settings := filepath.Join(t.TempDir(), "data_settings.yml")
	if err := os.WriteFile(settings, []byte("dataFormat: [BIDS]\nbidsBaseDir: s3://bucket/abide\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry, err := h.backend.ScheduleDataSettings(ctx, "", settings)
	if err != nil {
		t.Fatalf("ScheduleDataSettings() failed: %v", err)
	}
	waitFor(t, entry)

	dc, ok := entry.Child("data_config")
	if !ok || len(dc.Children()) != 2 {
		t.Fatalf("Expected two subjects under the data config")
	}
	if roots := h.scheduler.Roots(); len(roots) != 2 || roots[0].Node.Kind() != "data_settings" {
		t.Errorf("Roots = %d, want data_settings then pipeline", len(roots))
	}

	// The data config reached the test_config stage as a data URI
	var sawInline bool
	for _, spec := range h.rt.Runs() {
		if slices.Contains(spec.Command, "test_config") && spec.Command[0] == "/" {
			sawInline = true
		}
	}
	if !sawInline {
		t.Error("Data config stage did not receive the built data config inline")
	}
	for _, c := range dc.Children() {
		c.Node.(schedule.Releaser).Release()
	}
}

func TestCloseStopsRunningSchedules(t *testing.T) {
	rt := containerstest.New(nil)
	rt.Gate = make(chan struct{})
	h := newHarness(t, rt)

	entry, err := h.backend.Schedule("", twoSubjects)
	if err != nil {
		t.Fatalf("Schedule() failed: %v", err)
	}

	dc := func() *Entry {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if c, ok := entry.Child("data_config"); ok && c.Node.Status() == schedule.StatusRunning {
				return c
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("Data config never started")
		return nil
	}()

	h.scheduler.Close()
	waitFor(t, entry)

	if dc.Node.Status() != schedule.StatusStopped {
		t.Errorf("Interrupted node = %s, want stopped", dc.Node.Status())
	}
	if c, ok := rt.Container("fake-0001"); !ok || !c.Killed || c.Status != "exited" {
		t.Errorf("Data config container = %+v, want killed and exited", c)
	}
	if _, err := h.scheduler.Schedule(schedule.NewPipelineTask(h.backend.env, "", ""), Meta{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Schedule after Close = %v, want ErrClosed", err)
	}

	rec, err := h.store.GetSchedule(context.Background(), entry.Node.ID())
	if err != nil || rec == nil || rec.Status != "stopped" {
		t.Errorf("Recorded schedule = %+v, %v; want stopped", rec, err)
	}
}

func TestNewBackendRequiresRuntime(t *testing.T) {
	rt := containerstest.New(nil)
	rt.PingErr = errors.New("connection refused")
	env := &schedule.Env{Runtime: rt, Logger: utils.NewWriterLogsManager(io.Discard, "debug")}

	if _, err := NewBackend(context.Background(), env, nil); err == nil {
		t.Error("Expected an error for an unreachable runtime")
	}
}
