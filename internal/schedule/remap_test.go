package schedule

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers/containerstest"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"gopkg.in/yaml.v3"
)

func parseRecord(t *testing.T, doc string) *yaml.Node {
	t.Helper()
	var n yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &n); err != nil {
		t.Fatalf("Failed to parse record: %v", err)
	}
	return &n
}

func TestRemapPaths(t *testing.T) {
	dir := t.TempDir()
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	anat := filepath.Join(dir, "T1w.nii.gz")
	bold := filepath.Join(dir, "bold.nii.gz")
	for _, f := range []string{anat, bold} {
		if err := os.WriteFile(f, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	doc := `subject_id: sub-01
anat: ` + anat + `
func:
  rest:
    scan: ` + bold + `
    scan_parameters: s3://bucket/params.json
    tr: 2
site: a-b
`
	record := parseRecord(t, doc)
	remapped, mapping := RemapPaths(record)

	target := "/" + utils.HashString(realDir)
	if len(mapping) != 1 || mapping[realDir] != target {
		t.Fatalf("Mapping = %v, want {%s: %s}", mapping, realDir, target)
	}

	var got struct {
		SubjectID string `yaml:"subject_id"`
		Anat      string `yaml:"anat"`
		Func      map[string]map[string]any
		Site      string `yaml:"site"`
	}
	if err := remapped.Decode(&got); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.Anat != target+"/T1w.nii.gz" {
		t.Errorf("anat = %q", got.Anat)
	}
	if got.Func["rest"]["scan"] != target+"/bold.nii.gz" {
		t.Errorf("scan = %v", got.Func["rest"]["scan"])
	}
	if got.Func["rest"]["scan_parameters"] != "s3://bucket/params.json" {
		t.Errorf("Remote path was rewritten: %v", got.Func["rest"]["scan_parameters"])
	}
	if got.Func["rest"]["tr"] != 2 {
		t.Errorf("Non-string leaf changed: %v", got.Func["rest"]["tr"])
	}
	if got.SubjectID != "sub-01" || got.Site != "a-b" {
		t.Errorf("Plain strings changed: %+v", got)
	}

	// The input is untouched
	var original map[string]any
	if err := record.Decode(&original); err != nil {
		t.Fatal(err)
	}
	if original["anat"] != anat {
		t.Errorf("Input record was modified: anat = %v", original["anat"])
	}

	// Remapping again with a fresh table gives the same paths
	again, mapping2 := RemapPaths(record)
	out1, _ := yaml.Marshal(remapped)
	out2, _ := yaml.Marshal(again)
	if string(out1) != string(out2) || mapping2[realDir] != target {
		t.Errorf("Remapping is not deterministic:\n%s\n%s", out1, out2)
	}
}

func TestRemapPathsNil(t *testing.T) {
	out, mapping := RemapPaths(nil)
	if out != nil || len(mapping) != 0 {
		t.Errorf("RemapPaths(nil) = %v, %v", out, mapping)
	}
}

func TestSubjectIdentity(t *testing.T) {
	tests := []struct {
		doc  string
		want string
	}{
		{"site_id: NYU\nsubject_id: '0050952'\nunique_id: ses-1\n", "NYU/0050952/ses-1"},
		{"subject_id: '0050952'\nunique_id: ses-1\n", "0050952/ses-1"},
		{"unique_id: ses-1\nsite_id: NYU\n", "NYU/ses-1"},
		{"subject_id: 0050952\n", "0050952"},
		{"anat: /a/b.nii\n", ""},
		{"- not\n- a mapping\n", ""},
	}
	for _, tt := range tests {
		if got := SubjectIdentity(parseRecord(t, tt.doc)); got != tt.want {
			t.Errorf("SubjectIdentity(%q) = %q, want %q", tt.doc, got, tt.want)
		}
	}
}

func TestParseSubjects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"null", "~\n", 0, false},
		{"empty list", "[]\n", 0, false},
		{"two", twoSubjects, 2, false},
		{"mapping", "subject_id: a\n", 0, true},
		{"malformed", "- [unclosed\n", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subjects, err := ParseSubjects([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubjects() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(subjects) != tt.want {
				t.Errorf("Got %d subjects, want %d", len(subjects), tt.want)
			}
		})
	}
}

func TestResultsLookup(t *testing.T) {
	results := Results{
		"summary": NewValueResult("summary", map[string]any{
			"subjects": []any{"a", map[string]any{"id": "b"}},
		}, ""),
		"config": NewFileResult("config", []byte("- subject_id: x\n"), "application/yaml"),
	}

	tests := []struct {
		key     string
		want    any
		wantErr bool
	}{
		{"summary/subjects/0", "a", false},
		{"summary/subjects/1/id", "b", false},
		{"config/0/subject_id", "x", false},
		{"summary/subjects/2", nil, true},
		{"summary/missing", nil, true},
		{"nothing", nil, true},
	}
	for _, tt := range tests {
		got, err := results.Lookup(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("Lookup(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("Lookup(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}

	if r, err := results.Lookup("config"); err != nil || r.(Result).MediaType() != "application/yaml" {
		t.Errorf("Lookup(config) = %v, %v", r, err)
	}
	if names := results.Names(); len(names) != 2 || names[0] != "config" {
		t.Errorf("Names() = %v", names)
	}
}

func TestFileResultRelease(t *testing.T) {
	r := NewFileResult("data_config", []byte("- subject_id: x\n"), "application/yaml")

	reader, err := r.Open()
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if got, _ := io.ReadAll(reader); string(got) != "- subject_id: x\n" {
		t.Errorf("Open() content = %q", got)
	}
	var buf bytes.Buffer
	if n, err := r.WriteTo(&buf); err != nil || n != int64(buf.Len()) {
		t.Errorf("WriteTo() = %d, %v", n, err)
	}

	r.Release()
	if _, err := r.Bytes(); !errors.Is(err, ErrResultReleased) {
		t.Errorf("Bytes() after Release error = %v", err)
	}
	if _, err := r.WriteTo(&buf); !errors.Is(err, ErrResultReleased) {
		t.Errorf("WriteTo() after Release error = %v", err)
	}
}

func TestDataURI(t *testing.T) {
	doc := []byte("- subject_id: x\n  anat: /a/b.nii.gz\n")
	uri := EncodeDataURI(doc)
	if !IsDataURI(uri) {
		t.Fatalf("%q is not a data URI", uri)
	}
	got, err := DecodeDataURI(uri)
	if err != nil || string(got) != string(doc) {
		t.Errorf("DecodeDataURI() = %q, %v", got, err)
	}
	if _, err := DecodeDataURI("/not/a/uri"); err == nil {
		t.Error("Expected an error for a plain path")
	}
}

func TestSubjectLogs(t *testing.T) {
	progress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nodes": 12, "completed": 5}`))
	}))
	defer progress.Close()
	u, _ := url.Parse(progress.URL)

	rt := containerstest.New(nil)
	rt.Gate = make(chan struct{})
	rt.HostPorts = map[string]string{"8080/tcp": u.Port()}
	env := newTestEnv(t, rt)

	task := NewSubjectTask(env, nil, "", parseRecord(t, "subject_id: '01'\n"))
	if logs := task.Logs(); len(logs) != 0 {
		t.Errorf("Logs before run = %v, want none", logs)
	}

	done := make(chan error, 1)
	go func() {
		_, err := task.Run(context.Background())
		done <- err
	}()
	for task.currentRun() == nil {
		select {
		case err := <-done:
			t.Fatalf("Run() ended early: %v", err)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	logs := task.Logs()
	if len(logs) != 1 || logs[0].Detail["completed"] != float64(5) {
		t.Errorf("Logs while running = %+v", logs)
	}

	// An unreachable endpoint degrades to no records
	progress.Close()
	if logs := task.Logs(); len(logs) != 0 {
		t.Errorf("Logs with endpoint down = %+v, want none", logs)
	}

	close(rt.Gate)
	if err := <-done; err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs = task.Logs()
	if len(logs) != 1 || logs[0].Start == nil || logs[0].Finish == nil {
		t.Errorf("Logs after run = %+v, want one timed record", logs)
	}
	task.Release()
}
