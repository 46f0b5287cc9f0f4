package schedule

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Result is a named artifact published by a node
type Result interface {
	Name() string
	MediaType() string
}

// ValueResult is an in-memory value
type ValueResult struct {
	name      string
	Value     any
	mediaType string
}

// NewValueResult wraps value. An empty media type means application/json.
func NewValueResult(name string, value any, mediaType string) *ValueResult {
	if mediaType == "" {
		mediaType = "application/json"
	}
	return &ValueResult{name: name, Value: value, mediaType: mediaType}
}

func (r *ValueResult) Name() string      { return r.name }
func (r *ValueResult) MediaType() string { return r.mediaType }

// FileResult is the content of a file a stage produced. The content is
// captured when the result is created so the stage's scratch directory can
// be removed right away.
type FileResult struct {
	name      string
	mediaType string

	mu       sync.RWMutex
	data     []byte
	released bool
}

// NewFileResult captures data under name
func NewFileResult(name string, data []byte, mediaType string) *FileResult {
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return &FileResult{name: name, data: data, mediaType: mediaType}
}

func (r *FileResult) Name() string      { return r.name }
func (r *FileResult) MediaType() string { return r.mediaType }

// Bytes returns a copy of the content
func (r *FileResult) Bytes() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return nil, fmt.Errorf("%w: %s", ErrResultReleased, r.name)
	}
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out, nil
}

// Open returns a reader over the content
func (r *FileResult) Open() (io.Reader, error) {
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// WriteTo streams the content to w
func (r *FileResult) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return 0, fmt.Errorf("%w: %s", ErrResultReleased, r.name)
	}
	n, err := w.Write(r.data)
	return int64(n), err
}

// Release drops the content. Further reads fail.
func (r *FileResult) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = nil
	r.released = true
}

// Results is a node's named artifacts
type Results map[string]Result

// Names returns the result names in sorted order
func (rs Results) Names() []string {
	names := make([]string, 0, len(rs))
	for name := range rs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a "/"-separated key. The first segment names a result; the
// rest walk into its value. YAML and JSON file results are decoded before the
// walk, so "data_config/0/subject_id" reaches into a produced data config.
func (rs Results) Lookup(key string) (any, error) {
	segments := strings.Split(strings.Trim(key, "/"), "/")
	result, ok := rs[segments[0]]
	if !ok {
		return nil, fmt.Errorf("no result named %q", segments[0])
	}
	if len(segments) == 1 {
		return result, nil
	}

	var value any
	switch r := result.(type) {
	case *ValueResult:
		value = r.Value
	case *FileResult:
		data, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("result %s is not structured: %w", r.name, err)
		}
	default:
		return nil, fmt.Errorf("result %s cannot be walked", segments[0])
	}

	return walk(value, segments[1:])
}

func walk(value any, segments []string) (any, error) {
	for i, seg := range segments {
		switch v := value.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("key %q not found at %s", seg, strings.Join(segments[:i], "/"))
			}
			value = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("index %q out of range at %s", seg, strings.Join(segments[:i], "/"))
			}
			value = v[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("index %q out of range at %s", seg, strings.Join(segments[:i], "/"))
			}
			value = v[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", value, seg)
		}
	}
	return value, nil
}
