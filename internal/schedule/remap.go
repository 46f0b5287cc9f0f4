package schedule

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"gopkg.in/yaml.v3"
)

var remoteSchemes = []string{"s3://", "gs://", "http://", "https://"}

// IsRemote reports whether value names a remote object rather than a host path
func IsRemote(value string) bool {
	lower := strings.ToLower(value)
	for _, scheme := range remoteSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// PathMapping maps host directories to the opaque container directories
// they are mounted at
type PathMapping map[string]string

// Sorted returns the host directories in sorted order
func (m PathMapping) Sorted() []string {
	hosts := make([]string, 0, len(m))
	for host := range m {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// RemapPaths rewrites every string scalar in record that looks like a host
// path to an opaque container path, and returns the rewritten copy with the
// directories that must be mounted. A path's parent directory is mounted at
// "/" + its digest, so the rewrite of a given path is always the same.
// record is left untouched.
func RemapPaths(record *yaml.Node) (*yaml.Node, PathMapping) {
	mapping := make(PathMapping)
	if record == nil {
		return nil, mapping
	}
	out := cloneNode(record)
	remapNode(out, mapping)
	return out, mapping
}

func remapNode(n *yaml.Node, mapping PathMapping) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.ShortTag() != "!!str" || !strings.Contains(n.Value, "/") || IsRemote(n.Value) {
			return
		}
		n.Value = remapPath(n.Value, mapping)
		n.Tag = "!!str"
	case yaml.MappingNode:
		// Only values are rewritten
		for i := 1; i < len(n.Content); i += 2 {
			remapNode(n.Content[i], mapping)
		}
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			remapNode(c, mapping)
		}
	}
}

func remapPath(value string, mapping PathMapping) string {
	resolved, err := filepath.Abs(value)
	if err != nil {
		resolved = filepath.Clean(value)
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}

	parent := filepath.Dir(resolved)
	target := "/" + utils.HashString(parent)
	mapping[parent] = target

	return path.Join(target, filepath.Base(resolved))
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child)
		}
	}
	// Aliases point into the original tree
	if n.Alias != nil {
		c.Alias = cloneNode(n.Alias)
	}
	return &c
}
