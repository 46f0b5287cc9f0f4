package schedule

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var identityKeys = []string{"site_id", "subject_id", "unique_id"}

// SubjectIdentity joins the record's site, subject and session identifiers
// with "/", skipping those that are absent
func SubjectIdentity(record *yaml.Node) string {
	record = unwrapDocument(record)
	if record == nil || record.Kind != yaml.MappingNode {
		return ""
	}

	var parts []string
	for _, key := range identityKeys {
		if v := mappingValue(record, key); v != nil && v.Kind == yaml.ScalarNode && v.ShortTag() != "!!null" {
			parts = append(parts, v.Value)
		}
	}
	return strings.Join(parts, "/")
}

func unwrapDocument(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil
		}
		n = n.Content[0]
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// ParseSubjects decodes a data config document into its subject records.
// An empty document has no subjects.
func ParseSubjects(data []byte) ([]*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	root := unwrapDocument(&doc)
	if root == nil || root.Kind == 0 || root.ShortTag() == "!!null" {
		return nil, nil
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("data config must be a sequence of subject records, got %s", root.ShortTag())
	}

	subjects := make([]*yaml.Node, 0, len(root.Content))
	subjects = append(subjects, root.Content...)
	return subjects, nil
}
