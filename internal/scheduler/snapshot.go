package scheduler

import (
	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
)

// ResultSnapshot summarizes one result. Values are included for in-memory
// results only.
type ResultSnapshot struct {
	MediaType string `json:"media_type"`
	Value     any    `json:"value,omitempty"`
}

// NodeSnapshot is a point-in-time view of an entry and its descendants
type NodeSnapshot struct {
	ID       string                    `json:"id"`
	Key      string                    `json:"key,omitempty"`
	Kind     string                    `json:"kind"`
	Status   schedule.Status           `json:"status"`
	Error    string                    `json:"error,omitempty"`
	Results  map[string]ResultSnapshot `json:"results,omitempty"`
	Logs     []schedule.LogRecord      `json:"logs,omitempty"`
	Children []*NodeSnapshot           `json:"children,omitempty"`
}

// Snapshot collects the state of the entry's subtree. Logs may query running
// containers, so they are only gathered when asked for.
func (e *Entry) Snapshot(withLogs bool) *NodeSnapshot {
	node := e.Node
	snap := &NodeSnapshot{
		ID:     node.ID(),
		Key:    e.Key,
		Kind:   node.Kind(),
		Status: node.Status(),
	}
	if err := e.Err(); err != nil {
		snap.Error = err.Error()
	}

	if results := node.Results(); len(results) > 0 {
		snap.Results = make(map[string]ResultSnapshot, len(results))
		for name, r := range results {
			rs := ResultSnapshot{MediaType: r.MediaType()}
			if v, ok := r.(*schedule.ValueResult); ok {
				rs.Value = v.Value
			}
			snap.Results[name] = rs
		}
	}

	if withLogs {
		snap.Logs = node.Logs()
	}

	for _, c := range e.Children() {
		snap.Children = append(snap.Children, c.Snapshot(withLogs))
	}
	return snap
}

// Walk visits the snapshot and its descendants depth first
func (n *NodeSnapshot) Walk(fn func(*NodeSnapshot)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Counts tallies the statuses in the subtree
func (n *NodeSnapshot) Counts() map[schedule.Status]int {
	counts := make(map[schedule.Status]int)
	n.Walk(func(s *NodeSnapshot) { counts[s.Status]++ })
	return counts
}

// Aggregate folds the subtree into one status. Work still in progress
// reports running; otherwise any failure wins over a stop, and a stop wins
// over success.
func (n *NodeSnapshot) Aggregate() schedule.Status {
	var pending, failed, stopped bool
	n.Walk(func(s *NodeSnapshot) {
		switch s.Status {
		case schedule.StatusFailed:
			failed = true
		case schedule.StatusStopped:
			stopped = true
		case schedule.StatusSuccess:
		default:
			pending = true
		}
	})

	switch {
	case pending:
		if n.Status == schedule.StatusUnstarted {
			return schedule.StatusUnstarted
		}
		return schedule.StatusRunning
	case failed:
		return schedule.StatusFailed
	case stopped:
		return schedule.StatusStopped
	default:
		return schedule.StatusSuccess
	}
}

// Snapshot collects every schedule's tree in scheduling order
func (s *Scheduler) Snapshot(withLogs bool) []*NodeSnapshot {
	roots := s.Roots()
	out := make([]*NodeSnapshot, 0, len(roots))
	for _, root := range roots {
		out = append(out, root.Snapshot(withLogs))
	}
	return out
}
