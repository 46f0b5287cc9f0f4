package scheduler

import (
	"context"
	"sync"

	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
)

// Entry is a node placed in the scheduler's tree
type Entry struct {
	Node   schedule.Node
	Key    string
	Parent *Entry

	tree *tree

	mu       sync.Mutex
	children []*Entry
	err      error
	finished chan struct{}
}

func newEntry(t *tree, parent *Entry, key string, node schedule.Node) *Entry {
	return &Entry{
		Node:     node,
		Key:      key,
		Parent:   parent,
		tree:     t,
		finished: make(chan struct{}),
	}
}

// Root returns the root entry of the entry's schedule
func (e *Entry) Root() *Entry {
	return e.tree.root
}

// Children returns the entries yielded by this entry's node
func (e *Entry) Children() []*Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Entry, len(e.children))
	copy(out, e.children)
	return out
}

// Child returns the child entry under key
func (e *Entry) Child(key string) (*Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.children {
		if c.Key == key {
			return c, true
		}
	}
	return nil, false
}

// Err returns the error this entry's node run ended with
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Finished is closed once this entry's own node has run
func (e *Entry) Finished() <-chan struct{} {
	return e.finished
}

// Done is closed once every node in the entry's schedule has run
func (e *Entry) Done() <-chan struct{} {
	return e.tree.done
}

// Wait blocks until the entry's whole schedule has run or the scheduler
// shut down
func (e *Entry) Wait() {
	<-e.tree.done
}

// WaitContext is Wait bounded by ctx
func (e *Entry) WaitContext(ctx context.Context) error {
	select {
	case <-e.tree.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entry) addChild(c *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.children = append(e.children, c)
}

func (e *Entry) finish(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	close(e.finished)
}

// tree tracks how many nodes of one schedule are still to run
type tree struct {
	root *Entry

	mu          sync.Mutex
	outstanding int
	done        chan struct{}
	closeOnce   sync.Once
}

func newTree() *tree {
	return &tree{outstanding: 1, done: make(chan struct{})}
}

func (t *tree) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding += n
}

// release marks one node as run; the last one closes done
func (t *tree) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding--
	if t.outstanding == 0 {
		t.close()
	}
}

// close ends the tree early, as on shutdown with nodes still queued
func (t *tree) close() {
	t.closeOnce.Do(func() { close(t.done) })
}
