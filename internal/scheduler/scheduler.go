// Package scheduler drives schedule nodes to completion on a worker pool.
// Children yielded by a node are scheduled under it as soon as it returns.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/database"
	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"github.com/Trustflow-Network-Labs/theodore/internal/workers"
)

// ErrClosed is returned when scheduling on a closed scheduler
var ErrClosed = errors.New("scheduler: closed")

// Meta describes a schedule for the run history
type Meta struct {
	Pipeline string
	Input    string
}

// Scheduler runs schedules. The store is optional.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	pool   *workers.WorkerPool
	store  *database.SQLiteManager
	logger *utils.LogsManager

	mu     sync.RWMutex
	closed bool
	roots  []*Entry
	byID   map[string]*Entry
	bg     sync.WaitGroup
}

// New creates a scheduler on a started pool
func New(ctx context.Context, pool *workers.WorkerPool, store *database.SQLiteManager, logger *utils.LogsManager) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:    schedCtx,
		cancel: cancel,
		pool:   pool,
		store:  store,
		logger: logger,
		byID:   make(map[string]*Entry),
	}
}

// Schedule queues node as the root of a new schedule
func (s *Scheduler) Schedule(node schedule.Node, meta Meta) (*Entry, error) {
	t := newTree()
	root := newEntry(t, nil, "", node)
	t.root = root

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := s.byID[node.ID()]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("node %s is already scheduled", node.ID())
	}
	s.roots = append(s.roots, root)
	s.byID[node.ID()] = root
	s.mu.Unlock()

	if s.store != nil {
		record := &database.ScheduleRecord{
			ID:       node.ID(),
			Kind:     node.Kind(),
			Pipeline: meta.Pipeline,
			Input:    meta.Input,
			Status:   string(schedule.StatusRunning),
		}
		if err := s.store.CreateSchedule(context.Background(), record); err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to record schedule %s: %v", node.ID(), err), "scheduler")
		}
	}
	s.record(root)

	s.logger.Info(fmt.Sprintf("Scheduled %s node %s", node.Kind(), node.ID()), "scheduler")

	s.bg.Add(2)
	go s.submit(root)
	go s.finalize(root)

	return root, nil
}

// submit hands an entry to the pool. Submit blocks while the pool is busy,
// so it runs on its own goroutine to keep workers from waiting on each other.
func (s *Scheduler) submit(e *Entry) {
	defer s.bg.Done()
	if err := s.pool.Submit(func() { s.run(e) }); err != nil {
		s.logger.Warn(fmt.Sprintf("Node %s not run: %v", e.Node.ID(), err), "scheduler")
		e.finish(err)
		e.tree.release()
	}
}

func (s *Scheduler) run(e *Entry) {
	defer e.tree.release()

	node := e.Node
	s.logger.Info(fmt.Sprintf("Running %s node %s", node.Kind(), node.ID()), "scheduler")

	children, err := node.Run(s.ctx)

	added := make([]*Entry, 0, len(children))
	for _, c := range children {
		child := newEntry(e.tree, e, c.Key, c.Node)
		e.addChild(child)
		added = append(added, child)
	}
	e.tree.add(len(added))
	e.finish(err)

	s.mu.Lock()
	for _, child := range added {
		s.byID[child.Node.ID()] = child
	}
	s.mu.Unlock()

	s.record(e)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("%s node %s ended %s: %v", node.Kind(), node.ID(), node.Status(), err), "scheduler")
	} else {
		s.logger.Info(fmt.Sprintf("%s node %s ended %s with %d children", node.Kind(), node.ID(), node.Status(), len(added)), "scheduler")
	}

	for _, child := range added {
		s.record(child)
		s.bg.Add(1)
		go s.submit(child)
	}
}

// finalize records the schedule's aggregate status once it has run
func (s *Scheduler) finalize(root *Entry) {
	defer s.bg.Done()
	<-root.tree.done

	status := root.Snapshot(false).Aggregate()
	s.logger.Info(fmt.Sprintf("Schedule %s finished: %s", root.Node.ID(), status), "scheduler")

	if s.store != nil {
		if err := s.store.UpdateScheduleStatus(context.Background(), root.Node.ID(), string(status)); err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to record schedule %s status: %v", root.Node.ID(), err), "scheduler")
		}
	}
}

// record stores the entry's current state
func (s *Scheduler) record(e *Entry) {
	if s.store == nil {
		return
	}

	node := e.Node
	status := node.Status()
	rec := &database.NodeRecord{
		ID:         node.ID(),
		ScheduleID: e.Root().Node.ID(),
		ChildKey:   e.Key,
		Kind:       node.Kind(),
		Status:     string(status),
	}
	if e.Parent != nil {
		rec.ParentID = e.Parent.Node.ID()
	}
	if err := e.Err(); err != nil {
		rec.ErrorMessage = err.Error()
	}
	if results := node.Results(); len(results) > 0 {
		summary := make(map[string]string, len(results))
		for name, r := range results {
			summary[name] = r.MediaType()
		}
		if data, err := json.Marshal(summary); err == nil {
			rec.Results = string(data)
		}
	}
	if status.IsTerminal() {
		for _, l := range node.Logs() {
			rec.StartedAt, rec.FinishedAt = l.Start, l.Finish
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpsertNode(ctx, rec); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to record node %s: %v", node.ID(), err), "scheduler")
	}
}

// Lookup returns the entry of a node by id
func (s *Scheduler) Lookup(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// Roots returns every scheduled root in scheduling order
func (s *Scheduler) Roots() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.roots))
	copy(out, s.roots)
	return out
}

// WorkerLoad returns the pool size and the number of workers running a node
func (s *Scheduler) WorkerLoad() (int, int) {
	return s.pool.GetWorkers(), s.pool.GetActiveWorkers()
}

// Wait blocks until every schedule submitted so far has run, or ctx ends
func (s *Scheduler) Wait(ctx context.Context) error {
	for _, root := range s.Roots() {
		if err := root.WaitContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close kills the containers of running nodes, waits for those nodes to
// return, stops the pool and releases every waiter. Schedules that did not
// finish are recorded as stopped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.interruptAll()
	s.pool.Stop()

	for _, root := range s.Roots() {
		root.tree.close()
	}
	s.bg.Wait()

	if s.store != nil {
		if n, err := s.store.MarkInterrupted(context.Background()); err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to mark interrupted schedules: %v", err), "scheduler")
		} else if n > 0 {
			s.logger.Info(fmt.Sprintf("Marked %d unfinished schedules as stopped", n), "scheduler")
		}
	}
}

// interruptAll ends the container of every node that is still running. Nodes
// that start a container after this see the canceled context and kill it
// themselves.
func (s *Scheduler) interruptAll() {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		node, ok := e.Node.(schedule.Interrupter)
		if !ok {
			continue
		}
		if err := node.Interrupt(); err != nil {
			s.logger.Warn(fmt.Sprintf("Failed to interrupt node %s: %v", e.Node.ID(), err), "scheduler")
		}
	}
}
