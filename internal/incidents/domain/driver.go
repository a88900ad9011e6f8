package domain

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pendergraft/sorobanregistry/internal/storage"
)

// workQueue is a bounded queue of incident ids that holds each id at most once
type workQueue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	ch      chan string
}

func newWorkQueue(size int) *workQueue {
	return &workQueue{pending: make(map[string]struct{}), ch: make(chan string, size)}
}

// push queues id unless it is already pending. A full queue drops the id;
// the resume sweep picks it up later.
func (q *workQueue) push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		return false
	}
	select {
	case q.ch <- id:
		q.pending[id] = struct{}{}
		return true
	default:
		return false
	}
}

func (q *workQueue) done(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (c *Coordinator) enqueue(id string) {
	if !c.queue.push(id) {
		c.logger.Debug("incident not queued", "incident_id", id)
	}
}

// Run drives queued incidents with a pool of workers and periodically
// resumes open incidents that are not stalled, so that work interrupted by
// a restart completes. It returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		g.Go(func() error {
			c.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		c.resumeLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (c *Coordinator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.queue.ch:
			inc, err := c.Drive(ctx, id)
			c.queue.done(id)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("driving incident failed", "incident_id", id, "error", err)
				continue
			}
			if inc != nil && inc.State.Terminal() {
				c.logger.Info("incident closed",
					"incident_id", id,
					"state", inc.State,
					"rto", inc.RTO,
				)
			}
		}
	}
}

func (c *Coordinator) resumeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ResumeInterval)
	defer ticker.Stop()

	c.resumeOpen(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resumeOpen(ctx)
		}
	}
}

func (c *Coordinator) resumeOpen(ctx context.Context) {
	const page = 100
	for offset := 0; ; offset += page {
		open, err := c.store.ListIncidents(ctx, storage.IncidentFilter{States: openStates, Limit: page, Offset: offset})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("listing open incidents failed", "error", err)
			}
			return
		}
		for _, inc := range open {
			if !inc.Stalled {
				c.enqueue(inc.ID)
			}
		}
		if len(open) < page {
			return
		}
	}
}
