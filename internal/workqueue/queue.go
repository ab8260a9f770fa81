// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package workqueue serializes work per entity while bounding the total
// number of concurrently running tasks.
//
// Every key (for example "node/3" or "link/7") has its own FIFO: tasks for
// one key never interleave and run in submission order. A global semaphore
// caps how many tasks run at once across all keys. A task waiting for its
// key does not hold a worker slot.
package workqueue

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NodeKey and LinkKey build the conventional keys.
func NodeKey(id int) string { return fmt.Sprintf("node/%d", id) }
func LinkKey(id int) string { return fmt.Sprintf("link/%d", id) }

type entity struct {
	busy    bool
	waiters []chan struct{}
	refs    int
}

// Queue is safe for concurrent use.
type Queue struct {
	sem chan struct{}

	mu       sync.Mutex
	entities map[string]*entity
}

// New creates a queue running at most workers tasks at once.
// workers <= 0 selects runtime.NumCPU().
func New(workers int) *Queue {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Queue{
		sem:      make(chan struct{}, workers),
		entities: make(map[string]*entity),
	}
}

// Workers returns the concurrency bound.
func (q *Queue) Workers() int {
	return cap(q.sem)
}

// Running returns the number of tasks currently holding a worker slot.
func (q *Queue) Running() int {
	return len(q.sem)
}

// Pending returns how many tasks are queued or running for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entities[key]; ok {
		return e.refs
	}
	return 0
}

// Do runs fn once every earlier task for key has finished and a worker slot
// is free. It returns ctx.Err() if ctx is done before fn starts.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := q.lock(ctx, key); err != nil {
		return err
	}
	defer q.unlock(key)

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.sem }()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Serial runs fn under the key's FIFO without taking a worker slot. Used for
// long blocking work, such as waiting on a child process, that should not
// starve the pool.
func (q *Queue) Serial(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := q.lock(ctx, key); err != nil {
		return err
	}
	defer q.unlock(key)
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Each runs fn for every key concurrently through Do. The first error cancels
// the context passed to the remaining tasks; tasks not yet started are
// skipped.
func (q *Queue) Each(ctx context.Context, keys []string, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		g.Go(func() error {
			return q.Do(gctx, k, func(ctx context.Context) error {
				return fn(ctx, i)
			})
		})
	}
	return g.Wait()
}

func (q *Queue) lock(ctx context.Context, key string) error {
	q.mu.Lock()
	e, ok := q.entities[key]
	if !ok {
		e = &entity{}
		q.entities[key] = e
	}
	e.refs++
	if !e.busy {
		e.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-ch:
		// ownership was handed over while we were giving up
		q.mu.Unlock()
		q.unlock(key)
		return ctx.Err()
	default:
	}
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	e.refs--
	if e.refs == 0 {
		delete(q.entities, key)
	}
	q.mu.Unlock()
	return ctx.Err()
}

func (q *Queue) unlock(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entities[key]
	e.refs--
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.busy = false
	if e.refs == 0 {
		delete(q.entities, key)
	}
}
