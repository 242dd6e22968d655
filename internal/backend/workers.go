package backend

import (
	"context"
	"hash/fnv"
	"sync"
)

type task func(ctx context.Context)

// workerPool runs tasks on shards keyed by client id, so one client's
// tasks run in submission order while different clients run in parallel.
type workerPool struct {
	shards []chan task
	wg     sync.WaitGroup
}

func newWorkerPool(workers, queue int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	p := &workerPool{shards: make([]chan task, workers)}
	for i := range p.shards {
		p.shards[i] = make(chan task, queue)
	}
	return p
}

func (p *workerPool) start(ctx context.Context) {
	for _, shard := range p.shards {
		p.wg.Add(1)
		go func(tasks <-chan task) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-tasks:
					t(ctx)
				}
			}
		}(shard)
	}
}

// submit blocks while the shard is full.
func (p *workerPool) submit(ctx context.Context, key string, t task) error {
	select {
	case p.shards[p.shardFor(key)] <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) wait() {
	p.wg.Wait()
}

func (p *workerPool) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}
