package ingestor

import (
	"hash/fnv"
	"sync"
)

// ShardedPool runs tasks on a fixed set of workers. Tasks submitted with
// the same key always land on the same worker, so they run one at a time
// in submission order.
type ShardedPool struct {
	shards []chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewShardedPool(workers, queueSize int) *ShardedPool {
	if workers < 1 {
		workers = 1
	}
	p := &ShardedPool{shards: make([]chan func(), workers)}
	p.wg.Add(workers)
	for i := range p.shards {
		p.shards[i] = make(chan func(), queueSize)
		go p.worker(p.shards[i])
	}
	return p
}

func (p *ShardedPool) worker(tasks <-chan func()) {
	defer p.wg.Done()
	for task := range tasks {
		task()
	}
}

func (p *ShardedPool) shardFor(key string) chan func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit blocks while the key's shard is full
func (p *ShardedPool) Submit(key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.shardFor(key) <- task
	return nil
}

// Pending is the number of queued tasks across all shards
func (p *ShardedPool) Pending() int {
	n := 0
	for _, s := range p.shards {
		n += len(s)
	}
	return n
}

// Shutdown stops accepting work and waits for queued tasks to finish
func (p *ShardedPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, s := range p.shards {
		close(s)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
