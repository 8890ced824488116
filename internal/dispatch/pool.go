package dispatch

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"go.uber.org/zap"
)

type Task func()

// Pool runs tasks on a fixed set of worker shards. Tasks submitted with the
// same key always land on the same shard and run in submission order; keys
// on different shards run concurrently.
type Pool struct {
	shards  []chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending int64
	log     *zap.Logger
}

func NewPool(workers, queueSize int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	shards := make([]chan Task, workers)
	for i := range shards {
		shards[i] = make(chan Task, queueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{shards: shards, ctx: ctx, cancel: cancel, log: log}
}

// Start launches one goroutine per shard. Workers exit when ctx is cancelled
// or Stop is called. Tasks submitted before Start wait in their shard.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()
	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
}

func (p *Pool) worker(tasks chan Task) {
	defer p.wg.Done()
	for {
		select {
		case task := <-tasks:
			p.run(task)
			metrics.DispatchQueueDepth.Set(float64(atomic.AddInt64(&p.pending, -1)))
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatch task panic recovered",
				zap.Any("panic_value", r),
				zap.String("stack_trace", string(debug.Stack())))
		}
	}()
	task()
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Submit queues task on key's shard, blocking while the shard is full. It
// returns false once the pool has stopped.
func (p *Pool) Submit(key string, task Task) bool {
	shard := p.shards[shardIndex(key, len(p.shards))]
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case shard <- task:
		metrics.DispatchQueueDepth.Set(float64(atomic.AddInt64(&p.pending, 1)))
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish. Queued
// tasks that have not started are discarded.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	if n := p.Pending(); n > 0 {
		p.log.Warn("dispatcher stopped with queued tasks", zap.Int64("discarded", n))
	}
}

// Pending returns the number of queued tasks across all shards.
func (p *Pool) Pending() int64 {
	return atomic.LoadInt64(&p.pending)
}
