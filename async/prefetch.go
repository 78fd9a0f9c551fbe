package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-emlc/vision/dataloader"
	"k8s.io/klog/v2"
)

// ErrStopped is returned by Next after Stop.
var ErrStopped = errors.New("prefetcher stopped")

type fetched struct {
	batch *dataloader.Batch
	err   error
}

// Prefetcher reads batches from a Source on a background goroutine and
// queues up to depth of them. Batches come out in the order of the wrapped
// source.
type Prefetcher struct {
	source dataloader.Source
	depth  int

	batchChannel chan fetched

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchesProduced uint64
	batchesConsumed uint64
	isRunning       bool
	mutex           sync.RWMutex
}

// PrefetcherStats reports the queue state of a Prefetcher.
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
}

// NewPrefetcher wraps source and starts the producer. A non-positive depth
// is sized from the host via DefaultPrefetch.
func NewPrefetcher(source dataloader.Source, depth int) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("prefetcher needs a source")
	}
	if depth <= 0 {
		depth = DefaultPrefetch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		source:       source,
		depth:        depth,
		batchChannel: make(chan fetched, depth),
		ctx:          ctx,
		cancel:       cancel,
		isRunning:    true,
	}
	p.wg.Add(1)
	go p.produce()
	return p, nil
}

func (p *Prefetcher) produce() {
	defer p.wg.Done()
	defer close(p.batchChannel)

	for {
		batch, err := p.source.Next()
		select {
		case p.batchChannel <- fetched{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			klog.V(2).InfoS("Prefetcher producer stopped on source error", "err", err)
			return
		}
		p.mutex.Lock()
		p.batchesProduced++
		p.mutex.Unlock()
	}
}

// Next returns the next queued batch, blocking until one is ready. A source
// error is delivered once, in order, after the batches that preceded it.
func (p *Prefetcher) Next() (*dataloader.Batch, error) {
	f, ok := <-p.batchChannel
	if !ok {
		return nil, ErrStopped
	}
	if f.err != nil {
		return nil, f.err
	}
	p.mutex.Lock()
	p.batchesConsumed++
	p.mutex.Unlock()
	return f.batch, nil
}

// Stop terminates the producer and discards queued batches. It is safe to
// call more than once.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return
	}
	p.isRunning = false
	p.mutex.Unlock()

	p.cancel()
	// The producer may be blocked in source.Next; drain until it exits.
	for range p.batchChannel {
	}
	p.wg.Wait()
}

// Stats returns a snapshot of the queue.
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.batchesProduced,
		BatchesConsumed: p.batchesConsumed,
		QueuedBatches:   len(p.batchChannel),
		QueueCapacity:   p.depth,
	}
}
