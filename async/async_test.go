package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-emlc/vision/dataloader"
)

// countingSource yields batches whose single label is the batch index and
// fails after limit batches when limit is positive.
type countingSource struct {
	mu    sync.Mutex
	next  int
	limit int
}

var errSourceDone = errors.New("source exhausted")

func (s *countingSource) Next() (*dataloader.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.next >= s.limit {
		return nil, errSourceDone
	}
	b := &dataloader.Batch{Labels: []int{s.next}}
	s.next++
	return b, nil
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	p, err := NewPrefetcher(&countingSource{limit: 10}, 3)
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	defer p.Stop()

	for i := 0; i < 10; i++ {
		b, err := p.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if b.Labels[0] != i {
			t.Fatalf("Expected batch %d, got %d", i, b.Labels[0])
		}
	}

	if _, err := p.Next(); !errors.Is(err, errSourceDone) {
		t.Errorf("Expected source error after last batch, got %v", err)
	}
	if _, err := p.Next(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped once the producer exited, got %v", err)
	}

	stats := p.Stats()
	if stats.BatchesConsumed != 10 {
		t.Errorf("Expected 10 consumed batches, got %d", stats.BatchesConsumed)
	}
	if stats.QueueCapacity != 3 {
		t.Errorf("Expected capacity 3, got %d", stats.QueueCapacity)
	}
}

func TestPrefetcherStop(t *testing.T) {
	p, err := NewPrefetcher(&countingSource{}, 2)
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if _, err := p.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if p.Stats().IsRunning {
		t.Error("Expected prefetcher to report stopped")
	}
	if _, err := p.Next(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestPrefetcherDefaults(t *testing.T) {
	if _, err := NewPrefetcher(nil, 1); err == nil {
		t.Error("Expected error for nil source, got nil")
	}
	p, err := NewPrefetcher(&countingSource{}, 0)
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	defer p.Stop()
	if got := p.Stats().QueueCapacity; got != DefaultPrefetch() {
		t.Errorf("Expected default depth %d, got %d", DefaultPrefetch(), got)
	}
}

func TestAllReduceMean(t *testing.T) {
	const n = 3
	r, err := NewAllReducer(n)
	if err != nil {
		t.Fatalf("NewAllReducer failed: %v", err)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for round := 0; round < 5; round++ {
				v := []float64{float64(rank), float64(rank * round)}
				if err := r.AllReduce(context.Background(), rank, v); err != nil {
					t.Errorf("AllReduce failed: %v", err)
					return
				}
				if v[0] != 1 || v[1] != float64(round) {
					t.Errorf("Round %d rank %d: expected [1 %d], got %v", round, rank, round, v)
				}
			}
		}(rank)
	}
	wg.Wait()
}

func TestAllReduceSingleReplica(t *testing.T) {
	r, _ := NewAllReducer(1)
	v := []float64{2, 4}
	if err := r.AllReduce(context.Background(), 0, v); err != nil {
		t.Fatalf("AllReduce failed: %v", err)
	}
	if v[0] != 2 || v[1] != 4 {
		t.Errorf("Expected values unchanged, got %v", v)
	}
	if err := r.AllReduce(context.Background(), 1, v); err == nil {
		t.Error("Expected error for out of range rank, got nil")
	}
	if _, err := NewAllReducer(0); err == nil {
		t.Error("Expected error for zero replicas, got nil")
	}
}

func TestAllReduceCancellation(t *testing.T) {
	r, _ := NewAllReducer(2)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- r.AllReduce(ctx, 0, []float64{1}) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AllReduce did not observe cancellation")
	}

	if err := r.AllReduce(context.Background(), 1, []float64{1}); !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted for later callers, got %v", err)
	}
}

func TestAllReduceLengthMismatch(t *testing.T) {
	r, _ := NewAllReducer(2)
	errc := make(chan error, 1)
	go func() { errc <- r.AllReduce(context.Background(), 0, []float64{1, 2}) }()

	if err := r.AllReduce(context.Background(), 1, []float64{1}); err == nil {
		t.Error("Expected error for mismatched lengths, got nil")
	}
	// Whichever rank opened the round is woken by the abort.
	if err := <-errc; err == nil {
		t.Error("Expected error for the peer, got nil")
	}
}

func TestPoolRun(t *testing.T) {
	pool, err := NewPool([]string{"cpu:0", "cpu:1", "cpu:2"})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[int]string)
	err = pool.Run(context.Background(), func(ctx context.Context, r Replica) error {
		v := []float64{float64(r.Rank)}
		if err := pool.Reducer().AllReduce(ctx, r.Rank, v); err != nil {
			return err
		}
		if v[0] != 1 {
			return errors.Errorf("expected mean 1, got %v", v[0])
		}
		mu.Lock()
		seen[r.Rank] = r.Device
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != 3 || seen[2] != "cpu:2" {
		t.Errorf("Expected three replicas with their devices, got %v", seen)
	}

	if _, err := NewPool(nil); err == nil {
		t.Error("Expected error for empty device list, got nil")
	}
}

func TestPoolRunFailureUnblocksPeers(t *testing.T) {
	pool, _ := NewPool([]string{"cpu:0", "cpu:1"})
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- pool.Run(context.Background(), func(ctx context.Context, r Replica) error {
			if r.Rank == 1 {
				return boom
			}
			// Rank 0 would wait forever for rank 1 without the abort.
			return pool.Reducer().AllReduce(ctx, r.Rank, []float64{1})
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Expected the failing replica's error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a replica failed")
	}
}

func TestPoolRunCancelsPeers(t *testing.T) {
	pool, _ := NewPool([]string{"cpu:0", "cpu:1", "cpu:2"})
	boom := errors.New("boom")

	var mu sync.Mutex
	cancelled := 0
	err := pool.Run(context.Background(), func(ctx context.Context, r Replica) error {
		if r.Rank == 0 {
			return boom
		}
		select {
		case <-ctx.Done():
			mu.Lock()
			cancelled++
			mu.Unlock()
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("peer was not cancelled")
		}
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected the failing replica's error, got %v", err)
	}
	if cancelled != 2 {
		t.Errorf("Expected 2 cancelled peers, got %d", cancelled)
	}

	// The reducer stays aborted and reports the original failure as cause.
	err = pool.Reducer().AllReduce(context.Background(), 1, []float64{1})
	if !errors.Is(err, ErrAborted) || !errors.Is(err, boom) {
		t.Errorf("Expected an aborted error caused by boom, got %v", err)
	}
}

func TestDescribeHost(t *testing.T) {
	h := DescribeHost()
	if h.String() == "" {
		t.Error("Expected a host description")
	}
	if d := DefaultPrefetch(); d < 2 || d > 4 {
		t.Errorf("Expected default prefetch in [2, 4], got %d", d)
	}
}
