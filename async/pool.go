package async

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Replica identifies one data-parallel worker.
type Replica struct {
	Rank   int
	World  int
	Device string
}

// Pool runs one goroutine per device and shares an AllReducer between them.
type Pool struct {
	devices []string
	reducer *AllReducer
}

// NewPool creates a pool with one replica per device.
func NewPool(devices []string) (*Pool, error) {
	if len(devices) == 0 {
		return nil, errors.New("pool needs at least one device")
	}
	reducer, err := NewAllReducer(len(devices))
	if err != nil {
		return nil, err
	}
	return &Pool{devices: append([]string(nil), devices...), reducer: reducer}, nil
}

// Size is the number of replicas.
func (p *Pool) Size() int { return len(p.devices) }

// Reducer is the all-reduce shared by the pool's replicas.
func (p *Pool) Reducer() *AllReducer { return p.reducer }

// Run calls fn once per replica and waits for all of them. The first
// failure cancels the shared context and aborts the reducer so that peers
// blocked in a collective return instead of waiting forever. Run returns
// that first failure.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context, r Replica) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank, device := range p.devices {
		r := Replica{Rank: rank, World: len(p.devices), Device: device}
		g.Go(func() error {
			klog.V(2).InfoS("Replica started", "rank", r.Rank, "device", r.Device)
			if err := fn(ctx, r); err != nil {
				p.reducer.Abort(err)
				return errors.Wrapf(err, "replica %d on %s", r.Rank, r.Device)
			}
			klog.V(2).InfoS("Replica finished", "rank", r.Rank)
			return nil
		})
	}
	return g.Wait()
}
