package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrAborted is returned by AllReduce once any replica has given up.
var ErrAborted = errors.New("all-reduce aborted")

// abortError reports ErrAborted while keeping the replica's failure as its
// cause.
type abortError struct {
	cause error
}

func (e *abortError) Error() string { return ErrAborted.Error() + ": " + e.cause.Error() }

func (e *abortError) Unwrap() error { return e.cause }

func (e *abortError) Is(target error) bool { return target == ErrAborted }

type reduceRound struct {
	sum     []float64
	arrived int
	done    chan struct{}
}

func newRound() *reduceRound {
	return &reduceRound{done: make(chan struct{})}
}

// AllReducer averages equal-length vectors across a fixed number of
// replicas. Every call is also a barrier: no replica returns until all of
// them have contributed to the round.
type AllReducer struct {
	n int

	mu    sync.Mutex
	round *reduceRound

	aborted   chan struct{}
	abortErr  error
	abortOnce sync.Once
}

// NewAllReducer creates a reducer for n replicas.
func NewAllReducer(n int) (*AllReducer, error) {
	if n <= 0 {
		return nil, errors.Errorf("all-reduce needs at least one replica, got %d", n)
	}
	return &AllReducer{n: n, round: newRound(), aborted: make(chan struct{})}, nil
}

// Size is the number of participating replicas.
func (r *AllReducer) Size() int { return r.n }

// AllReduce replaces v with the element-wise mean of every replica's v for
// the current round.
func (r *AllReducer) AllReduce(ctx context.Context, rank int, v []float64) error {
	if rank < 0 || rank >= r.n {
		return errors.Errorf("rank %d out of range [0, %d)", rank, r.n)
	}
	if r.n == 1 {
		return ctx.Err()
	}

	r.mu.Lock()
	if r.abortErr != nil {
		err := r.abortErr
		r.mu.Unlock()
		return err
	}
	rd := r.round
	if rd.arrived == 0 {
		rd.sum = make([]float64, len(v))
	} else if len(rd.sum) != len(v) {
		r.mu.Unlock()
		err := errors.Errorf("rank %d reduced %d values, round has %d", rank, len(v), len(rd.sum))
		r.Abort(err)
		return err
	}
	floats.Add(rd.sum, v)
	rd.arrived++
	if rd.arrived == r.n {
		floats.Scale(1/float64(r.n), rd.sum)
		close(rd.done)
		r.round = newRound()
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
		copy(v, rd.sum)
		return nil
	case <-r.aborted:
		return r.err()
	case <-ctx.Done():
		r.Abort(ctx.Err())
		return ctx.Err()
	}
}

// Abort wakes every waiting replica with err and fails all later rounds.
func (r *AllReducer) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.abortErr = &abortError{cause: err}
		r.mu.Unlock()
		close(r.aborted)
	})
}

func (r *AllReducer) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortErr
}
