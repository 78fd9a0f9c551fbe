package metagrad

import (
	"github.com/pkg/errors"
)

// Strategy selects how the derivative of the gold loss is carried back
// through the unrolled inner updates.
type Strategy int

const (
	// Reverse propagates an adjoint backwards through the unroll using
	// vector-Jacobian products.
	Reverse Strategy = iota
	// Forward pushes one tangent per meta coordinate through the unroll with
	// native forward-mode Jacobian-vector products.
	Forward
	// DoubleBackTrick is Forward with the Jacobian-vector products recovered
	// from two reverse passes through a dummy cotangent.
	DoubleBackTrick
)

func (s Strategy) String() string {
	switch s {
	case Reverse:
		return "reverse"
	case Forward:
		return "forward"
	case DoubleBackTrick:
		return "double-back-trick"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a command-line name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "reverse":
		return Reverse, nil
	case "forward":
		return Forward, nil
	case "double-back-trick":
		return DoubleBackTrick, nil
	default:
		return 0, errors.Errorf("unknown differentiation strategy %q (want forward, reverse or double-back-trick)", s)
	}
}
