package layers

import (
	"fmt"

	"github.com/tsawler/go-emlc/tensor"
)

// ParamSet is an ordered collection of named parameter tensors owned by one
// network. Order is insertion order and defines the flattened layout.
type ParamSet struct {
	names   []string
	index   map[string]int
	tensors []*tensor.Tensor
}

func NewParamSet() *ParamSet {
	return &ParamSet{index: make(map[string]int)}
}

// Add registers a tensor under name. Names must be unique.
func (p *ParamSet) Add(name string, t *tensor.Tensor) error {
	if _, exists := p.index[name]; exists {
		return fmt.Errorf("parameter %q already registered", name)
	}
	p.index[name] = len(p.names)
	p.names = append(p.names, name)
	p.tensors = append(p.tensors, t)
	return nil
}

// Get returns the tensor registered under name.
func (p *ParamSet) Get(name string) (*tensor.Tensor, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.tensors[i], true
}

func (p *ParamSet) Names() []string {
	return append([]string(nil), p.names...)
}

// Tensors returns the live tensors in order. Callers must not resize them.
func (p *ParamSet) Tensors() []*tensor.Tensor {
	return append([]*tensor.Tensor(nil), p.tensors...)
}

func (p *ParamSet) Len() int {
	return len(p.tensors)
}

// NumElements is the length of the flattened parameter vector.
func (p *ParamSet) NumElements() int {
	n := 0
	for _, t := range p.tensors {
		n += t.NumElems
	}
	return n
}

// Clone returns a deep copy that never aliases the receiver's storage.
func (p *ParamSet) Clone() *ParamSet {
	out := NewParamSet()
	for i, name := range p.names {
		out.index[name] = i
		out.names = append(out.names, name)
		out.tensors = append(out.tensors, p.tensors[i].Clone())
	}
	return out
}

// Concat returns a set holding the parameters of p followed by those of
// other. Tensors are shared, not copied.
func (p *ParamSet) Concat(other *ParamSet) (*ParamSet, error) {
	out := NewParamSet()
	for _, src := range []*ParamSet{p, other} {
		for i, name := range src.names {
			if err := out.Add(name, src.tensors[i]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Flatten copies all parameters into one vector.
func (p *ParamSet) Flatten() []float64 {
	flat := make([]float64, 0, p.NumElements())
	for _, t := range p.tensors {
		flat = append(flat, t.Data...)
	}
	return flat
}

// Assign overwrites the parameters in place from a flattened vector.
func (p *ParamSet) Assign(flat []float64) error {
	if len(flat) != p.NumElements() {
		return fmt.Errorf("flat vector has %d elements, parameter set has %d", len(flat), p.NumElements())
	}
	offset := 0
	for _, t := range p.tensors {
		copy(t.Data, flat[offset:offset+t.NumElems])
		offset += t.NumElems
	}
	return nil
}

// Vars binds every parameter as a differentiable graph leaf.
func (p *ParamSet) Vars() *Bound {
	nodes := make([]*tensor.Node, len(p.tensors))
	for i, t := range p.tensors {
		nodes[i] = tensor.Var(t)
	}
	return &Bound{set: p, nodes: nodes}
}

// Consts binds every parameter as a constant graph leaf.
func (p *ParamSet) Consts() *Bound {
	nodes := make([]*tensor.Node, len(p.tensors))
	for i, t := range p.tensors {
		nodes[i] = tensor.Const(t)
	}
	return &Bound{set: p, nodes: nodes}
}

// Bind pairs caller-supplied nodes with the names of p. The nodes must match
// the parameter shapes in order.
func (p *ParamSet) Bind(nodes []*tensor.Node) (*Bound, error) {
	if len(nodes) != len(p.tensors) {
		return nil, fmt.Errorf("got %d nodes for %d parameters", len(nodes), len(p.tensors))
	}
	for i, n := range nodes {
		if !n.Value().SameShape(p.tensors[i]) {
			return nil, fmt.Errorf("node for %q has shape %v, want %v", p.names[i], n.Shape(), p.tensors[i].Shape)
		}
	}
	return &Bound{set: p, nodes: append([]*tensor.Node(nil), nodes...)}, nil
}

// Bound is a parameter set whose entries have been placed into a graph.
type Bound struct {
	set   *ParamSet
	nodes []*tensor.Node
}

// Node returns the graph node bound to name. A missing name is a programming
// error in the model definition and panics.
func (b *Bound) Node(name string) *tensor.Node {
	i, ok := b.set.index[name]
	if !ok {
		panic(fmt.Sprintf("parameter %q is not bound", name))
	}
	return b.nodes[i]
}

func (b *Bound) Nodes() []*tensor.Node {
	return append([]*tensor.Node(nil), b.nodes...)
}

// Split returns bindings for the first n parameters and for the rest, using
// the given sets for name lookup.
func (b *Bound) Split(first, rest *ParamSet) (*Bound, *Bound, error) {
	n := first.Len()
	if n+rest.Len() != len(b.nodes) {
		return nil, nil, fmt.Errorf("cannot split %d nodes into %d and %d", len(b.nodes), n, rest.Len())
	}
	head, err := first.Bind(b.nodes[:n])
	if err != nil {
		return nil, nil, err
	}
	tail, err := rest.Bind(b.nodes[n:])
	if err != nil {
		return nil, nil, err
	}
	return head, tail, nil
}
