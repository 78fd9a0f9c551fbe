package tensor

import (
	"fmt"
)

// markDependents records, for every node reachable from n, whether it
// depends on one of the targets.
func markDependents(n *Node, targets map[*Node]bool, memo map[*Node]bool) bool {
	if dep, ok := memo[n]; ok {
		return dep
	}
	dep := targets[n]
	for _, in := range n.inputs {
		if markDependents(in, targets, memo) {
			dep = true
		}
	}
	memo[n] = dep
	return dep
}

// topoOrder lists the dependent nodes reachable from roots, inputs first.
func topoOrder(roots []*Node, deps map[*Node]bool) []*Node {
	visited := make(map[*Node]bool)
	var order []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] || !deps[n] {
			return
		}
		visited[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
		order = append(order, n)
	}
	for _, r := range roots {
		visit(r)
	}
	return order
}

func targetSet(xs []*Node) map[*Node]bool {
	targets := make(map[*Node]bool, len(xs))
	for _, x := range xs {
		targets[x] = true
	}
	return targets
}

// Grad returns dy/dx for every x in xs, where y is reduced by summation if
// it has more than one element. The returned nodes are part of the graph and
// may be differentiated again. Inputs y does not depend on get zero nodes.
func Grad(y *Node, xs []*Node) []*Node {
	return Gradients([]*Node{y}, nil, xs)
}

// Gradients back-propagates seeds from ys to xs. A nil seeds slice, or a nil
// entry, seeds the corresponding output with ones.
func Gradients(ys, seeds, xs []*Node) []*Node {
	targets := targetSet(xs)
	deps := make(map[*Node]bool)
	for _, y := range ys {
		markDependents(y, targets, deps)
	}

	grads := make(map[*Node]*Node)
	for i, y := range ys {
		if !deps[y] {
			continue
		}
		var seed *Node
		if seeds != nil {
			seed = seeds[i]
		}
		if seed == nil {
			ones, err := Ones(y.Shape())
			if err != nil {
				panic(err)
			}
			seed = Const(ones)
		} else if !shapesEqual(seed.Shape(), y.Shape()) {
			panic(fmt.Sprintf("seed shape %v does not match output shape %v", seed.Shape(), y.Shape()))
		}
		grads[y] = addOptional(grads[y], seed)
	}

	order := topoOrder(ys, deps)
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		g := grads[n]
		if g == nil || n.op == nil {
			continue
		}
		for j, in := range n.inputs {
			if !deps[in] {
				continue
			}
			grads[in] = addOptional(grads[in], n.op.Backward(n, g, j))
		}
	}

	out := make([]*Node, len(xs))
	for i, x := range xs {
		if g := grads[x]; g != nil {
			out[i] = g
		} else {
			out[i] = zerosNode(x.Shape())
		}
	}
	return out
}

// JVP pushes tangents forward from xs to ys using each operation's native
// forward-mode rule. A nil tangent is zero. Outputs that do not depend on
// any tangent get zero nodes.
func JVP(ys, xs, tangents []*Node) []*Node {
	if len(xs) != len(tangents) {
		panic(fmt.Sprintf("JVP got %d inputs and %d tangents", len(xs), len(tangents)))
	}

	seeded := make(map[*Node]*Node)
	var active []*Node
	for i, x := range xs {
		t := tangents[i]
		if t == nil {
			continue
		}
		if !shapesEqual(t.Shape(), x.Shape()) {
			panic(fmt.Sprintf("tangent shape %v does not match input shape %v", t.Shape(), x.Shape()))
		}
		seeded[x] = addOptional(seeded[x], t)
		active = append(active, x)
	}

	targets := targetSet(active)
	deps := make(map[*Node]bool)
	for _, y := range ys {
		markDependents(y, targets, deps)
	}

	tang := make(map[*Node]*Node, len(seeded))
	for x, t := range seeded {
		tang[x] = t
	}
	inputs := make([]*Node, 0, 2)
	for _, n := range topoOrder(ys, deps) {
		if _, ok := seeded[n]; ok || n.op == nil {
			continue
		}
		inputs = inputs[:0]
		hasTangent := false
		for _, in := range n.inputs {
			t := tang[in]
			inputs = append(inputs, t)
			if t != nil {
				hasTangent = true
			}
		}
		if !hasTangent {
			continue
		}
		tang[n] = n.op.Tangent(n, append([]*Node(nil), inputs...))
	}

	out := make([]*Node, len(ys))
	for i, y := range ys {
		if t := tang[y]; t != nil {
			out[i] = t
		} else {
			out[i] = zerosNode(y.Shape())
		}
	}
	return out
}
