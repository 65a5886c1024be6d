// Package dag provides an immutable generic directed-acyclic-graph value
// type. It is the structural backbone of workflow definitions: nodes carry
// arbitrary data, edges carry arbitrary data, and named groups collect
// nodes for parallel execution.
//
// Every mutating operation returns a new DAG and never modifies its
// receiver, so a DAG handed to another component can be retained safely.
// The edge relation is acyclic at all times: an edge that would close a
// cycle is rejected before insertion and the original graph is unchanged.
package dag

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownNode is returned when an edge or group references a node
	// that has not been added to the graph.
	ErrUnknownNode = errors.New("dag: unknown node")

	// ErrDuplicateNode is returned when a node ID is added twice.
	ErrDuplicateNode = errors.New("dag: duplicate node")

	// ErrCycle is returned when an edge would make the graph cyclic.
	ErrCycle = errors.New("dag: edge would create a cycle")
)

// EdgeKey identifies a directed edge by its endpoints.
type EdgeKey struct {
	From string
	To   string
}

// DAG is an immutable directed acyclic graph. N is the node data type,
// E is the edge data type. The zero value is not usable; create one
// with New.
type DAG[N, E any] struct {
	nodes  map[string]N
	order  []string // node ids in insertion order
	edges  map[EdgeKey]E
	out    map[string][]string // successors in edge-insertion order
	in     map[string][]string // predecessors in edge-insertion order
	groups map[string][]string
}

// New returns an empty DAG.
func New[N, E any]() *DAG[N, E] {
	return &DAG[N, E]{
		nodes:  make(map[string]N),
		edges:  make(map[EdgeKey]E),
		out:    make(map[string][]string),
		in:     make(map[string][]string),
		groups: make(map[string][]string),
	}
}

// clone returns a deep copy of the graph's bookkeeping structures.
// Node and edge data values are copied shallowly.
func (d *DAG[N, E]) clone() *DAG[N, E] {
	c := &DAG[N, E]{
		nodes:  make(map[string]N, len(d.nodes)),
		order:  append([]string(nil), d.order...),
		edges:  make(map[EdgeKey]E, len(d.edges)),
		out:    make(map[string][]string, len(d.out)),
		in:     make(map[string][]string, len(d.in)),
		groups: make(map[string][]string, len(d.groups)),
	}
	for k, v := range d.nodes {
		c.nodes[k] = v
	}
	for k, v := range d.edges {
		c.edges[k] = v
	}
	for k, v := range d.out {
		c.out[k] = append([]string(nil), v...)
	}
	for k, v := range d.in {
		c.in[k] = append([]string(nil), v...)
	}
	for k, v := range d.groups {
		c.groups[k] = append([]string(nil), v...)
	}
	return c
}

// AddNode returns a new DAG containing the given node.
// Fails with ErrDuplicateNode if the ID is already present.
func (d *DAG[N, E]) AddNode(nodeID string, data N) (*DAG[N, E], error) {
	if _, exists := d.nodes[nodeID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, nodeID)
	}

	c := d.clone()
	c.nodes[nodeID] = data
	c.order = append(c.order, nodeID)
	return c, nil
}

// AddEdge returns a new DAG containing the directed edge from → to.
// Fails with ErrUnknownNode if either endpoint is absent, and with
// ErrCycle if the edge would close a cycle. The cycle check runs before
// insertion: a rejected edge leaves no observable change.
func (d *DAG[N, E]) AddEdge(from, to string, data E) (*DAG[N, E], error) {
	if _, ok := d.nodes[from]; !ok {
		return nil, fmt.Errorf("%w: edge source %q", ErrUnknownNode, from)
	}
	if _, ok := d.nodes[to]; !ok {
		return nil, fmt.Errorf("%w: edge target %q", ErrUnknownNode, to)
	}
	if from == to {
		return nil, fmt.Errorf("%w: self-edge on %q", ErrCycle, from)
	}
	// The new edge closes a cycle iff from is already reachable from to.
	if d.reachable(to, from) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrCycle, from, to)
	}

	c := d.clone()
	key := EdgeKey{From: from, To: to}
	if _, exists := c.edges[key]; !exists {
		c.out[from] = append(c.out[from], to)
		c.in[to] = append(c.in[to], from)
	}
	c.edges[key] = data
	return c, nil
}

// AddToGroup returns a new DAG with the given nodes appended to the named
// group. Fails with ErrUnknownNode for undeclared nodes. Adding a node to
// a group it already belongs to is a no-op.
func (d *DAG[N, E]) AddToGroup(group string, nodeIDs ...string) (*DAG[N, E], error) {
	for _, nodeID := range nodeIDs {
		if _, ok := d.nodes[nodeID]; !ok {
			return nil, fmt.Errorf("%w: group %q member %q", ErrUnknownNode, group, nodeID)
		}
	}

	c := d.clone()
	for _, nodeID := range nodeIDs {
		if !contains(c.groups[group], nodeID) {
			c.groups[group] = append(c.groups[group], nodeID)
		}
	}
	return c, nil
}

// reachable reports whether target can be reached from start by
// following directed edges.
func (d *DAG[N, E]) reachable(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range d.out[cur] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// TopoSort returns a topological ordering of all nodes. Ties are broken
// by node insertion order, so identical construction sequences always
// produce identical output.
func (d *DAG[N, E]) TopoSort() []string {
	indegree := make(map[string]int, len(d.nodes))
	for _, nodeID := range d.order {
		indegree[nodeID] = len(d.in[nodeID])
	}

	idx := make(map[string]int, len(d.order))
	for i, nodeID := range d.order {
		idx[nodeID] = i
	}

	// ready holds zero-indegree nodes, kept sorted by insertion index.
	ready := make([]string, 0, len(d.order))
	for _, nodeID := range d.order {
		if indegree[nodeID] == 0 {
			ready = append(ready, nodeID)
		}
	}

	insert := func(nodeID string) {
		pos := len(ready)
		for i, r := range ready {
			if idx[nodeID] < idx[r] {
				pos = i
				break
			}
		}
		ready = append(ready, "")
		copy(ready[pos+1:], ready[pos:])
		ready[pos] = nodeID
	}

	sorted := make([]string, 0, len(d.order))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		sorted = append(sorted, cur)

		for _, next := range d.out[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				insert(next)
			}
		}
	}

	return sorted
}

// CriticalPath computes the maximum-weight path through the DAG using a
// single dynamic-programming pass in topological order. weight maps a
// node to its cost; nil weights count every node as 1. Returns the total
// weight and the node IDs along the path in execution order. An empty
// graph returns (0, nil).
func (d *DAG[N, E]) CriticalPath(weight func(nodeID string, data N) float64) (float64, []string) {
	if len(d.nodes) == 0 {
		return 0, nil
	}
	if weight == nil {
		weight = func(string, N) float64 { return 1 }
	}

	dist := make(map[string]float64, len(d.nodes))
	prev := make(map[string]string, len(d.nodes))

	var bestEnd string
	var bestDist float64
	first := true

	for _, nodeID := range d.TopoSort() {
		w := weight(nodeID, d.nodes[nodeID])
		best := 0.0
		bestPred := ""
		for _, pred := range d.in[nodeID] {
			if dist[pred] > best || bestPred == "" {
				best = dist[pred]
				bestPred = pred
			}
		}
		dist[nodeID] = best + w
		if bestPred != "" {
			prev[nodeID] = bestPred
		}
		if first || dist[nodeID] > bestDist {
			bestEnd = nodeID
			bestDist = dist[nodeID]
			first = false
		}
	}

	// Walk back from the heaviest endpoint.
	var path []string
	for cur := bestEnd; ; {
		path = append(path, cur)
		p, ok := prev[cur]
		if !ok {
			break
		}
		cur = p
	}
	// Reverse into execution order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return bestDist, path
}

// Validate re-checks the graph invariants: every edge references existing
// nodes, every group member is declared, and the edge relation is acyclic.
// These hold by construction; Validate exists for graphs rebuilt from
// external storage.
func (d *DAG[N, E]) Validate() error {
	for key := range d.edges {
		if _, ok := d.nodes[key.From]; !ok {
			return fmt.Errorf("%w: edge source %q", ErrUnknownNode, key.From)
		}
		if _, ok := d.nodes[key.To]; !ok {
			return fmt.Errorf("%w: edge target %q", ErrUnknownNode, key.To)
		}
	}
	for group, members := range d.groups {
		for _, nodeID := range members {
			if _, ok := d.nodes[nodeID]; !ok {
				return fmt.Errorf("%w: group %q member %q", ErrUnknownNode, group, nodeID)
			}
		}
	}
	if len(d.TopoSort()) != len(d.nodes) {
		return ErrCycle
	}
	return nil
}

// MustValidate is like Validate but panics on error. Use when an invalid
// graph indicates a programming error.
func (d *DAG[N, E]) MustValidate() {
	if err := d.Validate(); err != nil {
		panic(fmt.Sprintf("dag: invalid graph: %v", err))
	}
}

// Len returns the number of nodes.
func (d *DAG[N, E]) Len() int { return len(d.nodes) }

// Has reports whether the node exists.
func (d *DAG[N, E]) Has(nodeID string) bool {
	_, ok := d.nodes[nodeID]
	return ok
}

// Node returns the data for a node.
func (d *DAG[N, E]) Node(nodeID string) (N, bool) {
	data, ok := d.nodes[nodeID]
	return data, ok
}

// Nodes returns all node IDs in insertion order.
func (d *DAG[N, E]) Nodes() []string {
	return append([]string(nil), d.order...)
}

// Edge returns the data for the edge from → to.
func (d *DAG[N, E]) Edge(from, to string) (E, bool) {
	data, ok := d.edges[EdgeKey{From: from, To: to}]
	return data, ok
}

// Edges returns all edge keys.
func (d *DAG[N, E]) Edges() []EdgeKey {
	keys := make([]EdgeKey, 0, len(d.edges))
	for _, from := range d.order {
		for _, to := range d.out[from] {
			keys = append(keys, EdgeKey{From: from, To: to})
		}
	}
	return keys
}

// Dependencies returns the direct predecessors of a node.
func (d *DAG[N, E]) Dependencies(nodeID string) []string {
	return append([]string(nil), d.in[nodeID]...)
}

// Dependents returns the direct successors of a node.
func (d *DAG[N, E]) Dependents(nodeID string) []string {
	return append([]string(nil), d.out[nodeID]...)
}

// Roots returns all nodes with no predecessors, in insertion order.
func (d *DAG[N, E]) Roots() []string {
	var roots []string
	for _, nodeID := range d.order {
		if len(d.in[nodeID]) == 0 {
			roots = append(roots, nodeID)
		}
	}
	return roots
}

// Group returns the members of a named group in insertion order.
func (d *DAG[N, E]) Group(name string) []string {
	return append([]string(nil), d.groups[name]...)
}

// Groups returns all group names with at least one member.
func (d *DAG[N, E]) Groups() []string {
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
