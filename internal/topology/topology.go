// Package topology supplies the node and neighbor sets the dissemination
// engine floods over. A Topology is immutable once built.
package topology

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

var (
	ErrInvalidSize  = errors.New("topology: invalid size")
	ErrInvalidEdge  = errors.New("topology: invalid edge")
	ErrNotConnected = errors.New("topology: could not sample a connected graph")
)

// Edge is an undirected link between two node ids.
type Edge [2]int

// Topology is an undirected graph over dense, zero-based node ids.
type Topology struct {
	Name      string
	neighbors [][]int
}

// New builds a topology with n nodes. Duplicate edges are merged; self
// loops and ids outside [0,n) are rejected.
func New(name string, n int, edges []Edge) (*Topology, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d nodes", ErrInvalidSize, n)
	}
	adj := make([]map[int]struct{}, n)
	for i := range adj {
		adj[i] = make(map[int]struct{})
	}
	for _, e := range edges {
		a, b := e[0], e[1]
		if a < 0 || a >= n || b < 0 || b >= n || a == b {
			return nil, fmt.Errorf("%w: %d-%d with %d nodes", ErrInvalidEdge, a, b, n)
		}
		adj[a][b] = struct{}{}
		adj[b][a] = struct{}{}
	}

	t := &Topology{Name: name, neighbors: make([][]int, n)}
	for i, set := range adj {
		ns := make([]int, 0, len(set))
		for j := range set {
			ns = append(ns, j)
		}
		sort.Ints(ns)
		t.neighbors[i] = ns
	}
	return t, nil
}

// Len returns the number of nodes.
func (t *Topology) Len() int {
	return len(t.neighbors)
}

// Neighbors returns id's neighbors in ascending order. The slice must not
// be modified.
func (t *Topology) Neighbors(id int) []int {
	return t.neighbors[id]
}

// Edges lists every undirected edge once, lower id first.
func (t *Topology) Edges() []Edge {
	var out []Edge
	for a, ns := range t.neighbors {
		for _, b := range ns {
			if a < b {
				out = append(out, Edge{a, b})
			}
		}
	}
	return out
}

func (t *Topology) EdgeCount() int {
	total := 0
	for _, ns := range t.neighbors {
		total += len(ns)
	}
	return total / 2
}

func (t *Topology) AvgDegree() float64 {
	return float64(2*t.EdgeCount()) / float64(t.Len())
}

// Isolated counts nodes with no neighbors.
func (t *Topology) Isolated() int {
	count := 0
	for _, ns := range t.neighbors {
		if len(ns) == 0 {
			count++
		}
	}
	return count
}

// HopDistances runs a BFS from src. Unreachable nodes get -1.
func (t *Topology) HopDistances(src int) []int {
	dist := make([]int, t.Len())
	for i := range dist {
		dist[i] = -1
	}
	dist[src] = 0
	queue := []int{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range t.neighbors[cur] {
			if dist[nb] == -1 {
				dist[nb] = dist[cur] + 1
				queue = append(queue, nb)
			}
		}
	}
	return dist
}

// Connected reports whether every node is reachable from node 0.
func (t *Topology) Connected() bool {
	for _, d := range t.HopDistances(0) {
		if d < 0 {
			return false
		}
	}
	return true
}

// Diameter is the longest shortest path, or -1 if the graph is disconnected.
func (t *Topology) Diameter() int {
	diameter := 0
	for src := 0; src < t.Len(); src++ {
		for _, d := range t.HopDistances(src) {
			if d < 0 {
				return -1
			}
			if d > diameter {
				diameter = d
			}
		}
	}
	return diameter
}

// Ring links node i to i+1 and closes the loop.
func Ring(n int) (*Topology, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: ring of %d", ErrInvalidSize, n)
	}
	var edges []Edge
	if n > 1 {
		for i := 0; i < n; i++ {
			j := (i + 1) % n
			if i != j {
				edges = append(edges, Edge{i, j})
			}
		}
	}
	return New(fmt.Sprintf("ring_%d", n), n, edges)
}

// Structured is a Walker-style constellation: planes of satellites, each
// plane a ring, with every satellite linked to the same slot in the next
// plane.
func Structured(planes, perPlane int) (*Topology, error) {
	if planes < 1 || perPlane < 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, planes, perPlane)
	}
	n := planes * perPlane
	var edges []Edge
	for p := 0; p < planes; p++ {
		for s := 0; s < perPlane; s++ {
			node := p*perPlane + s
			if next := p*perPlane + (s+1)%perPlane; next != node {
				edges = append(edges, Edge{node, next})
			}
			if other := ((p+1)%planes)*perPlane + s; other != node {
				edges = append(edges, Edge{node, other})
			}
		}
	}
	return New(fmt.Sprintf("structured_%dx%d", planes, perPlane), n, edges)
}

// RandomConnected samples G(n, p) until the graph is connected, giving up
// after maxTries samples.
func RandomConnected(n int, p float64, rng *rand.Rand, maxTries int) (*Topology, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: random graph of %d", ErrInvalidSize, n)
	}
	for try := 0; try < maxTries; try++ {
		var edges []Edge
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				if rng.Float64() < p {
					edges = append(edges, Edge{a, b})
				}
			}
		}
		t, err := New(fmt.Sprintf("random_%d_p%.2f", n, p), n, edges)
		if err != nil {
			return nil, err
		}
		if t.Connected() {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: n=%d p=%.3f after %d tries", ErrNotConnected, n, p, maxTries)
}
