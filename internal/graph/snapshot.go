package graph

import (
	"container/heap"

	"imgflow/internal/api/models"
)

// Graph is the plain node and edge content of a flow, with explicit params
// carried on each node.
type Graph struct {
	Nodes []models.Node
	Edges []models.Edge
}

// Snapshot is an immutable copy of the store taken under its lock. Readers
// use it to work against one consistent state while the store keeps mutating.
type Snapshot struct {
	nodes    map[models.NodeID]models.Node
	ids      []models.NodeID
	inbound  map[models.NodeID]map[models.Port]models.NodeID
	outbound map[models.NodeID][]models.NodeID
	results  map[models.NodeID]models.ResultEntry
}

func newSnapshot(nodes map[models.NodeID]models.Node, inbound map[models.NodeID]map[models.Port]models.NodeID, results map[models.NodeID]models.ResultEntry) *Snapshot {
	s := &Snapshot{
		nodes:    make(map[models.NodeID]models.Node, len(nodes)),
		ids:      make([]models.NodeID, 0, len(nodes)),
		inbound:  make(map[models.NodeID]map[models.Port]models.NodeID, len(inbound)),
		outbound: make(map[models.NodeID][]models.NodeID),
		results:  make(map[models.NodeID]models.ResultEntry, len(results)),
	}
	for id, n := range nodes {
		s.nodes[id] = n.Clone()
		s.ids = append(s.ids, id)
	}
	models.SortNodeIDs(s.ids)

	for target, ports := range inbound {
		cp := make(map[models.Port]models.NodeID, len(ports))
		for port, source := range ports {
			cp[port] = source
			s.outbound[source] = append(s.outbound[source], target)
		}
		s.inbound[target] = cp
	}
	for source := range s.outbound {
		models.SortNodeIDs(s.outbound[source])
	}
	for id, r := range results {
		s.results[id] = r.Clone()
	}
	return s
}

func (s *Snapshot) Len() int { return len(s.ids) }

func (s *Snapshot) Node(id models.NodeID) (models.Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return models.Node{}, false
	}
	return n.Clone(), true
}

// NodeIDs returns all ids in ascending order.
func (s *Snapshot) NodeIDs() []models.NodeID {
	return append([]models.NodeID(nil), s.ids...)
}

// Nodes returns copies of all nodes ordered by id.
func (s *Snapshot) Nodes() []models.Node {
	out := make([]models.Node, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.nodes[id].Clone())
	}
	return out
}

// Edges returns all edges ordered by target then port.
func (s *Snapshot) Edges() []models.Edge {
	out := make([]models.Edge, 0, len(s.inbound))
	for target, ports := range s.inbound {
		for port, source := range ports {
			out = append(out, models.Edge{Source: source, Target: target, TargetPort: port})
		}
	}
	models.SortEdges(out)
	return out
}

func (s *Snapshot) Graph() Graph {
	return Graph{Nodes: s.Nodes(), Edges: s.Edges()}
}

// Upstream returns the source connected to the given input port of id.
func (s *Snapshot) Upstream(id models.NodeID, port models.Port) (models.NodeID, bool) {
	source, ok := s.inbound[id][port]
	return source, ok
}

// Children returns the direct downstream neighbours of id.
func (s *Snapshot) Children(id models.NodeID) []models.NodeID {
	return append([]models.NodeID(nil), s.outbound[id]...)
}

// Downstream returns id plus every node reachable forward from it, ordered by id.
func (s *Snapshot) Downstream(id models.NodeID) []models.NodeID {
	if _, ok := s.nodes[id]; !ok {
		return nil
	}
	seen := map[models.NodeID]bool{id: true}
	stack := []models.NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range s.outbound[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	out := make([]models.NodeID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	models.SortNodeIDs(out)
	return out
}

func (s *Snapshot) Result(id models.NodeID) (models.ResultEntry, bool) {
	r, ok := s.results[id]
	if !ok {
		return models.ResultEntry{}, false
	}
	return r.Clone(), true
}

func (s *Snapshot) Results() map[models.NodeID]models.ResultEntry {
	out := make(map[models.NodeID]models.ResultEntry, len(s.results))
	for id, r := range s.results {
		out[id] = r.Clone()
	}
	return out
}

type idMinHeap []models.NodeID

func (h idMinHeap) Len() int           { return len(h) }
func (h idMinHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h idMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idMinHeap) Push(x any)        { *h = append(*h, x.(models.NodeID)) }
func (h *idMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopoOrder returns a topological order of all nodes. Among nodes that are
// ready at the same time the smallest id goes first, so the order is stable.
func (s *Snapshot) TopoOrder() ([]models.NodeID, error) {
	indeg := make(map[models.NodeID]int, len(s.ids))
	for target, ports := range s.inbound {
		indeg[target] = len(ports)
	}

	ready := &idMinHeap{}
	for _, id := range s.ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]models.NodeID, 0, len(s.ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(models.NodeID)
		out = append(out, n)
		for _, m := range s.outbound[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) != len(s.ids) {
		return nil, cycleError(s.findCycle())
	}
	return out, nil
}

// findCycle returns one cycle as a closed path, found by a DFS over ids in
// ascending order.
func (s *Snapshot) findCycle() []models.NodeID {
	const (
		white = iota
		gray
		black
	)
	color := make(map[models.NodeID]int, len(s.ids))
	parent := make(map[models.NodeID]models.NodeID, len(s.ids))
	var cycle []models.NodeID

	var dfs func(u models.NodeID) bool
	dfs = func(u models.NodeID) bool {
		color[u] = gray
		for _, v := range s.outbound[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range s.ids {
		if color[id] == white && dfs(id) {
			break
		}
	}

	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
