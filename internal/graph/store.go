package graph

import (
	"fmt"
	"strconv"
	"sync"

	"imgflow/internal/api/models"
	"imgflow/internal/ops"
)

// Store owns the nodes, edges, params and results of one flow. Every mutation
// goes through its methods and is validated at the boundary.
type Store struct {
	mu       sync.RWMutex
	registry *ops.Registry
	nextID   uint64
	nodes    map[models.NodeID]models.Node
	// inbound maps target -> port -> source. One entry per port by construction.
	inbound map[models.NodeID]map[models.Port]models.NodeID
	results map[models.NodeID]models.ResultEntry
}

func NewStore(registry *ops.Registry) *Store {
	return &Store{
		registry: registry,
		nextID:   1,
		nodes:    make(map[models.NodeID]models.Node),
		inbound:  make(map[models.NodeID]map[models.Port]models.NodeID),
		results:  make(map[models.NodeID]models.ResultEntry),
	}
}

func (s *Store) Registry() *ops.Registry {
	return s.registry
}

// AddNode creates a node with the next free id. Process nodes must name a
// registered opType; input and output nodes must not name one.
func (s *Store) AddNode(kind models.NodeKind, opType string) (models.Node, error) {
	if err := s.checkNode(kind, opType); err != nil {
		return models.Node{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.allocateID()
	node := models.Node{ID: id, Kind: kind, OpType: opType, Params: models.Params{}}
	s.nodes[id] = node
	return node.Clone(), nil
}

func (s *Store) checkNode(kind models.NodeKind, opType string) error {
	switch kind {
	case models.NodeKindProcess:
		if _, err := s.registry.Lookup(opType); err != nil {
			return err
		}
	case models.NodeKindInput, models.NodeKindOutput:
		if opType != "" {
			return invalidNodef("%s node cannot carry opType %q", kind, opType)
		}
	default:
		return invalidNodef("unknown kind %q", kind)
	}
	return nil
}

func (s *Store) allocateID() models.NodeID {
	for {
		id := models.NodeID(strconv.FormatUint(s.nextID, 10))
		s.nextID++
		if _, taken := s.nodes[id]; !taken {
			return id
		}
	}
}

// DeleteNode removes the node together with every edge touching it and its result.
func (s *Store) DeleteNode(id models.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return notFound(id)
	}
	delete(s.nodes, id)
	delete(s.inbound, id)
	delete(s.results, id)
	for target, ports := range s.inbound {
		for port, source := range ports {
			if source == id {
				delete(ports, port)
			}
		}
		if len(ports) == 0 {
			delete(s.inbound, target)
		}
	}
	return nil
}

// AddEdge connects source to a port of target. An existing edge on the same
// port is replaced. It returns the replaced edge, if any.
func (s *Store) AddEdge(edge models.Edge) (*models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkEdge(edge); err != nil {
		return nil, err
	}

	var replaced *models.Edge
	ports := s.inbound[edge.Target]
	if ports == nil {
		ports = make(map[models.Port]models.NodeID)
		s.inbound[edge.Target] = ports
	}
	if prev, ok := ports[edge.TargetPort]; ok {
		replaced = &models.Edge{Source: prev, Target: edge.Target, TargetPort: edge.TargetPort}
	}
	ports[edge.TargetPort] = edge.Source
	return replaced, nil
}

func (s *Store) checkEdge(edge models.Edge) error {
	source, ok := s.nodes[edge.Source]
	if !ok {
		return invalidEdgef("source %s does not exist", edge.Source)
	}
	target, ok := s.nodes[edge.Target]
	if !ok {
		return invalidEdgef("target %s does not exist", edge.Target)
	}
	if edge.Source == edge.Target {
		return invalidEdgef("self-loop on %s", edge.Source)
	}
	if !edge.TargetPort.Valid() {
		return invalidEdgef("unknown port %q", edge.TargetPort)
	}
	if source.Kind == models.NodeKindOutput {
		return invalidEdgef("output node %s cannot feed other nodes", edge.Source)
	}
	switch target.Kind {
	case models.NodeKindInput:
		return invalidEdgef("input node %s accepts no incoming edge", edge.Target)
	case models.NodeKindOutput:
		if edge.TargetPort != models.PortPrimary {
			return invalidEdgef("output node %s only has a primary port", edge.Target)
		}
	case models.NodeKindProcess:
		arity, err := s.registry.Arity(target.OpType)
		if err != nil {
			return err
		}
		if edge.TargetPort == models.PortSecondary && arity < 2 {
			return invalidEdgef("%s (%s) has no secondary port", edge.Target, target.OpType)
		}
	}
	if s.reachable(edge.Target, edge.Source) {
		return invalidEdgef("%s -> %s would create a cycle", edge.Source, edge.Target)
	}
	return nil
}

// reachable reports whether to can be reached from from along existing edges.
func (s *Store) reachable(from, to models.NodeID) bool {
	outbound := make(map[models.NodeID][]models.NodeID)
	for target, ports := range s.inbound {
		for _, source := range ports {
			outbound[source] = append(outbound[source], target)
		}
	}
	seen := map[models.NodeID]bool{from: true}
	stack := []models.NodeID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, next := range outbound[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// DeleteEdge removes the edge feeding the given port of target.
func (s *Store) DeleteEdge(target models.NodeID, port models.Port) (models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.inbound[target][port]
	if !ok {
		return models.Edge{}, &GraphError{Kind: ErrEdgeNotFound, Msg: fmt.Sprintf("%s:%s", target, port)}
	}
	delete(s.inbound[target], port)
	if len(s.inbound[target]) == 0 {
		delete(s.inbound, target)
	}
	return models.Edge{Source: source, Target: target, TargetPort: port}, nil
}

// SetParams merges partial into the explicit params of a process node.
// opType must match the node's operation.
func (s *Store) SetParams(id models.NodeID, opType string, partial models.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	if node.Kind != models.NodeKindProcess || node.OpType != opType {
		return &GraphError{Kind: ErrParamsMismatch, Msg: fmt.Sprintf("node %s is %s/%q, got %q", id, node.Kind, node.OpType, opType)}
	}
	if err := s.registry.ValidateParams(opType, partial); err != nil {
		return err
	}
	node.Params = node.Params.Merge(partial)
	s.nodes[id] = node
	return nil
}

func (s *Store) GetUpstream(id models.NodeID, port models.Port) (models.NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.inbound[id][port]
	return source, ok
}

func (s *Store) Node(id models.NodeID) (models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return models.Node{}, false
	}
	return n.Clone(), true
}

func (s *Store) Result(id models.NodeID) (models.ResultEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[id]
	if !ok {
		return models.ResultEntry{}, false
	}
	return r.Clone(), true
}

func (s *Store) SetResult(id models.NodeID, entry models.ResultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return notFound(id)
	}
	s.results[id] = entry.Clone()
	return nil
}

func (s *Store) ClearResult(id models.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.results, id)
}

// Snapshot copies the current content.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newSnapshot(s.nodes, s.inbound, s.results)
}

// Restore replaces the whole content with g and results. Nothing changes when
// any node, param, edge or result fails validation. The id allocator moves
// past the largest numeric id in g and never backwards.
func (s *Store) Restore(g Graph, results map[models.NodeID]models.ResultEntry) error {
	staged := NewStore(s.registry)
	var maxID uint64

	for _, n := range g.Nodes {
		if n.ID == "" {
			return invalidNodef("empty id")
		}
		if _, dup := staged.nodes[n.ID]; dup {
			return invalidNodef("duplicate id %s", n.ID)
		}
		if err := staged.checkNode(n.Kind, n.OpType); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		if len(n.Params) > 0 {
			if n.Kind != models.NodeKindProcess {
				return &GraphError{Kind: ErrParamsMismatch, Msg: fmt.Sprintf("%s node %s cannot carry params", n.Kind, n.ID)}
			}
			if err := s.registry.ValidateParams(n.OpType, n.Params); err != nil {
				return fmt.Errorf("node %s: %w", n.ID, err)
			}
		}
		node := n.Clone()
		if node.Params == nil {
			node.Params = models.Params{}
		}
		staged.nodes[n.ID] = node
		if num, ok := n.ID.Number(); ok && num > maxID {
			maxID = num
		}
	}

	for _, e := range g.Edges {
		if _, taken := staged.inbound[e.Target][e.TargetPort]; taken {
			return invalidEdgef("%s:%s has more than one edge", e.Target, e.TargetPort)
		}
		if _, err := staged.AddEdge(e); err != nil {
			return err
		}
	}

	for id, r := range results {
		if err := staged.SetResult(id, r); err != nil {
			return fmt.Errorf("result: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = staged.nodes
	s.inbound = staged.inbound
	s.results = staged.results
	if maxID+1 > s.nextID {
		s.nextID = maxID + 1
	}
	return nil
}
