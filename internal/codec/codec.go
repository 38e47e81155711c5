package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"imgflow/internal/api/models"
	"imgflow/internal/graph"
)

var ErrMalformedDocument = errors.New("malformed document")

// Scope selects which node results are embedded in an encoded document.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeInputOnly Scope = "input-only"
	ScopeNone      Scope = "none"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeAll, ScopeInputOnly, ScopeNone:
		return Scope(s), nil
	case "":
		return ScopeAll, nil
	}
	return "", fmt.Errorf("unknown result scope %q", s)
}

// Payload is the embedded form of a node result. Image is base64 in JSON.
type Payload struct {
	Image    []byte          `json:"image,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Document is the decoded content of a persisted flow.
type Document struct {
	Graph   graph.Graph
	Results map[models.NodeID]Payload
}

type wireDocument struct {
	Nodes      []models.Node                   `json:"nodes"`
	Edges      []models.Edge                   `json:"edges"`
	ResultData map[models.NodeID]Payload       `json:"resultData"`
	NodeParams map[models.NodeID]models.Params `json:"nodeParams"`
}

// Encode serializes g and the results allowed by scope. Nodes and edges are
// written in id order and maps are key-sorted, so equal input gives equal bytes.
func Encode(g graph.Graph, results map[models.NodeID]Payload, scope Scope) ([]byte, error) {
	doc := wireDocument{
		Nodes:      slices.Clone(g.Nodes),
		Edges:      slices.Clone(g.Edges),
		ResultData: make(map[models.NodeID]Payload),
		NodeParams: make(map[models.NodeID]models.Params),
	}
	if doc.Nodes == nil {
		doc.Nodes = []models.Node{}
	}
	if doc.Edges == nil {
		doc.Edges = []models.Edge{}
	}
	models.SortNodes(doc.Nodes)
	models.SortEdges(doc.Edges)

	kinds := make(map[models.NodeID]models.NodeKind, len(doc.Nodes))
	for _, n := range doc.Nodes {
		kinds[n.ID] = n.Kind
		if len(n.Params) > 0 {
			doc.NodeParams[n.ID] = n.Params
		}
	}

	for id, p := range results {
		kind, ok := kinds[id]
		if !ok {
			continue
		}
		switch scope {
		case ScopeAll:
		case ScopeInputOnly:
			if kind != models.NodeKindInput {
				continue
			}
		case ScopeNone:
			continue
		default:
			return nil, fmt.Errorf("unknown result scope %q", scope)
		}
		doc.ResultData[id] = p
	}

	return json.Marshal(doc)
}

// Decode parses and checks a document. It never touches a store; callers
// apply the result with graph.Store.Restore, which is atomic.
func Decode(data []byte) (Document, error) {
	var doc wireDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, malformed("%v", err)
	}
	if doc.Nodes == nil {
		return Document{}, malformed("missing nodes")
	}

	nodes := make(map[models.NodeID]models.Node, len(doc.Nodes))
	out := Document{
		Graph:   graph.Graph{Nodes: make([]models.Node, 0, len(doc.Nodes))},
		Results: make(map[models.NodeID]Payload, len(doc.ResultData)),
	}

	for _, n := range doc.Nodes {
		switch {
		case n.ID == "":
			return Document{}, malformed("node with empty id")
		case !n.Kind.Valid():
			return Document{}, malformed("node %s has unknown kind %q", n.ID, n.Kind)
		case n.Kind == models.NodeKindProcess && n.OpType == "":
			return Document{}, malformed("process node %s has no opType", n.ID)
		}
		if _, dup := nodes[n.ID]; dup {
			return Document{}, malformed("duplicate node id %s", n.ID)
		}
		n.Params = models.Params{}
		nodes[n.ID] = n
	}

	for id, p := range doc.NodeParams {
		n, ok := nodes[id]
		if !ok {
			return Document{}, malformed("params for unknown node %s", id)
		}
		n.Params = p.Clone()
		nodes[id] = n
	}

	taken := make(map[models.NodeID]map[models.Port]bool)
	for _, e := range doc.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return Document{}, malformed("edge from unknown node %s", e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return Document{}, malformed("edge to unknown node %s", e.Target)
		}
		if !e.TargetPort.Valid() {
			return Document{}, malformed("edge %s->%s has unknown port %q", e.Source, e.Target, e.TargetPort)
		}
		if taken[e.Target][e.TargetPort] {
			return Document{}, malformed("port %s:%s has more than one edge", e.Target, e.TargetPort)
		}
		if taken[e.Target] == nil {
			taken[e.Target] = make(map[models.Port]bool)
		}
		taken[e.Target][e.TargetPort] = true
		out.Graph.Edges = append(out.Graph.Edges, e)
	}

	for id, p := range doc.ResultData {
		if _, ok := nodes[id]; !ok {
			return Document{}, malformed("result for unknown node %s", id)
		}
		out.Results[id] = p
	}

	for _, n := range nodes {
		out.Graph.Nodes = append(out.Graph.Nodes, n)
	}
	models.SortNodes(out.Graph.Nodes)
	models.SortEdges(out.Graph.Edges)
	return out, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDocument, fmt.Sprintf(format, args...))
}
