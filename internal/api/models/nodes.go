package models

import (
	"sort"
	"strconv"
)

// NodeID identifies a node within one flow. Ids are allocated from a counter
// starting at 1 and are never reused.
type NodeID string

// Number returns the numeric value of the id when it is a plain counter value.
func (id NodeID) Number() (uint64, bool) {
	n, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Less orders ids numerically when both are counter values, lexically otherwise.
// Numeric ids sort before non-numeric ones.
func (id NodeID) Less(other NodeID) bool {
	a, aok := id.Number()
	b, bok := other.Number()
	switch {
	case aok && bok:
		if a != b {
			return a < b
		}
		return id < other
	case aok:
		return true
	case bok:
		return false
	default:
		return id < other
	}
}

type NodeKind string

const (
	NodeKindInput   NodeKind = "input"
	NodeKindOutput  NodeKind = "output"
	NodeKindProcess NodeKind = "process"
)

func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindInput, NodeKindOutput, NodeKindProcess:
		return true
	}
	return false
}

type Node struct {
	ID   NodeID   `json:"id"`
	Kind NodeKind `json:"kind"`
	// OpType is set for process nodes only and never changes after creation.
	OpType string `json:"opType,omitempty"`
	// Params holds the explicit parameters. Persisted separately under nodeParams.
	Params Params `json:"-"`
}

// Clone returns a deep copy of the node.
func (slf Node) Clone() Node {
	out := slf
	out.Params = slf.Params.Clone()
	return out
}

func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.Less(nodes[j].ID) })
}
