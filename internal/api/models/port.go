package models

import "sort"

// Port names the input slot an edge feeds on its target node.
type Port string

const (
	PortPrimary   Port = "primary"
	PortSecondary Port = "secondary"
)

func (p Port) Valid() bool {
	return p == PortPrimary || p == PortSecondary
}

type Edge struct {
	Source     NodeID `json:"source"`
	Target     NodeID `json:"target"`
	TargetPort Port   `json:"targetPort"`
}

// SortEdges orders edges by target id, then primary before secondary.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Target != edges[j].Target {
			return edges[i].Target.Less(edges[j].Target)
		}
		return edges[i].TargetPort == PortPrimary && edges[j].TargetPort == PortSecondary
	})
}
