package graph

import (
	"errors"
	"fmt"
	"strings"

	"imgflow/internal/api/models"
)

var (
	ErrInvalidEdge    = errors.New("invalid edge")
	ErrInvalidNode    = errors.New("invalid node")
	ErrCyclicGraph    = errors.New("cyclic graph")
	ErrNodeNotFound   = errors.New("node not found")
	ErrEdgeNotFound   = errors.New("edge not found")
	ErrParamsMismatch = errors.New("params do not match node operation")
)

// GraphError carries one of the sentinels above plus a detail message.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidEdgef(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidEdge, Msg: fmt.Sprintf(format, args...)}
}

func invalidNodef(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidNode, Msg: fmt.Sprintf(format, args...)}
}

func notFound(id models.NodeID) error {
	return &GraphError{Kind: ErrNodeNotFound, Msg: string(id)}
}

func cycleError(path []models.NodeID) error {
	msg := "cycle"
	if len(path) > 0 {
		parts := make([]string, len(path))
		for i, id := range path {
			parts[i] = string(id)
		}
		msg = "cycle: " + strings.Join(parts, " -> ")
	}
	return &GraphError{Kind: ErrCyclicGraph, Msg: msg}
}
