package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imgflow/internal/api/models"
)

// ResultEvent is published every time the result of a node changes.
type ResultEvent struct {
	FlowID    uint            `json:"flowId"`
	NodeID    models.NodeID   `json:"nodeId"`
	Cleared   bool            `json:"cleared"`
	Handle    string          `json:"handle,omitempty"`
	Digest    string          `json:"digest,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewResultEvent(flowID uint, nodeID models.NodeID, entry models.ResultEntry, cleared bool) ResultEvent {
	ev := ResultEvent{FlowID: flowID, NodeID: nodeID, Cleared: cleared, Timestamp: time.Now().UTC()}
	if !cleared {
		ev.Handle = entry.Handle
		ev.Digest = entry.Digest
		ev.Error = entry.Err
		ev.Metadata = entry.Metadata
	}
	return ev
}

// ResultSubject is "<prefix>.flow.<flowID>.node.<nodeID>.result". Characters
// NATS reserves are replaced in the node token; subscribers read the node id
// from the payload.
func ResultSubject(prefix string, flowID uint, nodeID models.NodeID) string {
	return fmt.Sprintf("%s.flow.%d.node.%s.result", prefix, flowID, subjectToken(string(nodeID)))
}

// ResultWildcard matches the result events of every flow.
func ResultWildcard(prefix string) string {
	return prefix + ".flow.*.node.*.result"
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// parseFlowIDFromSubject extracts flowID from a subject built by
// ResultSubject. The prefix may itself contain dots.
func parseFlowIDFromSubject(subject string) (uint, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 6 {
		return 0, fmt.Errorf("expected at least 6 parts, got %d", len(parts))
	}
	tail := parts[len(parts)-5:]
	if tail[0] != "flow" || tail[2] != "node" || tail[4] != "result" {
		return 0, fmt.Errorf("not a result subject")
	}
	id, err := strconv.ParseUint(tail[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid flow id %q: %w", tail[1], err)
	}
	return uint(id), nil
}
