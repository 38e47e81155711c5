package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"imgflow/internal/api/models"
)

type MessageType string

const (
	// Graph edits, applied through the flow service then echoed to the room
	MessageTypeNodeAdd    MessageType = "node.add"
	MessageTypeNodeDelete MessageType = "node.delete"
	MessageTypeEdgeAdd    MessageType = "edge.add"
	MessageTypeEdgeDelete MessageType = "edge.delete"
	MessageTypeParamsSet  MessageType = "params.set"
	MessageTypeNodeRetry  MessageType = "node.retry"

	// Relayed as is
	MessageTypeCursorMove MessageType = "cursor.move"

	// Server originated
	MessageTypeNodeResult MessageType = "node.result"
	MessageTypeUserJoin   MessageType = "user.join"
	MessageTypeUserLeave  MessageType = "user.leave"
	MessageTypeError      MessageType = "error"
)

type NodeAddData struct {
	Kind   models.NodeKind `json:"kind" validate:"required,oneof=input output process"`
	OpType string          `json:"opType,omitempty"`
	// Set by the server once the node exists
	Node *models.Node `json:"node,omitempty"`
}

type NodeRefData struct {
	NodeID models.NodeID `json:"nodeId" validate:"required"`
}

type EdgeAddData struct {
	Source     models.NodeID `json:"source" validate:"required"`
	Target     models.NodeID `json:"target" validate:"required"`
	TargetPort models.Port   `json:"targetPort" validate:"required,oneof=primary secondary"`
	// Edge that was on the same port before, if any
	Replaced *models.Edge `json:"replaced,omitempty"`
}

type EdgeDeleteData struct {
	Target     models.NodeID `json:"target" validate:"required"`
	TargetPort models.Port   `json:"targetPort" validate:"required,oneof=primary secondary"`
	Source     models.NodeID `json:"source,omitempty"`
}

type ParamsSetData struct {
	NodeID models.NodeID `json:"nodeId" validate:"required"`
	OpType string        `json:"opType" validate:"required"`
	Params models.Params `json:"params" validate:"required"`
}

// NodeResultData is pushed to a room whenever the result of a node changes.
type NodeResultData struct {
	NodeID   models.NodeID   `json:"nodeId"`
	Cleared  bool            `json:"cleared"`
	Digest   string          `json:"digest,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// UserInfo represents user information in the room
type UserInfo struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// ErrorMessage represents an error message
type ErrorMessage struct {
	Error         string `json:"error,omitempty"`
	CustomMessage string `json:"customMessage"`
}

// NewErrorMessage creates a new error message
func NewErrorMessage(flowID uint, userID uint, username string, errorText string, errs ...error) Message {
	data := ErrorMessage{CustomMessage: errorText}
	if err := errors.Join(errs...); err != nil {
		data.Error = err.Error()
	}
	return Message{
		Type:      MessageTypeError,
		FlowID:    flowID,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewNodeResultMessage(flowID uint, nodeID models.NodeID, entry models.ResultEntry, cleared bool) Message {
	data := NodeResultData{NodeID: nodeID, Cleared: cleared}
	if !cleared {
		data.Digest = entry.Digest
		data.Error = entry.Err
		data.Metadata = entry.Metadata
	}
	return Message{
		Type:      MessageTypeNodeResult,
		FlowID:    flowID,
		Username:  "system",
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewUserJoinMessage creates a new user join message
func NewUserJoinMessage(flowID uint, userID uint, username string, userInfo UserInfo) Message {
	return Message{
		Type:      MessageTypeUserJoin,
		FlowID:    flowID,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now(),
		Data:      userInfo,
	}
}

// NewUserLeaveMessage creates a new user leave message
func NewUserLeaveMessage(flowID uint, userID uint, username string, userInfo UserInfo) Message {
	return Message{
		Type:      MessageTypeUserLeave,
		FlowID:    flowID,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now(),
		Data:      userInfo,
	}
}
