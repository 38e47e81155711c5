package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"imgflow/internal/api/models"
	"imgflow/pkg"
)

// FlowEditor is the part of the flow service the websocket edits go through.
type FlowEditor interface {
	AddNode(flowID uint, kind models.NodeKind, opType string) (models.Node, error)
	DeleteNode(ctx context.Context, flowID uint, id models.NodeID) error
	AddEdge(flowID uint, edge models.Edge) (*models.Edge, error)
	DeleteEdge(flowID uint, target models.NodeID, port models.Port) (models.Edge, error)
	SetParams(flowID uint, id models.NodeID, opType string, partial models.Params) (models.Node, error)
	Retry(flowID uint, id models.NodeID) error
}

// MessageProcessor applies graph edits received over WebSocket
type MessageProcessor struct {
	flows  FlowEditor
	logger zerolog.Logger
}

func NewMessageProcessor(flows FlowEditor, logger zerolog.Logger) *MessageProcessor {
	return &MessageProcessor{
		flows:  flows,
		logger: logger,
	}
}

// ProcessMessage applies msg to its flow. It returns the message to
// broadcast, with Data completed by what the server decided (new node id,
// replaced edge), or an error for the sender alone.
func (p *MessageProcessor) ProcessMessage(ctx context.Context, msg *Message) (*Message, error) {
	switch msg.Type {
	case MessageTypeNodeAdd:
		return p.processNodeAdd(msg)
	case MessageTypeNodeDelete:
		return p.processNodeDelete(ctx, msg)
	case MessageTypeEdgeAdd:
		return p.processEdgeAdd(msg)
	case MessageTypeEdgeDelete:
		return p.processEdgeDelete(msg)
	case MessageTypeParamsSet:
		return p.processParamsSet(msg)
	case MessageTypeNodeRetry:
		return p.processNodeRetry(msg)

	default:
		return msg, nil
	}
}

// validateData round-trips msg.Data into out and checks its validate tags.
func (p *MessageProcessor) validateData(msg *Message, out any) error {
	dataBytes, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal message data: %w", err)
	}

	if err = json.Unmarshal(dataBytes, out); err != nil {
		return fmt.Errorf("invalid message data: %w", err)
	}

	if err = pkg.Validate(out); err != nil {
		return fmt.Errorf("invalid message data: %w", err)
	}
	return nil
}

func (p *MessageProcessor) processNodeAdd(msg *Message) (*Message, error) {
	var data NodeAddData
	if err := p.validateData(msg, &data); err != nil {
		return nil, err
	}

	node, err := p.flows.AddNode(msg.FlowID, data.Kind, data.OpType)
	if err != nil {
		return nil, fmt.Errorf("failed to add node: %w", err)
	}
	data.Node = &node
	msg.Data = data

	p.logger.Info().
		Uint("flowId", msg.FlowID).
		Uint("userId", msg.UserID).
		Str("nodeId", string(node.ID)).
		Msg("Node added via WebSocket")
	return msg, nil
}

func (p *MessageProcessor) processNodeDelete(ctx context.Context, msg *Message) (*Message, error) {
	var data NodeRefData
	if err := p.validateData(msg, &data); err != nil {
		return nil, err
	}

	if err := p.flows.DeleteNode(ctx, msg.FlowID, data.NodeID); err != nil {
		return nil, fmt.Errorf("failed to delete node: %w", err)
	}
	msg.Data = data
	return msg, nil
}

func (p *MessageProcessor) processEdgeAdd(msg *Message) (*Message, error) {
	var data EdgeAddData
	if err := p.validateData(msg, &data); err != nil {
		return nil, err
	}

	replaced, err := p.flows.AddEdge(msg.FlowID, models.Edge{Source: data.Source, Target: data.Target, TargetPort: data.TargetPort})
	if err != nil {
		return nil, fmt.Errorf("failed to add edge: %w", err)
	}
	data.Replaced = replaced
	msg.Data = data
	return msg, nil
}

func (p *MessageProcessor) processEdgeDelete(msg *Message) (*Message, error) {
	var data EdgeDeleteData
	if err := p.validateData(msg, &data); err != nil {
		return nil, err
	}

	edge, err := p.flows.DeleteEdge(msg.FlowID, data.Target, data.TargetPort)
	if err != nil {
		return nil, fmt.Errorf("failed to delete edge: %w", err)
	}
	data.Source = edge.Source
	msg.Data = data
	return msg, nil
}

func (p *MessageProcessor) processParamsSet(msg *Message) (*Message, error) {
	var data ParamsSetData
	if err := p.validateData(msg, &data); err != nil {
		return nil, err
	}

	node, err := p.flows.SetParams(msg.FlowID, data.NodeID, data.OpType, data.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to set params: %w", err)
	}
	// Broadcast the merged params so every client converges
	data.Params = node.Params
	msg.Data = data
	return msg, nil
}

func (p *MessageProcessor) processNodeRetry(msg *Message) (*Message, error) {
	var data NodeRefData
	if err := p.validateData(msg, &data); err != nil {
		return nil, err
	}

	if err := p.flows.Retry(msg.FlowID, data.NodeID); err != nil {
		return nil, fmt.Errorf("failed to retry node: %w", err)
	}
	msg.Data = data
	return msg, nil
}
