package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBridge subscribes to result events and pushes them into the Hub.
type NATSBridge struct {
	conn   *nats.Conn
	hub    *Hub
	prefix string
	logger zerolog.Logger
}

func NewNATSBridge(natsURL, prefix string, hub *Hub, logger zerolog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(natsURL, nats.Name("imgflow-realtime"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBridge{conn: nc, hub: hub, prefix: prefix, logger: logger}, nil
}

// Subscribe listens on <prefix>.flow.*.node.*.result
func (b *NATSBridge) Subscribe() error {
	subject := ResultWildcard(b.prefix)
	_, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		b.deliver(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %q: %w", subject, err)
	}

	b.logger.Info().Str("subject", subject).Msg("NATS bridge subscribed")
	return nil
}

func (b *NATSBridge) deliver(subject string, data []byte) {
	flowID, err := parseFlowIDFromSubject(subject)
	if err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("nats: bad subject")
		return
	}

	envelope := outgoingMsg{
		Type:    "node.result",
		FlowID:  flowID,
		Payload: json.RawMessage(data),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		b.logger.Error().Err(err).Msg("nats: marshal envelope")
		return
	}

	b.hub.Publish(flowID, payload)
}

// Close drains the NATS connection.
func (b *NATSBridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("nats drain")
	}
}
