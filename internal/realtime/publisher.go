package realtime

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"imgflow/internal/api/models"
)

// Publisher forwards result changes of the API process to NATS. It is
// registered as a result listener on the flow service.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

func NewPublisher(conn *nats.Conn, prefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

func (p *Publisher) OnFlowResult(flowID uint, nodeID models.NodeID, entry models.ResultEntry, cleared bool) {
	data, err := json.Marshal(NewResultEvent(flowID, nodeID, entry, cleared))
	if err != nil {
		p.logger.Error().Err(err).Msg("nats: marshal result event")
		return
	}
	subject := ResultSubject(p.prefix, flowID, nodeID)
	if err = p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("nats: publish result event")
	}
}
