package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSProcessor sends each request to a worker pool listening on
// <prefix>.process.<opType> and waits for the reply.
type NATSProcessor struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewNATSProcessor(conn *nats.Conn, prefix string, timeout time.Duration, logger zerolog.Logger) *NATSProcessor {
	return &NATSProcessor{conn: conn, prefix: prefix, timeout: timeout, logger: logger}
}

func (slf *NATSProcessor) Subject(opType string) string {
	return fmt.Sprintf("%s.process.%s", slf.prefix, opType)
}

func (slf *NATSProcessor) Process(ctx context.Context, req Request) (Response, error) {
	data, err := encodeRequest(req)
	if err != nil {
		return Response{}, Failf(req.OpType, "encode request: %v", err)
	}

	if slf.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, slf.timeout)
		defer cancel()
	}

	msg, err := slf.conn.RequestWithContext(ctx, slf.Subject(req.OpType), data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return Response{}, Failf(req.OpType, "no worker available")
		}
		return Response{}, Failf(req.OpType, "request failed: %v", err)
	}

	slf.logger.Debug().Str("opType", req.OpType).Int("bytes", len(msg.Data)).Msg("Processor reply received")
	return decodeResponse(req.OpType, msg.Data)
}
