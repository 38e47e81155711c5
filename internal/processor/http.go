package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPProcessor calls the image service's POST /process endpoint.
type HTTPProcessor struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTPProcessor(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (slf *HTTPProcessor) Process(ctx context.Context, req Request) (Response, error) {
	data, err := encodeRequest(req)
	if err != nil {
		return Response{}, Failf(req.OpType, "encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/process", slf.baseURL), bytes.NewBuffer(data))
	if err != nil {
		return Response{}, Failf(req.OpType, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := slf.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		return Response{}, Failf(req.OpType, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, Failf(req.OpType, "read response: %v", err)
	}

	slf.logger.Debug().
		Str("opType", req.OpType).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Processor call finished")

	if resp.StatusCode >= http.StatusBadRequest {
		var detail wireResponse
		if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
			return Response{}, Failf(req.OpType, "%s", detail.Detail)
		}
		return Response{}, Failf(req.OpType, "service returned %s", resp.Status)
	}
	return decodeResponse(req.OpType, body)
}
