package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"imgflow/internal/api/models"
)

var ErrProcessingFailure = errors.New("processing failure")

// ProcessingError is the structured failure returned by every processor.
type ProcessingError struct {
	OpType  string
	Message string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s failed: %s", ErrProcessingFailure.Error(), e.OpType, e.Message)
}

func (e *ProcessingError) Unwrap() error { return ErrProcessingFailure }

func Failf(opType string, format string, args ...any) error {
	return &ProcessingError{OpType: opType, Message: fmt.Sprintf(format, args...)}
}

// Request asks the external service to run one operation. Secondary is only
// set for two-input operations.
type Request struct {
	OpType    string
	Image     []byte
	Secondary []byte
	Params    models.Params
}

type Response struct {
	Image    []byte
	Metadata json.RawMessage
}

// Processor performs the pixel work of a single operation.
type Processor interface {
	Process(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to the Processor interface.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Process(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
