package endpoints

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"imgflow/internal/api/handler/response"
	"imgflow/internal/api/service"
	"imgflow/internal/codec"
	"imgflow/internal/gen"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
)

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrFlowNotFound),
		errors.Is(err, service.ErrResultNotFound),
		errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, graph.ErrEdgeNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrCyclicGraph):
		return http.StatusUnprocessableEntity
	case errors.Is(err, graph.ErrInvalidEdge),
		errors.Is(err, graph.ErrInvalidNode),
		errors.Is(err, graph.ErrParamsMismatch),
		errors.Is(err, ops.ErrUnknownOperation),
		errors.Is(err, ops.ErrInvalidParam),
		errors.Is(err, codec.ErrMalformedDocument),
		errors.Is(err, gen.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err as an APIError. Server errors are logged with
// msg and their detail is not sent to the client.
func abortWithError(c *gin.Context, logger zerolog.Logger, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		c.JSON(status, response.APIError{Message: msg})
		return
	}
	logger.Debug().Err(err).Str("path", c.FullPath()).Msg(msg)
	c.JSON(status, response.APIError{Message: err.Error()})
}
