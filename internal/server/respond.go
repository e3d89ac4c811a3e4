package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/observe"
)

// errorBody is the JSON error envelope shared by all endpoints.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// RetryAfterMS accompanies resource_exhausted responses as a hint.
	RetryAfterMS int `json:"retry_after_ms,omitempty"`
}

// fail writes err as a JSON error response, mapping its fault kind to an
// HTTP status. Internal kinds hide the underlying message behind the
// correlation id.
func fail(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	cid := observe.CorrelationID(c.Request.Context())

	detail := errorDetail{
		Kind:          string(kind),
		Message:       err.Error(),
		CorrelationID: cid,
	}
	switch {
	case status >= 500:
		slog.Error("request failed",
			"path", c.Request.URL.Path, "kind", kind, "trace_id", cid, "err", err)
		detail.Message = "internal error"
	case kind == fault.KindResourceExhausted:
		detail.RetryAfterMS = 1000
		c.Header("Retry-After", "1")
	}

	c.AbortWithStatusJSON(status, errorBody{Error: detail})
}

// failInvalid is fail for malformed request bodies and parameters.
func failInvalid(c *gin.Context, format string, args ...any) {
	fail(c, fault.New(fault.KindInvalid, format, args...))
}
