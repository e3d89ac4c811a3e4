package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/queue"
)

// queueStatusBody is the wire form of a job snapshot.
type queueStatusBody struct {
	Handle   string `json:"handle"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress"`
	Position int    `json:"position"`
	ETAMS    int64  `json:"eta_ms,omitempty"`

	Error *errorDetail `json:"error,omitempty"`
}

// queueStatus answers GET /queue/{handle}.
func (s *Server) queueStatus(c *gin.Context) {
	handle := c.Param("handle")
	st, err := s.d.Queue.Status(handle)
	if err != nil {
		fail(c, err)
		return
	}

	body := queueStatusBody{
		Handle:   handle,
		Phase:    string(st.Phase),
		Progress: st.Progress,
		Position: st.Position,
		ETAMS:    st.ETA.Milliseconds(),
	}
	if st.Phase == queue.PhaseFailed && st.Err != nil {
		body.Error = &errorDetail{
			Kind:    string(fault.KindOf(st.Err)),
			Message: st.Err.Error(),
		}
	}
	c.JSON(http.StatusOK, body)
}
