package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/credo-hq/credo/internal/fault"
)

// listReports answers GET /reports, newest first.
func (s *Server) listReports(c *gin.Context) {
	if s.d.Reports == nil {
		fail(c, fault.New(fault.KindNotFound, "report history not configured"))
		return
	}
	reports, err := s.d.Reports.List()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// getReport answers GET /reports/{id}.
func (s *Server) getReport(c *gin.Context) {
	if s.d.Reports == nil {
		fail(c, fault.New(fault.KindNotFound, "report history not configured"))
		return
	}
	rep, err := s.d.Reports.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// deleteReport answers DELETE /reports/{id}.
func (s *Server) deleteReport(c *gin.Context) {
	if s.d.Reports == nil {
		fail(c, fault.New(fault.KindNotFound, "report history not configured"))
		return
	}
	if err := s.d.Reports.Delete(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
