package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/credo-hq/credo/internal/fault"
)

// listDevices answers GET /devices with the registry snapshot.
func (s *Server) listDevices(c *gin.Context) {
	if s.d.Registry == nil {
		fail(c, fault.New(fault.KindInternal, "device registry not running"))
		return
	}
	devices := s.d.Registry.ListDevices()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"active":  s.d.Registry.ActiveDevice(),
	})
}

// connectDevice answers POST /devices/{id}/connect.
func (s *Server) connectDevice(c *gin.Context) {
	if s.d.Registry == nil {
		fail(c, fault.New(fault.KindInternal, "device registry not running"))
		return
	}
	if err := s.d.Registry.Connect(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connecting"})
}

// disconnectDevice answers POST /devices/{id}/disconnect.
func (s *Server) disconnectDevice(c *gin.Context) {
	if s.d.Registry == nil {
		fail(c, fault.New(fault.KindInternal, "device registry not running"))
		return
	}
	if err := s.d.Registry.Disconnect(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// selectDevice answers POST /devices/{id}/select.
func (s *Server) selectDevice(c *gin.Context) {
	if s.d.Registry == nil {
		fail(c, fault.New(fault.KindInternal, "device registry not running"))
		return
	}
	if err := s.d.Registry.SelectActive(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "selected"})
}
