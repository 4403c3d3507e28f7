package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycore-project/relaycore/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relaycore",
		"version": s.version,
	})
}

// handleInfo returns the node identity and the host it runs on.
func (s *Server) handleInfo(c *gin.Context) {
	stats := s.node.Stats()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"version":         s.version,
		"role":            stats.Role,
		"address":         stats.Address,
		"uptime_seconds":  int64(time.Since(stats.StartedAt).Seconds()),
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"architecture":    sysInfo.Architecture,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
		"go_version":      sysInfo.GoVersion,
	})
}
