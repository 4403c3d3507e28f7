package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relaycore-project/relaycore/internal/db"
	"github.com/relaycore-project/relaycore/internal/reliable"
)

const maxFailureLimit = 500

// handleStats returns the node counters.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Stats())
}

// handlePending lists the reliable deliveries still waiting for an ACK.
func (s *Server) handlePending(c *gin.Context) {
	pending := s.node.Ledger().Pending()
	if pending == nil {
		pending = []reliable.PendingDelivery{}
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"total":   len(pending),
	})
}

// handleFailures lists the newest abandoned deliveries from the journal.
func (s *Server) handleFailures(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	limit := db.DefaultFailureLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxFailureLimit)
	}

	failures, err := s.journal.RecentFailures(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read delivery failures")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"failures": failures,
		"total":    len(failures),
	})
}

// handleGameHistory lists the journaled events of one game.
func (s *Server) handleGameHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	history, err := s.journal.GameHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read game history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"game_id": c.Param("id"),
		"events":  history,
		"total":   len(history),
	})
}
