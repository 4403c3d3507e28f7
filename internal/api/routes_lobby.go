package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaycore-project/relaycore/internal/lobby"
)

// handleUsers lists the username directory.
func (s *Server) handleUsers(c *gin.Context) {
	entries := s.node.Directory().Entries()
	if entries == nil {
		entries = []lobby.DirectoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"users": entries,
		"total": len(entries),
	})
}

// handleGames lists every game session.
func (s *Server) handleGames(c *gin.Context) {
	games := s.node.Games().List()
	if games == nil {
		games = []lobby.GameSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{
		"games": games,
		"total": len(games),
	})
}

// handleGame returns one game, looked up by id or by name.
func (s *Server) handleGame(c *gin.Context) {
	game, err := s.node.Games().Resolve(c.Param("ref"))
	if errors.Is(err, lobby.ErrGameNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, game.Snapshot())
}
