package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/abdelmounim-dev/workspace-pooler/manager"
)

// requireAdmin lets the request through only with a token carrying admin
// rights, taken from the Authorization header or the token query param.
func (s *Server) requireAdmin(c *gin.Context) {
	raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if raw == "" {
		raw = c.Query(s.cfg.Auth.TokenQueryParam)
	}
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	tok, err := s.tokens.Decode(c.Request.Context(), raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if !tok.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin rights required"})
		return
	}
	c.Set(adminKey, tok.Email)
	c.Next()
}

func (s *Server) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Stats())
}

func (s *Server) manage(c *gin.Context) {
	ctx := c.Request.Context()
	op := c.Query("operation")
	log := s.log.With().Str("operation", op).Str("admin", c.GetString(adminKey)).Logger()

	switch op {
	case "maintenance":
		minutes, err := strconv.Atoi(c.Query("timeout"))
		if err != nil || minutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a non-negative number of minutes"})
			return
		}
		s.manager.ScheduleMaintenance(ctx, minutes)
		log.Info().Int("minutes", minutes).Msg("maintenance scheduled")
		c.JSON(http.StatusOK, gin.H{"operation": op, "minutes": minutes})

	case "force-close":
		wsID := c.Query("wsId")
		if wsID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wsId is required"})
			return
		}
		err := s.manager.ForceClose(ctx, wsID)
		switch {
		case errors.Is(err, manager.ErrUnknownWorkspace):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Error().Err(err).Str("workspace", wsID).Msg("force close failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("workspace", wsID).Msg("workspace force closed")
		c.JSON(http.StatusOK, gin.H{"operation": op, "workspace": wsID})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown operation"})
	}
}
