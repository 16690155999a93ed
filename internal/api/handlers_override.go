package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"paper-trading-bot/internal/ai/llm"
	"paper-trading-bot/internal/auth"
	"paper-trading-bot/internal/knowledge"
	"paper-trading-bot/internal/learning"
	"paper-trading-bot/internal/sniper"
)

const overrideReason = "manual override"

// handleAuthToken exchanges the admin password for a bearer token.
func (s *Server) handleAuthToken(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "password is required")
		return
	}

	resp, err := s.auth.IssueToken(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			errorResponse(c, http.StatusBadRequest, auth.ErrAuthDisabled.Message)
			return
		}
		errorResponse(c, http.StatusUnauthorized, auth.ErrInvalidCredentials.Message)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handlePause halts new entries until resume. Exits keep working.
func (s *Server) handlePause(c *gin.Context) {
	s.matcher.Pause(overrideReason)
	successResponse(c, gin.H{"paused": true})
}

// handleResume lifts a manual pause.
func (s *Server) handleResume(c *gin.Context) {
	s.matcher.Resume()
	successResponse(c, gin.H{"paused": false})
}

// handleClosePosition exits an open position at the current feed price.
func (s *Server) handleClosePosition(c *gin.Context) {
	coin := strings.ToUpper(c.Param("coin"))

	trade, err := s.control.ClosePositionAtMarket(coin)
	if err != nil {
		switch {
		case errors.Is(err, sniper.ErrNoPosition):
			errorResponse(c, http.StatusNotFound, "no open position for "+coin)
		case errors.Is(err, sniper.ErrNotRunning):
			errorResponse(c, http.StatusConflict, "matcher is not running")
		default:
			errorResponse(c, http.StatusInternalServerError, err.Error())
		}
		return
	}
	successResponse(c, trade)
}

// handleBlacklist manually blacklists a coin.
func (s *Server) handleBlacklist(c *gin.Context) {
	coin := strings.ToUpper(c.Param("coin"))

	change := s.store.Blacklist(coin, overrideReason)
	if change == nil {
		successResponse(c, gin.H{"coin": coin, "message": "already blacklisted"})
		return
	}
	successResponse(c, change)
}

// handleUnblacklist lifts a blacklist. The coin's status re-derives from
// its stats, so a struggling coin comes back REDUCED, not ACTIVE.
func (s *Server) handleUnblacklist(c *gin.Context) {
	coin := strings.ToUpper(c.Param("coin"))

	change := s.store.Unblacklist(coin)
	if change == nil {
		errorResponse(c, http.StatusNotFound, coin+" is not blacklisted")
		return
	}
	successResponse(c, change)
}

// handleDisablePattern deactivates a trading pattern by id.
func (s *Server) handleDisablePattern(c *gin.Context) {
	id := c.Param("id")

	if err := s.store.DeactivatePattern(id, overrideReason); err != nil {
		if errors.Is(err, knowledge.ErrPatternNotFound) {
			errorResponse(c, http.StatusNotFound, "unknown pattern: "+id)
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"pattern_id": id, "is_active": false})
}

// handleTriggerReflection runs one reflection round outside the schedule.
func (s *Server) handleTriggerReflection(c *gin.Context) {
	reflection, err := s.control.TriggerReflection(c.Request.Context())
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			errorResponse(c, http.StatusServiceUnavailable, "llm gateway unavailable")
			return
		}
		s.logger.Error().Err(err).Msg("Manual reflection failed")
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if reflection == nil {
		successResponse(c, gin.H{"message": "no closed trades to reflect on"})
		return
	}
	successResponse(c, reflection)
}

// handleRollback reverses an applied adaptation.
func (s *Server) handleRollback(c *gin.Context) {
	id := c.Param("adaptation_id")

	rollback, err := s.control.RollbackAdaptation(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, learning.ErrAdaptationNotFound):
			errorResponse(c, http.StatusNotFound, "unknown adaptation: "+id)
		case errors.Is(err, learning.ErrAlreadyRolledBack),
			errors.Is(err, learning.ErrNotRollbackable):
			errorResponse(c, http.StatusConflict, err.Error())
		default:
			s.logger.Error().Err(err).Str("adaptation_id", id).Msg("Rollback failed")
			errorResponse(c, http.StatusInternalServerError, err.Error())
		}
		return
	}
	successResponse(c, rollback)
}

// handleResetCircuit manually closes the circuit breaker.
func (s *Server) handleResetCircuit(c *gin.Context) {
	s.breaker.Reset()
	successResponse(c, s.breaker.GetStatus())
}
