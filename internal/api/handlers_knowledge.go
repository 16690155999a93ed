package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleGetCoinScores returns every coin score.
func (s *Server) handleGetCoinScores(c *gin.Context) {
	successResponse(c, s.store.AllCoinScores())
}

// handleGetPatterns returns every trading pattern, inactive included.
func (s *Server) handleGetPatterns(c *gin.Context) {
	successResponse(c, s.store.AllPatterns())
}

// handleGetRules returns every regime rule.
func (s *Server) handleGetRules(c *gin.Context) {
	successResponse(c, s.store.AllRules())
}

// handleGetContext returns the digest the strategist prompt is built from.
func (s *Server) handleGetContext(c *gin.Context) {
	successResponse(c, s.store.GetStrategistContext())
}

// handleGetInsights returns insights since a timestamp (default 7 days).
func (s *Server) handleGetInsights(c *gin.Context) {
	since := time.Now().AddDate(0, 0, -7)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	insights, err := s.repo.InsightsSince(c.Request.Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list insights")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch insights")
		return
	}
	successResponse(c, insights)
}

// handleGetAdaptations returns recent adaptations, optionally filtered by
// effectiveness rating.
func (s *Server) handleGetAdaptations(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1, 500)

	adaptations, err := s.repo.ListAdaptations(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list adaptations")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch adaptations")
		return
	}

	if want := c.Query("effectiveness"); want != "" {
		filtered := adaptations[:0]
		for _, a := range adaptations {
			if a.Effectiveness == want {
				filtered = append(filtered, a)
			}
		}
		adaptations = filtered
	}

	successResponse(c, adaptations)
}
