package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"paper-trading-bot/internal/performance"
)

// handleGetSnapshot computes a profit snapshot on demand. The all_time
// frame defers to the matcher totals, so this always agrees with /api/status.
func (s *Server) handleGetSnapshot(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", performance.TimeframeAllTime)

	snapshot, err := s.perf.Snapshot(c.Request.Context(), timeframe)
	if err != nil {
		if errors.Is(err, performance.ErrUnknownTimeframe) {
			errorResponse(c, http.StatusBadRequest, "unknown timeframe: "+timeframe)
			return
		}
		s.logger.Error().Err(err).Msg("Failed to compute snapshot")
		errorResponse(c, http.StatusInternalServerError, "failed to compute snapshot")
		return
	}
	successResponse(c, snapshot)
}

// handleGetSnapshotHistory returns stored snapshots for charting.
func (s *Server) handleGetSnapshotHistory(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", performance.TimeframeDay)
	if !performance.ValidTimeframe(timeframe) {
		errorResponse(c, http.StatusBadRequest, "unknown timeframe: "+timeframe)
		return
	}

	since, ok := querySince(c, 7*24*time.Hour)
	if !ok {
		return
	}

	history, err := s.perf.History(c.Request.Context(), timeframe, since)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list snapshots")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch snapshot history")
		return
	}
	successResponse(c, history)
}

// handleGetEquityCurve returns sampled equity points.
func (s *Server) handleGetEquityCurve(c *gin.Context) {
	since, ok := querySince(c, 24*time.Hour)
	if !ok {
		return
	}

	points, err := s.perf.EquityCurve(c.Request.Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list equity points")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch equity curve")
		return
	}
	successResponse(c, points)
}

// querySince parses an optional RFC3339 "since" parameter, falling back to
// now minus the window. A false return means the response is already sent.
func querySince(c *gin.Context, window time.Duration) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Now().Add(-window), true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "since must be RFC3339")
		return time.Time{}, false
	}
	return parsed, true
}
