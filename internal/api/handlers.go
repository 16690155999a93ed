package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Component health values. The system summary is the worst component.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDown     = "down"
)

// handleHealth reports per-component health. It never requires auth and
// renders even when the store is unreachable.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	st := s.matcher.GetStatus()

	components := map[string]string{
		"feed":    healthOK,
		"llm":     healthOK,
		"store":   healthOK,
		"matcher": healthOK,
	}
	if !st.FeedHealthy {
		components["feed"] = healthDegraded
	}
	if !s.control.LLMAvailable() {
		components["llm"] = healthDegraded
	}
	if err := s.repo.HealthCheck(ctx); err != nil {
		components["store"] = healthDown
	}
	switch {
	case !st.Running:
		components["matcher"] = healthDown
	case st.Paused:
		components["matcher"] = healthDegraded
	}

	status := healthOK
	code := http.StatusOK
	for _, state := range components {
		if state == healthDown {
			status = healthDown
			code = http.StatusServiceUnavailable
			break
		}
		if state == healthDegraded {
			status = healthDegraded
		}
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
	})
}

// handleStatus returns the account snapshot. Balance and P&L come from the
// matcher, the single source of truth; when the matcher is not running yet
// the last Redis snapshot is served instead, marked stale.
func (s *Server) handleStatus(c *gin.Context) {
	st := s.matcher.GetStatus()

	if !st.Running {
		if data, ok := s.cache.GetStatusSnapshot(c.Request.Context()); ok {
			successResponse(c, gin.H{
				"stale":    true,
				"snapshot": json.RawMessage(data),
			})
			return
		}
	}

	successResponse(c, gin.H{
		"running":           st.Running,
		"paused":            st.Paused,
		"pause_reason":      st.PauseReason,
		"feed_healthy":      st.FeedHealthy,
		"balance":           st.AvailableBalance,
		"in_positions":      st.InPositions,
		"equity":            st.Equity,
		"total_pnl":         st.TotalPnL,
		"open_positions":    st.OpenPositions,
		"active_conditions": st.ActiveConditions,
		"closed_trades":     st.ClosedTrades,
		"wins":              st.Wins,
		"losses":            st.Losses,
		"win_rate":          st.WinRate,
		"tick_count":        st.TickCount,
		"uptime_seconds":    time.Since(st.StartedAt).Seconds(),
		"circuit_breaker":   s.breaker.GetStatus(),
	})
}

// handleGetConditions returns the active condition set.
func (s *Server) handleGetConditions(c *gin.Context) {
	successResponse(c, s.matcher.ActiveConditions())
}

// handleGetPositions returns the open positions.
func (s *Server) handleGetPositions(c *gin.Context) {
	successResponse(c, s.matcher.OpenPositions())
}

// handleGetPrices returns the latest tick per coin.
func (s *Server) handleGetPrices(c *gin.Context) {
	successResponse(c, s.prices.Prices())
}

// handleGetTrades returns closed trades, newest first.
func (s *Server) handleGetTrades(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 1, 500)
	offset := queryInt(c, "offset", 0, 0, 1<<20)

	trades, err := s.repo.ListClosedTrades(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list closed trades")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch trade history")
		return
	}
	successResponse(c, trades)
}

// handleGetActivity returns recent activity-log rows.
func (s *Server) handleGetActivity(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 1, 500)

	entries, err := s.repo.RecentActivity(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list activity")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch activity")
		return
	}
	successResponse(c, entries)
}

// queryInt parses an integer query parameter with a default and bounds.
func queryInt(c *gin.Context, name string, def, min, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min || parsed > max {
		return def
	}
	return parsed
}
