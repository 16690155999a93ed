package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"paper-trading-bot/internal/feed"
)

// feedEvent is the SSE payload. It derives from the same matcher status as
// /api/status, so the two views agree within one update cycle.
type feedEvent struct {
	Prices          map[string]feed.PriceTick `json:"prices"`
	ConditionsCount int                       `json:"conditions_count"`
	PositionsCount  int                       `json:"positions_count"`
	Balance         float64                   `json:"balance"`
	TotalPnL        float64                   `json:"total_pnl"`
}

func (s *Server) currentFeedEvent() feedEvent {
	st := s.matcher.GetStatus()
	return feedEvent{
		Prices:          s.prices.Prices(),
		ConditionsCount: st.ActiveConditions,
		PositionsCount:  st.OpenPositions,
		Balance:         st.AvailableBalance,
		TotalPnL:        st.TotalPnL,
	}
}

// handleFeed streams one SSE event per second until the client disconnects.
func (s *Server) handleFeed(c *gin.Context) {
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// First event immediately so the dashboard paints without waiting.
	c.SSEvent("update", s.currentFeedEvent())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ticker.C:
			c.SSEvent("update", s.currentFeedEvent())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
