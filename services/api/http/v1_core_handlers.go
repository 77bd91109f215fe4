package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/internal/db"
)

// handleV1ListPlays returns plays, newest first
// GET /api/v1/plays?session_id=&limit=&since=&until=
func (s *Server) handleV1ListPlays(c *gin.Context) {
	q := db.PlayQuery{Limit: s.cfg.DefaultLimit}

	if sessionStr := c.Query("session_id"); sessionStr != "" {
		id, err := strconv.Atoi(sessionStr)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		q.SessionID = &id
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = limit
	}

	var ok bool
	if q.Since, ok = parseTimeParam(c, "since"); !ok {
		return
	}
	if q.Until, ok = parseTimeParam(c, "until"); !ok {
		return
	}
	if q.Since != nil && q.Until != nil && q.Until.Before(*q.Since) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "until is before since"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	plays, err := s.store.ListPlays(ctx, q)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": plays,
		"meta": gin.H{
			"count": len(plays),
			"limit": q.Limit,
		},
	})
}

// handleV1ListSessions returns per-session aggregates, newest first
// GET /api/v1/sessions?limit=
func (s *Server) handleV1ListSessions(c *gin.Context) {
	limit := s.cfg.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": sessions,
		"meta": gin.H{
			"count": len(sessions),
		},
	})
}

// handleV1GetSession returns one session's summary and plays
// GET /api/v1/sessions/:id
func (s *Server) handleV1GetSession(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	plays, err := s.store.ListPlays(ctx, db.PlayQuery{SessionID: &id})
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(plays) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"session": summarize(id, plays),
			"plays":   plays,
		},
	})
}

// handleV1Stats returns store-wide totals
// GET /api/v1/stats
func (s *Server) handleV1Stats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error("store query failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// parseTimeParam reads an optional RFC3339 query value. It writes the 400
// response itself and reports false when the value is malformed.
func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " timestamp"})
		return nil, false
	}
	tt := t.UTC()
	return &tt, true
}

// summarize folds plays (newest first) into a session summary.
func summarize(sessionID int, plays []db.PlayRecord) db.SessionSummary {
	sum := db.SessionSummary{SessionID: sessionID, Plays: len(plays)}
	for _, p := range plays {
		sum.RuntimeSeconds += p.RuntimeSeconds
	}
	if len(plays) > 0 {
		sum.LastPlay = plays[0].Timestamp
		sum.FirstPlay = plays[len(plays)-1].Timestamp
	}
	return sum
}
