package http

// registerV1Routes sets up /api/v1: plays, sessions and store-wide stats.
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())

	v1.GET("/plays", s.handleV1ListPlays)

	sessions := v1.Group("/sessions")
	{
		sessions.GET("", s.handleV1ListSessions)
		sessions.GET("/:id", s.handleV1GetSession)
	}

	v1.GET("/stats", s.handleV1Stats)
}
