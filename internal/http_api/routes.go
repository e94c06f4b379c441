package http_api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api/v1", s.authMiddleware())
	api.GET("/autopay/settings", s.getSettings)
	api.PUT("/autopay/settings", s.updateSettings)
	api.GET("/autopay/rules", s.listRules)
	api.POST("/autopay/rules", s.saveRule)
	api.DELETE("/autopay/rules/:id", s.deleteRule)
	api.GET("/autopay/limits", s.listPeerLimits)
	api.PUT("/autopay/limits/:peer", s.setPeerLimit)
	api.GET("/requests", s.listRequests)
	api.GET("/subscriptions", s.listSubscriptions)
	api.POST("/cycles/:kind", s.triggerCycle)
}
