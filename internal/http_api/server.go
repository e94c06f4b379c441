package http_api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// HTTPServer is the HTTP server struct that will serve the admin API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int
	// token is the bearer token every /api request must carry
	token string

	// server is the underlying HTTP server
	server *http.Server

	// paykit is the main application struct
	paykit models.PaykitI
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// authMiddleware requires "Authorization: Bearer <token>". An empty
// configured token rejects every request.
func (s *HTTPServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.token)) != 1 {
			s.logger.Debug("Unauthorized API request", "path", c.Request.URL.Path, "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(paykit models.PaykitI, port int, token string, logger *logger.Logger) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery())

	// Add CORS middleware
	router.Use(corsMiddleware())

	server := &HTTPServer{
		router: router,
		port:   port,
		token:  token,
		paykit: paykit,
		logger: logger,
	}
	if token == "" {
		logger.Warn("API_TOKEN is empty, admin API will reject all requests")
	}

	// Define routes
	server.routes()

	return server
}

// Start starts the HTTP server
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Fatal("Failed to start the HTTP server", "error", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
