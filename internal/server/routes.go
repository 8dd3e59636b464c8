package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Scan session lifecycle
	s.echo.POST("/api/scan/sessions", s.handleCreateScanSession)
	s.echo.GET("/api/scan/:uuid", s.handleSessionState)
	s.echo.POST("/api/scan/:uuid/enumerate", s.handleEnumerateDevices)
	s.echo.POST("/api/scan/:uuid/select", s.handleSelectDevice)
	s.echo.POST("/api/scan/:uuid/start", s.handleStartScanning)
	s.echo.POST("/api/scan/:uuid/stop", s.handleStopScanning)

	// Book catalog
	s.echo.GET("/api/books", s.handleListBooks)
	s.echo.POST("/api/books", s.handleAddBook)
	s.echo.GET("/api/books/:id", s.handleGetBook)
	s.echo.PUT("/api/books/:id", s.handleUpdateBook)
	s.echo.DELETE("/api/books/:id", s.handleDeleteBook)

	// Remote metadata lookup for scanned ISBNs
	s.echo.GET("/api/isbn/:isbn", s.handleLookupISBN)

	// Scan event stream (WebSocket)
	s.echo.GET("/ws/scan/:uuid", s.handleWebSocket)
}
