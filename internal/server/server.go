// Package server exposes the HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jortega/docagent/internal/service"
	"github.com/jortega/docagent/pkg/types"
)

// Server wires the services to their HTTP routes.
type Server struct {
	chats  *service.ChatService
	docs   *service.DocService
	logger *slog.Logger
	engine *gin.Engine
}

// New creates a server with all routes registered.
func New(chats *service.ChatService, docs *service.DocService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{chats: chats, docs: docs, logger: logger, engine: engine}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for serving or tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/documents", s.startIngestion)
		v1.GET("/documents/:chat_id/status", s.ingestionStatus)
		v1.POST("/documents/:chat_id/cancel", s.cancelIngestion)
		v1.GET("/documents/:chat_id", s.documentInfo)

		v1.POST("/chats/:chat_id/messages", s.postMessage)
		v1.GET("/chats/:chat_id/history", s.chatHistory)
		v1.GET("/chats/:chat_id/analytics", s.chatAnalytics)
		v1.DELETE("/chats/:chat_id", s.deleteChat)
	}
}

type ingestRequest struct {
	URI    string `json:"uri" binding:"required"`
	ChatID string `json:"chat_id"`
}

func (s *Server) startIngestion(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uri is required"})
		return
	}

	job, err := s.docs.StartIngestion(c.Request.Context(), req.URI, req.ChatID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) ingestionStatus(c *gin.Context) {
	job, err := s.docs.GetStatus(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelIngestion(c *gin.Context) {
	if err := s.docs.CancelIngestion(c.Param("chat_id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) documentInfo(c *gin.Context) {
	info, err := s.docs.Info(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type messageRequest struct {
	Text   string `json:"text" binding:"required"`
	UserID string `json:"user_id"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	answer, err := s.chats.PostMessage(c.Request.Context(), c.Param("chat_id"), req.UserID, req.Text)
	if err != nil {
		// The answer still describes the failed turn when one exists.
		if answer != nil && answer.Failed() {
			c.JSON(statusFor(err), answer)
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (s *Server) chatHistory(c *gin.Context) {
	history, err := s.chats.GetHistory(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": c.Param("chat_id"), "turns": history})
}

func (s *Server) chatAnalytics(c *gin.Context) {
	analytics, err := s.chats.GetAnalytics(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}

func (s *Server) deleteChat(c *gin.Context) {
	chatID := c.Param("chat_id")
	if err := s.docs.Delete(c.Request.Context(), chatID); err != nil {
		s.writeError(c, err)
		return
	}
	s.chats.ReleaseChat(chatID)
	c.Status(http.StatusNoContent)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrJobInProgress), errors.Is(err, types.ErrDocumentNotReady):
		return http.StatusConflict
	case errors.Is(err, types.ErrGeneration), errors.Is(err, types.ErrEmbeddingProvider), errors.Is(err, types.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, types.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
