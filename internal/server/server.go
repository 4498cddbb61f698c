// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/logger"
	"github.com/comigor/gemini-relay/internal/relay"
)

// Chatter is the relay surface the handlers need.
type Chatter interface {
	Chat(ctx context.Context, req relay.Request) (relay.Response, error)
	HistoryEnabled() bool
}

// Server is the HTTP front of the relay.
type Server struct {
	chat   Chatter
	engine *gin.Engine
	srv    *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithMCP mounts h (an MCP streamable HTTP handler) at path.
func WithMCP(path string, h http.Handler) Option {
	return func(s *Server) {
		s.engine.Any(path, gin.WrapH(h))
	}
}

// New builds the router. addr is the listen address used by ListenAndServe.
func New(addr string, chat Chatter, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(), gin.Recovery())

	s := &Server{chat: chat, engine: engine}
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/api/gemini_vision", s.handleQuery)
	engine.POST("/api/gemini_vision", s.handleUpload)

	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the server stops. A graceful Shutdown yields nil.
func (s *Server) ListenAndServe() error {
	logger.L.Info("starting server", "address", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type chatResponse struct {
	UserID   string `json:"user_id,omitempty"`
	Response string `json:"response"`
}

func (s *Server) handleQuery(c *gin.Context) {
	s.respond(c, relay.Request{
		UserID:   c.Query("user_id"),
		Text:     c.Query("text"),
		ImageURL: c.Query("image_url"),
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	req := relay.Request{
		UserID:    c.PostForm("user_id"),
		Text:      c.PostForm("text"),
		Multipart: true,
	}
	if fh, err := c.FormFile("image"); err == nil {
		req.Upload = fh
	} else if !errors.Is(err, http.ErrMissingFile) {
		logger.L.Debug("multipart parse failed", "error", err)
	}
	s.respond(c, req)
}

func (s *Server) respond(c *gin.Context, req relay.Request) {
	resp, err := s.chat.Chat(c.Request.Context(), req)
	if err != nil {
		status, msg := classify(err)
		if status >= http.StatusInternalServerError {
			logger.L.Error("chat failed", "user_id", req.UserID, "status", status, "error", err)
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	out := chatResponse{Response: resp.Reply}
	if s.chat.HistoryEnabled() {
		out.UserID = resp.UserID
	}
	c.JSON(http.StatusOK, out)
}

// classify maps relay errors to an HTTP status and the message shown to the caller.
func classify(err error) (int, string) {
	msg := relay.PublicMessage(err)
	switch {
	case errors.Is(err, relay.ErrMissingInput),
		errors.Is(err, relay.ErrMissingImage),
		errors.Is(err, relay.ErrInvalidMedia):
		return http.StatusBadRequest, msg
	case errors.Is(err, relay.ErrFetch), errors.Is(err, relay.ErrUpstream):
		return http.StatusBadGateway, msg
	default:
		return http.StatusInternalServerError, msg
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
