package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
)

// SecretHeader carries the relay secret on REST requests. The WebSocket
// endpoint also accepts it as the secret query parameter.
const SecretHeader = "X-Felt-Secret"

var upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(s.requireSecret())
	v1.GET("/ws", s.serveWS)
	v1.GET("/status", s.getStatus)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:session", s.getSession)
	v1.POST("/sessions/:session/export", s.exportSession)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Secret == "" {
			c.Next()
			return
		}
		given := c.GetHeader(SecretHeader)
		if given == "" {
			given = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
			return
		}
		c.Next()
	}
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	s.servePeer(conn)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.Sessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSession(c *gin.Context) {
	detail, err := s.Session(c.Param("session"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) exportSession(c *gin.Context) {
	path, err := s.Export(c.Request.Context(), c.Param("session"))
	switch {
	case errors.Is(err, ErrExportUnsupported):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"path": path})
	}
}
