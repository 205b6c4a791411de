// Package admin serves the operator HTTP API: health, room inspection and
// the live chat policy.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/room"
)

// healthTimeout bounds each health check.
const healthTimeout = 2 * time.Second

// Rooms reads rooms for inspection. *registry.Registry satisfies it.
type Rooms interface {
	Get(ctx context.Context, id string) (*room.Room, error)
	List(ctx context.Context, f room.Filter) ([]room.Summary, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the admin API.
type Deps struct {
	Rooms   Rooms
	Configs chat.ConfigStore
	Cache   *chat.ConfigCache
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
	// Token, when set, is required as a bearer token on every route but /healthz.
	Token string
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Server is the operator API.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a Server.
//
// Precondition: deps.Rooms, deps.Configs and logger must be non-nil.
func New(deps Deps, logger *zap.Logger) *Server {
	return &Server{deps: deps, logger: logger}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", s.health)

	api := r.Group("/", s.authorize())
	api.GET("/rooms", s.listRooms)
	api.GET("/rooms/:id", s.getRoom)
	api.GET("/chat-config", s.getChatConfig)
	api.PUT("/chat-config", s.putChatConfig)
	return r
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	results := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = err.Error()
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "ok"
	}
	code, state := http.StatusOK, "ok"
	if !healthy {
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{"status": state, "checks": results})
}

// listRooms handles GET /rooms?status=&gameType=&limit=.
func (s *Server) listRooms(c *gin.Context) {
	f := room.Filter{
		Status:   room.Status(c.Query("status")),
		GameType: c.Query("gameType"),
	}
	switch f.Status {
	case "", room.StatusWaiting, room.StatusInProgress, room.StatusFinished:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown status", Code: "invalid_status"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "invalid_limit"})
			return
		}
		f.Limit = n
	}
	rooms, err := s.deps.Rooms.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if rooms == nil {
		rooms = []room.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// getRoom handles GET /rooms/:id.
func (s *Server) getRoom(c *gin.Context) {
	r, err := s.deps.Rooms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": r.Snapshot(), "version": r.Version})
}

// getChatConfig handles GET /chat-config. It reads the store, not the cache.
func (s *Server) getChatConfig(c *gin.Context) {
	cfg, err := s.deps.Configs.ChatConfig(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// putChatConfig handles PUT /chat-config. The saved policy takes effect on
// this instance immediately and on others within the cache TTL.
func (s *Server) putChatConfig(c *gin.Context) {
	var cfg chat.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "invalid_body"})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_chat_config"})
		return
	}
	saved, err := s.deps.Configs.SaveChatConfig(c.Request.Context(), cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate()
	}
	s.logger.Info("chat config updated",
		zap.Int64("version", saved.Version),
		zap.Bool("global_mute", saved.GlobalMuteEnabled),
		zap.Bool("profanity", saved.ProfanityEnabled),
	)
	c.JSON(http.StatusOK, saved)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch room.KindOf(err) {
	case room.KindNotFound:
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: room.CodeOf(err)})
	case room.KindValidation:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: room.CodeOf(err)})
	default:
		var rerr *room.Error
		if errors.As(err, &rerr) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: room.CodeOf(err)})
			return
		}
		s.logger.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "service unavailable", Code: "unavailable"})
	}
}
