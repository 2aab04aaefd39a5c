package http

import (
	stdhttp "net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/broadcast"
	"github.com/airoom/server/internal/config"
	"github.com/airoom/server/internal/history"
	"github.com/airoom/server/internal/pipeline"
	"github.com/airoom/server/internal/proto"
	"github.com/airoom/server/internal/registry"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Deps bundles what the HTTP layer serves.
type Deps struct {
	Registry  *registry.Registry
	Processor *pipeline.Processor
	Broadcast *broadcast.Manager
	Store     history.Store
	Tracker   *Tracker
	// AIStats reports backend counters for /api/stats; nil omits them.
	AIStats func() any
	// BridgeStats reports device bridge counters; nil when the bridge is off.
	BridgeStats func() any
}

// NewServer builds the HTTP server: REST endpoints plus the websocket chat
// endpoint.
func NewServer(deps Deps, cfg config.Config, logger zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	h := &apiHandlers{deps: deps, log: logger.With().Str("component", "api").Logger()}
	router.GET("/health", h.health)
	router.GET("/api/history", h.chatHistory)
	router.GET("/api/users", h.onlineUsers)
	router.GET("/api/stats", h.stats)

	// The websocket upgrade hijacks the connection, which gin's response
	// writer refuses once it has tracked the 101 header, so /ws mounts on
	// the raw mux and everything else goes through the router.
	ws := NewWSHandler(deps.Registry, deps.Processor, deps.Broadcast, deps.Store, deps.Tracker, logger)
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// LoggerMiddleware logs each HTTP request after it completes.
func LoggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

type apiHandlers struct {
	deps Deps
	log  zerolog.Logger
}

func (h *apiHandlers) health(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{
		"status":      "ok",
		"users":       h.deps.Registry.UserCount(),
		"connections": h.deps.Tracker.Count(),
	})
}

// GET /api/history?limit=50&user=alice
func (h *apiHandlers) chatHistory(c *gin.Context) {
	limit := historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		if n < limit {
			limit = n
		}
	}

	ctx := c.Request.Context()
	var messages []proto.MessageView
	switch {
	case h.deps.Store != nil && c.Query("user") != "":
		found, err := h.deps.Store.MessagesByAuthor(ctx, c.Query("user"), limit)
		if err != nil {
			h.log.Error().Err(err).Msg("load history")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to load history"})
			return
		}
		messages = proto.ViewMessages(found)
	case h.deps.Store != nil:
		found, err := h.deps.Store.RecentMessages(ctx, limit)
		if err != nil {
			h.log.Error().Err(err).Msg("load history")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to load history"})
			return
		}
		messages = proto.ViewMessages(found)
	default:
		messages = proto.ViewMessages(h.deps.Registry.Room().RecentMessages(limit))
	}

	c.JSON(stdhttp.StatusOK, proto.HistoryResponse{Messages: messages, Count: len(messages)})
}

func (h *apiHandlers) onlineUsers(c *gin.Context) {
	users := h.deps.Registry.OnlineUsers()
	c.JSON(stdhttp.StatusOK, proto.OnlineUsersResponse{
		Users:     proto.ViewUsers(users),
		UserCount: len(users),
	})
}

// GET /api/stats aggregates room, pipeline, broadcast, connection, and
// persistence counters.
func (h *apiHandlers) stats(c *gin.Context) {
	out := gin.H{
		"room":        h.deps.Registry.Room().Stats(),
		"pipeline":    h.deps.Processor.Stats(),
		"broadcast":   h.deps.Broadcast.Stats(),
		"connections": h.deps.Tracker.Stats(),
	}
	if h.deps.AIStats != nil {
		out["ai"] = h.deps.AIStats()
	}
	if h.deps.BridgeStats != nil {
		out["mqtt"] = h.deps.BridgeStats()
	}
	if h.deps.Store != nil {
		if stats, err := h.deps.Store.Statistics(c.Request.Context()); err == nil {
			out["storage"] = stats
		} else {
			h.log.Error().Err(err).Msg("load storage stats")
		}
	}
	c.JSON(stdhttp.StatusOK, out)
}
