package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/trambar/internal/auth"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"github.com/MarcoPoloResearchLab/trambar/internal/realtime"
)

const sessionContextKey = "trambar_session"

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingStore     = errors.New("data store dependency required")
	errMissingChanges   = errors.New("change dispatcher dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// DataStore serves the data endpoints.
type DataStore interface {
	AllowsSchema(schema string) bool
	Discover(ctx context.Context, schema, table string, criteria objects.Criteria) ([]objects.Version, error)
	Retrieve(ctx context.Context, schema, table string, ids []int64) ([]objects.Object, error)
	Save(ctx context.Context, schema, table string, list []objects.Object) ([]objects.Object, error)
	EnsureTable(ctx context.Context, schema, table string) error
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Validator      SessionValidator
	Store          DataStore
	Changes        *realtime.Dispatcher[[]byte]
	Logger         *zap.Logger
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	PingInterval   time.Duration
}

// NewHTTPHandler builds the gin router serving the session, data, socket and metrics routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Changes == nil {
		return nil, errMissingChanges
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ping := deps.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	handler := &httpHandler{
		validator: deps.Validator,
		store:     deps.Store,
		changes:   deps.Changes,
		logger:    logger,
		metrics:   newMetrics(deps.Registerer),
		ping:      ping,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))
	router.Use(handler.instrument)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/srv")
	protected.Use(handler.authorizeRequest)
	protected.GET("/session", handler.handleSessionStatus)
	protected.DELETE("/session", handler.handleSessionEnd)
	protected.POST("/data/discovery/:schema/:table", handler.handleDiscovery)
	protected.POST("/data/retrieval/:schema/:table", handler.handleRetrieval)
	protected.POST("/data/storage/:schema/:table", handler.handleStorage)
	protected.GET("/socket", handler.handleSocket)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	validator SessionValidator
	store     DataStore
	changes   *realtime.Dispatcher[[]byte]
	logger    *zap.Logger
	metrics   *metrics
	ping      time.Duration
}

type sessionResponsePayload struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *httpHandler) handleSessionStatus(c *gin.Context) {
	claims := sessionFrom(c)
	c.JSON(http.StatusOK, sessionResponsePayload{UserID: claims.UserID, ExpiresAt: claims.ExpiresAt()})
}

// Tokens are stateless, so ending a session only acknowledges it.
func (h *httpHandler) handleSessionEnd(c *gin.Context) {
	h.logger.Info("session ended", zap.String("user_id", sessionFrom(c).UserID))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, claims)
	c.Next()
}

func sessionFrom(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

func (h *httpHandler) instrument(c *gin.Context) {
	started := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.observe(route, c.Writer.Status(), time.Since(started))
}
