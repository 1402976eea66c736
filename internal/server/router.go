package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/access"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/assets"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/registry"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/verification"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	robotsHeader = "X-Robots-Tag"
	robotsPolicy = "noindex, nofollow, noarchive"

	// ExpectedDigestHeader carries the recorded sha256 of a direct download.
	ExpectedDigestHeader = "X-Expected-SHA256"

	defaultEventKeepAlive = 25 * time.Second
)

var (
	errMissingLedger      = errors.New("ledger dependency required")
	errMissingVerifier    = errors.New("verifier dependency required")
	errMissingGate        = errors.New("access gate dependency required")
	errMissingCatalog     = errors.New("catalog dependency required")
	errMissingAssetStore  = errors.New("asset store dependency required")
	errMissingDistributor = errors.New("distributor dependency required")
)

// Verifier runs the proof-of-control handshake for registrations.
type Verifier interface {
	Attempt(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug, proof verification.Proof) (verification.Outcome, error)
}

// ChallengeIssuer mints verification challenges.
type ChallengeIssuer interface {
	Issue(ctx context.Context, siteURL, pluginSlug string) (string, int64, error)
}

// Dependencies wires the HTTP surface to its services.
type Dependencies struct {
	Ledger      *registry.Ledger
	Verifier    Verifier
	Challenges  ChallengeIssuer
	Gate        *access.Gate
	Catalog     *catalog.Catalog
	Assets      *assets.Store
	Distributor *assets.Distributor
	// Events receives registry mutations; a private dispatcher is used when nil.
	Events *RegistryEventDispatcher
	// BaseURL overrides the origin used in download links.
	BaseURL string
	// EventKeepAlive is the idle interval between keep-alive frames on the event stream.
	EventKeepAlive time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the registry and update routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Verifier == nil:
		return nil, errMissingVerifier
	case deps.Gate == nil:
		return nil, errMissingGate
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Assets == nil:
		return nil, errMissingAssetStore
	case deps.Distributor == nil:
		return nil, errMissingDistributor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	events := deps.Events
	if events == nil {
		events = NewRegistryEventDispatcher()
	}
	keepAlive := deps.EventKeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultEventKeepAlive
	}

	router := gin.New()
	router.Use(recoverPanics(logger))
	router.Use(requestLogger(logger))
	router.Use(robotsTag())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		ledger:      deps.Ledger,
		verifier:    deps.Verifier,
		challenges:  deps.Challenges,
		gate:        deps.Gate,
		catalog:     deps.Catalog,
		assets:      deps.Assets,
		distributor: deps.Distributor,
		events:      events,
		keepAlive:   keepAlive,
		baseURL:     strings.TrimSpace(deps.BaseURL),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	registryRoutes := router.Group("/api/registry")
	registryRoutes.POST("/register", handler.handleRegister)
	registryRoutes.POST("/heartbeat", handler.handleHeartbeat)
	registryRoutes.POST("/deregister", handler.handleDeregister)
	registryRoutes.POST("/inventory", handler.handleSubmitInventory)
	registryRoutes.GET("/inventory", handler.handleReadInventory)
	registryRoutes.GET("/sites", handler.handleListSites)
	registryRoutes.GET("/events", handler.handleEvents)
	if deps.Challenges != nil {
		registryRoutes.POST("/challenge", handler.handleChallenge)
	}

	updateRoutes := router.Group("/api/updates")
	updateRoutes.POST("/publish", handler.handlePublish)
	updateRoutes.POST("/upload", handler.handleUpload)
	updateRoutes.GET("/check", handler.handleCheck)
	updateRoutes.GET("/download", handler.handleDownload)

	return router, nil
}

type httpHandler struct {
	ledger      *registry.Ledger
	verifier    Verifier
	challenges  ChallengeIssuer
	gate        *access.Gate
	catalog     *catalog.Catalog
	assets      *assets.Store
	distributor *assets.Distributor
	events      *RegistryEventDispatcher
	keepAlive   time.Duration
	baseURL     string
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", access.AdminKeyHeader, access.PublishKeyHeader},
		ExposeHeaders: []string{ExpectedDigestHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	})
}

func robotsTag() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(robotsHeader, robotsPolicy)
		c.Next()
	}
}

// requestLogger writes one line per request. Query strings and headers are left out so
// credentials never reach the log.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)))
	}
}

// recoverPanics turns handler panics into 500s. http.ErrAbortHandler is re-raised so net/http
// drops the connection of a download that failed mid-stream.
func recoverPanics(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			logger.Error("handler panic", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}

// writeError renders err as {"error","code"} with the status its kind maps to.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", apperrors.CodeOf(err)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": publicMessage(err), "code": apperrors.CodeOf(err)})
}

// writePlainError is writeError for routes whose clients expect text bodies.
func (h *httpHandler) writePlainError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", apperrors.CodeOf(err)),
			zap.Error(err))
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(status, publicMessage(err))
	c.Abort()
}

func publicMessage(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		return "unauthorized"
	case apperrors.KindStorage, "":
		return "internal error"
	default:
		if cause := errors.Unwrap(err); cause != nil {
			return cause.Error()
		}
		return err.Error()
	}
}

func badRequest(operation, reason, message string) error {
	return apperrors.Validation(operation, reason, errors.New(message))
}

// requestBaseURL picks the configured origin, then forwarded headers, then the request itself.
func (h *httpHandler) requestBaseURL(c *gin.Context) string {
	if h.baseURL != "" {
		return strings.TrimRight(h.baseURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := firstHeaderValue(c.GetHeader("X-Forwarded-Proto")); forwarded != "" {
		scheme = forwarded
	}
	host := c.Request.Host
	if forwarded := firstHeaderValue(c.GetHeader("X-Forwarded-Host")); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host
}

func firstHeaderValue(value string) string {
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}
