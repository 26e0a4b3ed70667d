// Package httpapi exposes payment webhooks, operator routes and the user wallet over gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/storyledger/internal/dispatch"
	"github.com/MarkoPoloResearchLab/storyledger/internal/providers"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	claimsContextKey      = "auth_claims"
	adminIDContextKey     = "admin_id"
	defaultRequestTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
	maxWebhookBodyBytes   = 1 << 20
)

var ErrInvalidServerConfig = errors.New("invalid http server configuration")

// Config carries the transport settings.
type Config struct {
	AllowedOrigins []string
	AdminJWTSecret string
	AdminJWTIssuer string
	// SessionValidator nil disables /api routes.
	SessionValidator *sessionvalidator.Validator
	// InitialCredits are granted once per user on first wallet access. Zero disables them.
	InitialCredits int64
	RequestTimeout time.Duration
}

// Dependencies are the domain services behind the routes.
type Dependencies struct {
	Ledger    *ledger.Service
	Gate      *payments.Gate
	Providers *providers.Registry
	// Dispatcher nil processes webhook events inline.
	Dispatcher dispatch.Dispatcher
	Logger     *zap.Logger
	// Ready reports storage health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

type handler struct {
	cfg  Config
	deps Dependencies
}

// NewRouter builds the gin engine with every route.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil || deps.Gate == nil || deps.Providers == nil {
		return nil, fmt.Errorf("%w: ledger, gate and providers are required", ErrInvalidServerConfig)
	}
	if cfg.AdminJWTSecret == "" {
		return nil, fmt.Errorf("%w: admin jwt secret is required", ErrInvalidServerConfig)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler := &handler{cfg: cfg, deps: deps}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/webhooks/:provider", handler.handleWebhook)

	admin := router.Group("/admin")
	admin.Use(adminAuth(cfg.AdminJWTSecret, cfg.AdminJWTIssuer))
	admin.POST("/users/:userID/grants", handler.handleAdminGrant)
	admin.POST("/users/:userID/deductions", handler.handleAdminDeduct)
	admin.PUT("/users/:userID/balance", handler.handleSetBalance)
	admin.GET("/users/:userID/credits", handler.handleCreditDetails)
	admin.GET("/users/:userID/transactions", handler.handleTransactions)
	admin.POST("/users/:userID/balance-cache/resync", handler.handleResyncCache)
	admin.POST("/payments", handler.handleRegisterPayment)
	admin.GET("/payments/:paymentID", handler.handleGetPayment)
	admin.POST("/webhook-events/:eventID/replay", handler.handleReplay)

	if cfg.SessionValidator != nil {
		api := router.Group("/api")
		api.Use(cfg.SessionValidator.GinMiddleware(claimsContextKey))
		api.GET("/wallet", handler.handleWallet)
	}
	return router, nil
}

// Serve runs the HTTP server until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (handler *handler) handleHealth(ctx *gin.Context) {
	if handler.deps.Ready != nil {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
		defer cancel()
		if err := handler.deps.Ready(requestCtx); err != nil {
			handler.deps.Logger.Warn("readiness check failed", zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}
