package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/breaker"
	"github.com/MarkoPoloResearchLab/vendgate/internal/engine"
	"github.com/MarkoPoloResearchLab/vendgate/internal/ledger"
	"github.com/MarkoPoloResearchLab/vendgate/internal/token"
	"github.com/MarkoPoloResearchLab/vendgate/internal/vend"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerClientRequestID = "X-Client-Request-Id"
	headerAdminAPIKey     = "X-API-Key"

	routeVendToken  = "/vend-token"
	routeAddCredits = "/credits/add"
)

// Deps are the constructed services the HTTP surface exposes.
type Deps struct {
	Logger *zap.Logger
	Vend   *vend.Service
	Ledger *ledger.Service
}

// Run boots the HTTP server using the supplied configuration and blocks
// until ctx is cancelled or the server fails.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	router := NewRouter(cfg, deps)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("vendgate listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine and routes.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerClientRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		logger: deps.Logger,
		vend:   deps.Vend,
		ledger: deps.Ledger,
		cfg:    cfg,
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST(routeVendToken, handler.handleVendToken)
	router.POST("/transcribe", handler.handleTranscribe)
	router.GET("/status/:id", handler.handleJobStatus)

	admin := router.Group("/credits")
	admin.Use(handler.requireAdminKey)
	admin.POST("/add", handler.handleAddCredits)
	admin.GET("/balance", handler.handleBalance)
	admin.GET("/audit", handler.handleAudit)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	vend   *vend.Service
	ledger *ledger.Service
	cfg    Config
}

type vendTokenRequest struct {
	UserID string `json:"userId"`
}

type addCreditsRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

func (handler *httpHandler) handleVendToken(ctx *gin.Context) {
	bearer := bearerToken(ctx)
	if bearer == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
		return
	}
	var request vendTokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with userId"))
		return
	}

	result, err := handler.vend.VendToken(ctx.Request.Context(), vend.Request{
		BearerToken:     bearer,
		UserID:          request.UserID,
		ClientRequestID: strings.TrimSpace(ctx.GetHeader(headerClientRequestID)),
		Origin:          ctx.ClientIP(),
		Route:           routeVendToken,
		IP:              ctx.ClientIP(),
		UserAgent:       ctx.Request.UserAgent(),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Data(result.StatusCode, "application/json", result.Body)
}

func (handler *httpHandler) handleTranscribe(ctx *gin.Context) {
	bearer := bearerToken(ctx)
	if bearer == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
		return
	}
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	response, err := handler.vend.Transcribe(ctx.Request.Context(), bearer, payload)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	// Downstream status passes through unchanged, 4xx included.
	ctx.Data(response.StatusCode, "application/json", response.Body)
}

func (handler *httpHandler) handleJobStatus(ctx *gin.Context) {
	bearer := bearerToken(ctx)
	if bearer == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
		return
	}
	response, err := handler.vend.JobStatus(ctx.Request.Context(), bearer, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Data(response.StatusCode, "application/json", response.Body)
}

func (handler *httpHandler) requireAdminKey(ctx *gin.Context) {
	provided := ctx.GetHeader(headerAdminAPIKey)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(handler.cfg.AdminAPIKey)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid api key"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) handleAddCredits(ctx *gin.Context) {
	var request addCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with userId and amount"))
		return
	}
	if request.Amount <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	balance, err := handler.ledger.AddCredits(ctx.Request.Context(), request.UserID, request.Amount, uuid.NewString(), ledger.RequestContext{
		Route:     routeAddCredits,
		IP:        ctx.ClientIP(),
		UserAgent: ctx.Request.UserAgent(),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"userId": request.UserID, "balance": balance})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID := ctx.Query("userId")
	balance, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"userId": userID, "balance": balance})
}

func (handler *httpHandler) handleAudit(ctx *gin.Context) {
	userID := ctx.Query("userId")
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	records, err := handler.ledger.Audits(ctx.Request.Context(), userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(records))
	for _, record := range records {
		payload = append(payload, gin.H{
			"id":           record.AuditID,
			"userId":       record.UserID,
			"requestId":    record.RequestID,
			"action":       record.Action,
			"route":        record.Route,
			"creditDelta":  record.CreditDelta,
			"balanceAfter": record.BalanceAfter,
			"createdAt":    time.Unix(record.CreatedUnixUTC, 0).UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"userId": userID, "records": payload})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficient *vend.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{"balance": insufficient.Balance})
		return
	}
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string, string) {
	var upstreamStatus *engine.UpstreamStatusError
	switch {
	case errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, token.ErrInvalidSignature),
		errors.Is(err, token.ErrMalformedToken):
		return http.StatusUnauthorized, "unauthorized", "invalid or expired token"
	case errors.Is(err, token.ErrScopeMismatch), errors.Is(err, vend.ErrUserMismatch):
		return http.StatusForbidden, "forbidden", "token does not authorize this request"
	case errors.Is(err, vend.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidRequestID),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, vend.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many requests"
	case errors.Is(err, vend.ErrRequestInProgress):
		return http.StatusConflict, "request_in_progress", "a request with this id is already in progress"
	case errors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable, "engine_unavailable", "downstream engine is unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "engine_timeout", "downstream engine timed out"
	case errors.As(err, &upstreamStatus):
		return http.StatusBadGateway, "engine_error", "downstream engine failed"
	case errors.Is(err, engine.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "engine_error", "downstream engine is unreachable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func bearerToken(ctx *gin.Context) string {
	header := ctx.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
