// Package vend ties authentication, rate limiting, idempotency, the credit
// ledger, and token minting into the vend-token workflow, and fronts the
// downstream engine for token-bearing callers.
package vend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/engine"
	"github.com/MarkoPoloResearchLab/vendgate/internal/idemcache"
	"github.com/MarkoPoloResearchLab/vendgate/internal/ledger"
	"github.com/MarkoPoloResearchLab/vendgate/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/vendgate/internal/token"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Token scopes used by the gateway.
const (
	// ScopeVend authorizes a caller to request engine tokens.
	ScopeVend = "vend"
	// ScopeEngine authorizes invoking the downstream engine.
	ScopeEngine = "engine"
)

// Policy holds the tunables of the vend workflow.
type Policy struct {
	// SpendCost is the credit price of one vended token.
	SpendCost ledger.Credits
	// TokenTTL is the lifetime of vended engine tokens.
	TokenTTL time.Duration
	// IdempotencyTTL bounds the replay window.
	IdempotencyTTL time.Duration
	// CallerLimit and OriginLimit are fixed-window request caps.
	CallerLimit int
	OriginLimit int
	Window      time.Duration
}

// Request is one inbound vend-token call.
type Request struct {
	BearerToken     string
	UserID          string
	ClientRequestID string
	Origin          string
	Route           string
	IP              string
	UserAgent       string
}

// Result is the response to hand back. Body is the exact JSON to serve, so
// idempotent replays are byte-identical.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	Replayed   bool
}

type vendResponse struct {
	Token        string `json:"token"`
	ExpiresAt    string `json:"expiresAt"`
	BalanceAfter int64  `json:"balanceAfter"`
	RequestID    string `json:"requestId"`
}

// Service is the vend-token orchestrator.
type Service struct {
	ledger  *ledger.Service
	idem    idemcache.Store
	limiter *ratelimit.Limiter
	issuer  *token.Issuer
	engine  *engine.Client
	policy  Policy
	logger  *zap.Logger
}

// NewService wires a Service.
func NewService(ledgerService *ledger.Service, idem idemcache.Store, limiter *ratelimit.Limiter, issuer *token.Issuer, engineClient *engine.Client, policy Policy, logger *zap.Logger) (*Service, error) {
	if ledgerService == nil || idem == nil || limiter == nil || issuer == nil || engineClient == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if policy.SpendCost <= 0 {
		policy.SpendCost = 1
	}
	if policy.TokenTTL <= 0 || policy.TokenTTL > token.MaxTTL {
		return nil, fmt.Errorf("%w: token ttl must be in (0, %s]", ErrInvalidConfig, token.MaxTTL)
	}
	if policy.IdempotencyTTL <= 0 {
		policy.IdempotencyTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:  ledgerService,
		idem:    idem,
		limiter: limiter,
		issuer:  issuer,
		engine:  engineClient,
		policy:  policy,
		logger:  logger,
	}, nil
}

// VendToken runs the linear vend workflow: authenticate, rate-limit, check
// idempotency, spend exactly one unit of credit, mint an engine-scoped token,
// and cache the response. Only the spend mutates shared financial state, and
// it executes at most once per reservation.
func (service *Service) VendToken(ctx context.Context, request Request) (Result, error) {
	claims, err := service.issuer.Verify(request.BearerToken, ScopeVend)
	if err != nil {
		return Result{}, err
	}
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return Result{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if claims.Subject != userID {
		return Result{}, ErrUserMismatch
	}

	if !service.limiter.CheckAndIncrement(ctx, "user:"+userID, service.policy.CallerLimit, service.policy.Window) {
		return Result{}, ErrRateLimited
	}
	if request.Origin != "" && !service.limiter.CheckAndIncrement(ctx, "origin:"+request.Origin, service.policy.OriginLimit, service.policy.Window) {
		return Result{}, ErrRateLimited
	}

	idemKey := ""
	if request.ClientRequestID != "" {
		idemKey = idemcache.Key("vend:"+userID, request.ClientRequestID)
		reserved, err := service.idem.Reserve(ctx, idemKey, service.policy.IdempotencyTTL)
		if err != nil {
			return Result{}, err
		}
		if !reserved {
			entry, found, err := service.idem.Lookup(ctx, idemKey)
			if err != nil {
				return Result{}, err
			}
			if found && entry.Status == idemcache.StatusCompleted {
				return Result{StatusCode: entry.StatusCode, Body: entry.Response, Replayed: true}, nil
			}
			return Result{}, ErrRequestInProgress
		}
	}

	// A caller disconnect must not interrupt the spend or leave a committed
	// spend without a cached response.
	workCtx := context.WithoutCancel(ctx)

	requestID := request.ClientRequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	spend, err := service.ledger.SpendAtomic(workCtx, userID, requestID, service.policy.SpendCost, ledger.RequestContext{
		Route:     request.Route,
		IP:        request.IP,
		UserAgent: request.UserAgent,
	})
	if err != nil {
		service.release(workCtx, idemKey)
		if errors.Is(err, ledger.ErrDuplicateRequest) {
			// The ledger already charged this request id; without the cached
			// response the only safe answer is a conflict, never a re-spend.
			return Result{}, ErrRequestInProgress
		}
		// Ambiguous storage outcome: treated as failed, no token issued.
		return Result{}, err
	}
	if !spend.Success {
		service.release(workCtx, idemKey)
		return Result{}, &InsufficientCreditsError{Balance: spend.BalanceAfter}
	}

	signed, expiresAt, err := service.issuer.Mint(userID, ScopeEngine, service.policy.TokenTTL)
	if err != nil {
		// Credit is spent but no token was produced. Keep the reservation so
		// a replay cannot charge again; the caller sees an internal error.
		service.logger.Error("mint after successful spend failed",
			zap.String("user_id", userID),
			zap.String("request_id", requestID),
			zap.Error(err))
		return Result{}, err
	}

	body, err := json.Marshal(vendResponse{
		Token:        signed,
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		BalanceAfter: spend.BalanceAfter,
		RequestID:    requestID,
	})
	if err != nil {
		return Result{}, err
	}
	result := Result{StatusCode: http.StatusOK, Body: body}

	if idemKey != "" {
		if err := service.idem.Complete(workCtx, idemKey, idemcache.Entry{
			StatusCode: result.StatusCode,
			Response:   body,
		}, service.policy.IdempotencyTTL); err != nil {
			service.logger.Warn("idempotency complete failed",
				zap.String("user_id", userID),
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}
	return result, nil
}

// Transcribe forwards a transcription request to the engine for a caller
// bearing a vended engine-scoped token.
func (service *Service) Transcribe(ctx context.Context, bearerToken string, payload []byte) (*engine.Response, error) {
	if _, err := service.issuer.Verify(bearerToken, ScopeEngine); err != nil {
		return nil, err
	}
	return service.engine.Transcribe(ctx, payload)
}

// JobStatus fetches engine job status for a caller bearing a vended token.
func (service *Service) JobStatus(ctx context.Context, bearerToken string, jobID string) (*engine.Response, error) {
	if _, err := service.issuer.Verify(bearerToken, ScopeEngine); err != nil {
		return nil, err
	}
	return service.engine.JobStatus(ctx, jobID)
}

func (service *Service) release(ctx context.Context, idemKey string) {
	if idemKey == "" {
		return
	}
	if err := service.idem.Release(ctx, idemKey); err != nil {
		service.logger.Warn("idempotency release failed", zap.String("key", idemKey), zap.Error(err))
	}
}
