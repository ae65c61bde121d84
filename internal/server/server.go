package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bountyhub/internal/apperr"
	"bountyhub/internal/config"
	"bountyhub/internal/engine"
	"bountyhub/internal/reconcile"
	"bountyhub/internal/settlement"
	"bountyhub/internal/slogx"
)

const DefaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Settlement settlement.Service
	Reconciler reconcile.Reconciler
	BasePath   string
	Auth       AuthConfig
	RateLimit  config.RateLimitConfig
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"bounty is not open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"not_open\"}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the bounty API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"reason": "invalid_request", "errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(slogx.HTTPMiddleware(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(newRateLimitMiddleware(cfg.RateLimit))
	hcfg := huma.DefaultConfig("Bountyhub API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerBounties(group, cfg.Engine)
	registerPayments(group, cfg.Settlement)
	registerPayoutWebhook(group, cfg.Reconciler)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var statusByCode = map[apperr.Code]int{
	apperr.InvalidInput:          http.StatusBadRequest,
	apperr.Forbidden:             http.StatusForbidden,
	apperr.NotFound:              http.StatusNotFound,
	apperr.InvalidState:          http.StatusConflict,
	apperr.Conflict:              http.StatusConflict,
	apperr.NotPayable:            http.StatusUnprocessableEntity,
	apperr.DependencyUnavailable: http.StatusServiceUnavailable,
}

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	log := slogx.FromContext(ctx)
	var ae *apperr.Error
	if errors.As(err, &ae) {
		status, ok := statusByCode[ae.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		var details map[string]any
		if ae.Reason != "" {
			details = map[string]any{"reason": ae.Reason}
		}
		msg := ae.Message
		if ae.Code == apperr.DependencyUnavailable {
			log.ErrorContext(ctx, "dependency unavailable", "reason", ae.Reason, "err", err)
		} else if msg == "" {
			msg = err.Error()
		}
		return newAPIError(status, string(ae.Code), msg, details)
	}
	log.ErrorContext(ctx, "unhandled error", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.InvalidInput)
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return string(apperr.Forbidden)
	case http.StatusNotFound:
		return string(apperr.NotFound)
	case http.StatusConflict:
		return string(apperr.Conflict)
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*MeResponse, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, errUnauthenticated()
		}
		res := &MeResponse{}
		res.Body.Source = p.Source
		if p.User != nil {
			res.Body.User = p.User
		}
		if p.Integration != "" {
			res.Body.Integration = p.Integration
		}
		return res, nil
	})
}
