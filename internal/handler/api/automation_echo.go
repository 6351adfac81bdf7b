package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	models "SignalDesk/internal/domain/models"
	"SignalDesk/internal/service/metrics"
	"SignalDesk/internal/service/ratelimit"
	"SignalDesk/internal/usecase"
	xhttp "SignalDesk/pkg/http"
	xlogger "SignalDesk/pkg/logger"

	"github.com/labstack/echo/v4"
)

// APIConsumer owns subscriptions created through the control API.
const APIConsumer = "api"

type Runner interface {
	RunOnce(ctx context.Context) (models.RunStats, error)
	LastRun(ctx context.Context) (models.RunStats, bool)
}

type Closer interface {
	Close(ctx context.Context, cmd usecase.CloseCommand) (models.Signal, error)
}

type Quotes interface {
	Get(ctx context.Context, symbol, exchange string, maxAge time.Duration) (models.PriceQuote, error)
	Stats() models.CacheStats
}

type Subscriptions interface {
	EnsureSubscribed(ctx context.Context, consumer, symbol, exchange string) error
	Unsubscribe(ctx context.Context, consumer, symbol, exchange string) error
	Stats() models.FeedStats
}

// AutomationEchoHandler exposes the automation control surface.
type AutomationEchoHandler struct {
	logger *xlogger.Logger
	runner Runner
	closer Closer
	quotes Quotes
	subs   Subscriptions

	rl           *ratelimit.Limiter
	rlCapacity   float64
	rlRefillRate float64
}

type HandlerOption func(*AutomationEchoHandler)

// WithRunRateLimit sets the per-client token bucket for manual runs.
func WithRunRateLimit(capacity, refillPerSec float64) HandlerOption {
	return func(h *AutomationEchoHandler) {
		if capacity >= 1 {
			h.rlCapacity = capacity
		}
		if refillPerSec > 0 {
			h.rlRefillRate = refillPerSec
		}
	}
}

// WithLimiter replaces the per-client limiter, e.g. one built with a test clock.
func WithLimiter(rl *ratelimit.Limiter) HandlerOption {
	return func(h *AutomationEchoHandler) {
		if rl != nil {
			h.rl = rl
		}
	}
}

func NewAutomationEchoHandler(logger *xlogger.Logger, runner Runner, closer Closer, quotes Quotes, subs Subscriptions, opts ...HandlerOption) *AutomationEchoHandler {
	metrics.Register()
	if logger == nil {
		logger = xlogger.NewNop()
	}
	h := &AutomationEchoHandler{
		logger:       logger,
		runner:       runner,
		closer:       closer,
		quotes:       quotes,
		subs:         subs,
		rl:           ratelimit.New(),
		rlCapacity:   3,
		rlRefillRate: 0.2,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *AutomationEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/automation/run", h.Run)
	g.GET("/automation/metrics", h.Metrics)
	g.POST("/signals/:id/close", h.CloseSignal)
	g.GET("/quotes", h.Quote)
	g.POST("/subscriptions", h.Subscribe)
	g.DELETE("/subscriptions", h.Unsubscribe)
}

func (h *AutomationEchoHandler) Run(c echo.Context) error {
	defer observe("run", time.Now())
	if !h.rl.Allow(c.RealIP(), h.rlCapacity, h.rlRefillRate) {
		metrics.APIErrors.WithLabelValues("run").Inc()
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("automation run rate limit exceeded"))
	}

	stats, err := h.runner.RunOnce(c.Request().Context())
	if err != nil {
		metrics.APIErrors.WithLabelValues("run").Inc()
		h.logger.Warn("automation run request failed", xlogger.String("run_id", stats.RunID), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err).WithParam("run_id", stats.RunID))
	}
	return xhttp.SuccessResponse(c, stats)
}

type metricsResponse struct {
	LastRun *models.RunStats  `json:"last_run,omitempty"`
	Cache   models.CacheStats `json:"cache"`
	Feed    models.FeedStats  `json:"feed"`
}

func (h *AutomationEchoHandler) Metrics(c echo.Context) error {
	defer observe("metrics", time.Now())
	res := metricsResponse{Cache: h.quotes.Stats(), Feed: h.subs.Stats()}
	if last, ok := h.runner.LastRun(c.Request().Context()); ok {
		res.LastRun = &last
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *AutomationEchoHandler) CloseSignal(c echo.Context) error {
	defer observe("close", time.Now())
	req := &models.CloseSignalRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	sig, err := h.closer.Close(c.Request().Context(), usecase.CloseCommand{
		ID:        req.ID,
		ExitPrice: req.ExitPrice,
		Note:      req.Note,
		Reason:    usecase.ReasonManualClose,
	})
	if err != nil {
		metrics.APIErrors.WithLabelValues("close").Inc()
		h.logger.Warn("manual close failed", xlogger.String("id", req.ID), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.SuccessResponse(c, sig)
}

func (h *AutomationEchoHandler) Quote(c echo.Context) error {
	defer observe("quote", time.Now())
	req := &models.QuoteRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	q, err := h.quotes.Get(c.Request().Context(), req.Symbol, req.Exchange, time.Duration(req.MaxAgeMs)*time.Millisecond)
	if err != nil {
		metrics.APIErrors.WithLabelValues("quote").Inc()
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, q)
}

func (h *AutomationEchoHandler) Subscribe(c echo.Context) error {
	defer observe("subscribe", time.Now())
	req := &models.SubscriptionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.subs.EnsureSubscribed(c.Request().Context(), APIConsumer, req.Symbol, req.Exchange); err != nil {
		metrics.APIErrors.WithLabelValues("subscribe").Inc()
		h.logger.Error("subscribe failed", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.SuccessResponse(c, models.NewKey(req.Symbol, req.Exchange).String())
}

func (h *AutomationEchoHandler) Unsubscribe(c echo.Context) error {
	defer observe("unsubscribe", time.Now())
	req := &models.SubscriptionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.subs.Unsubscribe(c.Request().Context(), APIConsumer, req.Symbol, req.Exchange); err != nil {
		metrics.APIErrors.WithLabelValues("unsubscribe").Inc()
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.NoContentResponse(c)
}

func observe(endpoint string, start time.Time) {
	metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// toAppError maps domain errors onto HTTP errors.
func toAppError(err error) *xhttp.AppError {
	var stale *models.StaleError
	switch {
	case errors.As(err, &stale):
		return xhttp.NewAppError("ERR_STALE", "", err.Error(), http.StatusServiceUnavailable).
			WithParam("quote", stale.Quote).
			WithParam("age_ms", stale.Age.Milliseconds()).
			WithError(err)
	case errors.Is(err, usecase.ErrInvalidExitPrice):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrLockHeld),
		errors.Is(err, models.ErrRunInProgress),
		errors.Is(err, usecase.ErrStopped):
		return xhttp.ConflictError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrBatchAbort),
		errors.Is(err, models.ErrPriceUnavailable):
		return xhttp.ServiceUnavailableError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrTimeout):
		return xhttp.GatewayTimeoutError(err.Error()).WithError(err)
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}
