package finnhub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"SignalDesk/internal/domain/models"
	"SignalDesk/pkg/backoff"
	xhttp "SignalDesk/pkg/http"
	applogger "SignalDesk/pkg/logger"

	"golang.org/x/time/rate"
)

const quoteSource = "finnhub-rest"

// QuoterConfig configures the REST poll adapter.
type QuoterConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
	Retry         backoff.Policy
}

// Quoter is a PollAdapter backed by the Finnhub /quote endpoint.
type Quoter struct {
	cfg     QuoterConfig
	client  *xhttp.Client
	limiter *rate.Limiter
	l       *applogger.Logger
	now     func() time.Time
}

// NewQuoter creates a REST poll adapter.
func NewQuoter(cfg QuoterConfig, l *applogger.Logger) *Quoter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.Policy{Base: 200 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 2, Jitter: true}
	}
	return &Quoter{
		cfg:     cfg,
		client:  xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout)),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.Burst),
		l:       l,
		now:     time.Now,
	}
}

func (q *Quoter) Name() string { return "finnhub-rest" }

type fhQuote struct {
	C  float64 `json:"c"`  // current
	D  float64 `json:"d"`  // change
	Dp float64 `json:"dp"` // change percent
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	O  float64 `json:"o"`
	Pc float64 `json:"pc"`
	T  int64   `json:"t"` // unix seconds
}

func retryable(err error) bool {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// FetchOnce performs a single rate-limited quote request, retrying transient failures.
func (q *Quoter) FetchOnce(ctx context.Context, key models.Key) (models.PriceQuote, error) {
	var raw fhQuote
	err := backoff.Retry(ctx, q.cfg.Retry, retryable, func(ctx context.Context) error {
		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		return q.get(ctx, key, &raw)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.PriceQuote{}, fmt.Errorf("finnhub quote %s: %w: %v", key, models.ErrTimeout, err)
		}
		return models.PriceQuote{}, fmt.Errorf("finnhub quote %s: %w", key, err)
	}

	tick := models.RawTick{
		Price:         raw.C,
		Change:        raw.D,
		ChangePercent: raw.Dp,
		HasChange:     true,
		Source:        quoteSource,
	}
	if raw.T > 0 {
		tick.Time = time.Unix(raw.T, 0).UTC()
	}
	return models.NormalizeTick(key, tick, q.now())
}

func (q *Quoter) get(ctx context.Context, key models.Key, dest *fhQuote) error {
	params := map[string][]string{"symbol": {key.String()}}
	if q.cfg.APIKey != "" {
		params["token"] = []string{q.cfg.APIKey}
	}
	if err := q.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         strings.TrimRight(q.cfg.BaseURL, "/") + "/quote",
		QueryParams: params,
	}, dest); err != nil {
		return err
	}
	// Finnhub answers unknown symbols with an all-zero body.
	if dest.C <= 0 {
		return fmt.Errorf("symbol %s: %w", key, models.ErrNotFound)
	}
	return nil
}
