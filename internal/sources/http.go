package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	"github.com/STRATINT/polwatch/internal/models"
)

const maxBodyBytes = 8 << 20

// HTTPOptions configures the request plumbing shared by all adapters.
type HTTPOptions struct {
	Client            *http.Client
	RequestsPerSecond float64
	Burst             int
	// BreakerFailures transient failures out of BreakerWindow requests open the breaker.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
	UserAgent       string
	Logger          *slog.Logger
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 1
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.BreakerWindow == 0 {
		o.BreakerWindow = 10
	}
	if o.BreakerFailures == 0 || o.BreakerFailures > o.BreakerWindow {
		o.BreakerFailures = 5
		if o.BreakerFailures > o.BreakerWindow {
			o.BreakerFailures = o.BreakerWindow
		}
	}
	if o.BreakerDelay <= 0 {
		o.BreakerDelay = time.Minute
	}
	if o.UserAgent == "" {
		o.UserAgent = "polwatch/1.0"
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// fetcher performs rate-limited GETs behind a circuit breaker and classifies
// failures into models.SourceError kinds.
type fetcher struct {
	platform models.Platform
	client   *http.Client
	limiter  *rate.Limiter
	breaker  circuitbreaker.CircuitBreaker[[]byte]
	agent    string
}

func newFetcher(p models.Platform, opts HTTPOptions) *fetcher {
	opts = opts.withDefaults()
	logger := opts.Logger.With("source", p)

	breaker := circuitbreaker.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return err != nil && errors.Is(err, models.ErrTransientSource)
		}).
		WithFailureThresholdRatio(opts.BreakerFailures, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("source circuit breaker state change",
				"from_state", stateName(e.OldState),
				"to_state", stateName(e.NewState),
			)
		}).
		Build()

	return &fetcher{
		platform: p,
		client:   opts.Client,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker:  breaker,
		agent:    opts.UserAgent,
	}
}

// get fetches url and returns the body of a 2xx response.
func (f *fetcher) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, f.transient(0, fmt.Errorf("rate limiter: %w", err))
	}

	body, err := failsafe.With(f.breaker).WithContext(ctx).Get(func() ([]byte, error) {
		return f.do(ctx, url, headers)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, f.transient(0, err)
	}
	return body, err
}

func (f *fetcher) getJSON(ctx context.Context, url string, headers map[string]string, dst any) error {
	body, err := f.get(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &models.SourceError{Source: f.platform, Kind: models.SourceErrorPermanent, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (f *fetcher) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.SourceError{Source: f.platform, Kind: models.SourceErrorPermanent, Err: err}
	}
	req.Header.Set("User-Agent", f.agent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.transient(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, f.transient(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &models.SourceError{
			Source:     f.platform,
			Kind:       models.SourceErrorRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("quota exhausted: %s", truncate(string(body), 200)),
		}
	case resp.StatusCode >= 500:
		return nil, f.transient(resp.StatusCode, fmt.Errorf("server error: %s", truncate(string(body), 200)))
	case resp.StatusCode >= 400:
		return nil, &models.SourceError{
			Source:     f.platform,
			Kind:       models.SourceErrorPermanent,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("request rejected: %s", truncate(string(body), 200)),
		}
	}
	return body, nil
}

func (f *fetcher) transient(status int, err error) error {
	return &models.SourceError{Source: f.platform, Kind: models.SourceErrorTransient, StatusCode: status, Err: err}
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
