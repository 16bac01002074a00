package flag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// maxResponseBytes bounds upstream response bodies.
const maxResponseBytes = 1 << 20

// ErrUpstreamUnavailable is returned when the circuit breaker is open and no
// call to the upstream is attempted.
var ErrUpstreamUnavailable = errors.New("flag upstream unavailable")

// RemoteConfig holds configuration for the remote evaluator.
type RemoteConfig struct {
	// BaseURL is the upstream flag API root, e.g. "https://flags.internal".
	BaseURL string

	// Timeout is the per-request timeout. Default: 10 seconds.
	Timeout time.Duration

	// MaxRetries is the number of retry attempts per evaluation. Default: 3.
	MaxRetries uint64

	// InitialInterval is the first retry backoff interval. Default: 100ms.
	InitialInterval time.Duration

	// MaxInterval caps the retry backoff interval. Default: 5 seconds.
	MaxInterval time.Duration

	// BreakerTimeout is the open-state period before the breaker probes the
	// upstream again. Default: 60 seconds.
	BreakerTimeout time.Duration

	Logger zerolog.Logger
}

// Remote evaluates flags against an upstream HTTP API. Transient upstream
// failures are retried with exponential backoff; sustained failure trips a
// circuit breaker so evaluations fail fast until the upstream recovers.
// Every failure mode surfaces as an ordinary evaluation error, which is what
// the offline guard restores from.
type Remote struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	config     RemoteConfig
	logger     zerolog.Logger
}

// NewRemote creates a remote evaluator.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote evaluator requires a base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "flag-upstream",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		IsSuccessful: func(err error) bool {
			// An unknown flag is a well-formed upstream answer, not an outage.
			return err == nil || errors.Is(err, ErrUnknownFlag)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &Remote{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		config:     cfg,
		logger:     cfg.Logger,
	}, nil
}

// IsEnabled fetches a single flag's current value from the upstream.
func (r *Remote) IsEnabled(ctx context.Context, name string) (bool, error) {
	body, err := r.get(ctx, "/v1/flags/"+url.PathEscape(name))
	if err != nil {
		return false, err
	}

	var payload struct {
		Key     string `json:"key"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode flag response: %w", err)
	}
	return payload.Enabled, nil
}

// Flags enumerates every flag the upstream currently serves.
func (r *Remote) Flags(ctx context.Context) (map[string]bool, error) {
	body, err := r.get(ctx, "/v1/flags")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Flags []struct {
			Key     string `json:"key"`
			Enabled bool   `json:"enabled"`
		} `json:"flags"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode flags response: %w", err)
	}

	flags := make(map[string]bool, len(payload.Flags))
	for _, f := range payload.Flags {
		flags[f.Key] = f.Enabled
	}
	return flags, nil
}

// Init verifies the upstream is reachable and ready.
func (r *Remote) Init(ctx context.Context) error {
	if _, err := r.get(ctx, "/v1/ops/ready"); err != nil {
		return fmt.Errorf("flag upstream not ready: %w", err)
	}
	return nil
}

// get performs a GET with retries and circuit breaker protection.
func (r *Remote) get(ctx context.Context, path string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.InitialInterval
	bo.MaxInterval = r.config.MaxInterval
	bo.MaxElapsedTime = 0 // retries bounded by WithMaxRetries

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, r.config.MaxRetries), ctx)

	return backoff.RetryWithData(func() ([]byte, error) {
		body, err := r.breaker.Execute(func() ([]byte, error) {
			return r.doGet(ctx, path)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Fail fast while the breaker is open; retrying would only
			// hammer it back open.
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err))
		}
		return body, err
	}, policy)
}

func (r *Remote) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrUnknownFlag)
	case resp.StatusCode >= 500:
		// Server-side failures are worth retrying.
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
	}
}

var (
	_ Evaluator   = (*Remote)(nil)
	_ Initializer = (*Remote)(nil)
	_ Lister      = (*Remote)(nil)
)
