// Package assets fetches chapter page images from their upstream hosts and
// normalizes them into JPEG pages.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"example/manga-api/app/logging"
	"example/manga-api/app/metrics"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxBytes     = 20 << 20
	acceptImages        = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"
)

// FetchError reports why one image could not be retrieved.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type FetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	// Referer is sent on every request; when empty the origin of the image
	// URL is used, which is what the upstream hosts expect.
	Referer  string
	MaxBytes int64
	Client   *http.Client
}

// Fetcher retrieves single images. Calls are independent: one failing URL
// never affects another, except that a host failing repeatedly trips its
// circuit breaker and later calls to it fail fast.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	referer   string
	maxBytes  int64

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Fetcher{
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		referer:   cfg.Referer,
		maxBytes:  cfg.MaxBytes,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Fetch downloads one image within the per-call timeout.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &FetchError{URL: rawURL, Err: errors.New("invalid image url")}
	}

	start := time.Now()
	defer func() { metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	body, err := f.breaker(u.Host).Execute(func() ([]byte, error) {
		return f.get(ctx, u)
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptImages)
	req.Header.Set("Referer", f.refererFor(u))

	res, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, &FetchError{URL: u.String(), Status: res.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: u.String(), Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &FetchError{URL: u.String(), Err: fmt.Errorf("image exceeds %d bytes", f.maxBytes)}
	}
	return body, nil
}

func (f *Fetcher) refererFor(u *url.URL) string {
	if f.referer != "" {
		return f.referer
	}
	return u.Scheme + "://" + u.Host + "/"
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	metrics.BreakerState.WithLabelValues(host).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        host,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("image host breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	f.breakers[host] = cb
	return cb
}

// breakerSuccess keeps missing pages and client cancellations from counting
// against the host.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Status >= 400 && fe.Status < 500 {
		return true
	}
	return false
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
