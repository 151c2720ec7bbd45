// Package download fetches remote objects to local files with resume,
// bounded retry and progress reporting.
package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/checksum"
	"github.com/docker/model-store/pkg/distribution/internal/progress"
	"github.com/docker/model-store/pkg/distribution/metrics"
	"github.com/docker/model-store/pkg/distribution/types"
)

const (
	defaultMaxAttempts    = 5
	defaultAttemptTimeout = 60 * time.Second
	defaultUserAgent      = "model-store"
)

// Option configures an Engine.
type Option func(*Engine)

// BackoffFunc computes the sleep duration before a retry (0-based).
type BackoffFunc func(retry int) time.Duration

// WithHTTPClient sets the client used when a request names no transport.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.client = c
		}
	}
}

// WithMaxAttempts sets the total number of attempts per fetch. Default: 5.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the backoff strategy between attempts.
// Default: jittered exponential starting at 200ms, capped at 10s.
func WithBackoff(f BackoffFunc) Option {
	return func(e *Engine) { e.backoff = f }
}

// WithAttemptTimeout sets how long an attempt may go without receiving any
// data before it is abandoned and retried. Default: 60s.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.attemptTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithUserAgent sets the User-Agent sent on every request.
func WithUserAgent(ua string) Option {
	return func(e *Engine) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

// WithMetrics sets the collectors updated by fetches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Request describes one object to fetch.
type Request struct {
	// ID identifies the object in progress updates and logs.
	ID string
	// Locator is an http, https or file URL.
	Locator string
	// Dest is the local path. An existing file is treated as a partial
	// download and resumed.
	Dest string
	// ExpectedSize is the size of the complete object, zero when unknown.
	ExpectedSize int64
	// ExpectedDigest, when set, is checked against the completed file.
	ExpectedDigest digest.Digest
	// Header is added to every HTTP request.
	Header http.Header
	// Transport overrides the engine client's transport, e.g. to carry
	// registry credentials.
	Transport http.RoundTripper
	// Progress receives non-blocking updates. May be nil.
	Progress chan<- progress.Update
}

// Result describes a completed fetch.
type Result struct {
	// Size is the final size of Dest.
	Size int64
	// Transferred counts the bytes received over all attempts of this fetch.
	Transferred int64
	// Resumed is true when an existing partial file was continued.
	Resumed bool
	// Digest is the digest of Dest, computed with the algorithm of
	// ExpectedDigest or the canonical one.
	Digest digest.Digest
	// Verified reports that Digest equals a supplied ExpectedDigest.
	Verified bool
}

// Engine runs fetches. It is safe for concurrent use.
type Engine struct {
	client         *http.Client
	maxAttempts    int
	backoff        BackoffFunc
	attemptTimeout time.Duration
	userAgent      string
	log            *logrus.Entry
	metrics        *metrics.Metrics
	dests          *keyedMutex
}

// New returns an Engine configured by opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		client:         &http.Client{},
		maxAttempts:    defaultMaxAttempts,
		backoff:        defaultBackoff,
		attemptTimeout: defaultAttemptTimeout,
		userAgent:      defaultUserAgent,
		log:            logrus.NewEntry(logrus.StandardLogger()),
		dests:          newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithField("component", "download")
	return e
}

// defaultBackoff sleeps 200ms * 2^i with jitter in [0.5,1.0), capped at 10s.
func defaultBackoff(i int) time.Duration {
	d := time.Duration(float64(200*time.Millisecond) * math.Pow(2, float64(i)))
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}

// attemptState carries what one attempt learned to the next.
type attemptState struct {
	validator   string
	resumed     bool
	transferred int64
}

type attemptFunc func(ctx context.Context, req Request, st *attemptState) error

// Fetch downloads req.Locator to req.Dest. Transient failures are retried;
// definitive ones (not found, unauthorized, other client errors) are returned
// at once. When the retry budget is exhausted a *types.TransferError is
// returned. Cancellation of ctx leaves the partial file in place, together
// with the validator a later Fetch sends as If-Range when it resumes.
func (e *Engine) Fetch(ctx context.Context, req Request) (Result, error) {
	if req.Dest == "" {
		return Result{}, errors.New("fetch: destination path is required")
	}
	u, err := url.Parse(req.Locator)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: parsing locator %q: %w", req.Locator, err)
	}
	var attempt attemptFunc
	switch u.Scheme {
	case "http", "https":
		attempt = e.attemptHTTP
	case "file":
		attempt = e.attemptFile
	default:
		return Result{}, fmt.Errorf("fetch: unsupported locator scheme %q", u.Scheme)
	}
	if req.ID == "" {
		req.ID = filepath.Base(req.Dest)
	}

	unlock, err := e.dests.lock(ctx, req.Dest)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", req.Locator, err)
	}
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return Result{}, fmt.Errorf("fetch: creating destination directory: %w", err)
	}

	log := e.log.WithFields(logrus.Fields{"locator": req.Locator, "id": req.ID})
	st := &attemptState{}
	if u.Scheme != "file" {
		if st.validator, err = loadValidator(req.Dest); err != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", req.Locator, err)
		}
	}
	var lastErr error
	for i := 1; i <= e.maxAttempts; i++ {
		if i > 1 {
			e.metrics.Retry()
			if err := waitBackoff(ctx, e.backoff, i-2); err != nil {
				return Result{}, fmt.Errorf("fetch %s: %w", req.Locator, err)
			}
		}
		err := attempt(ctx, req, st)
		if err == nil {
			return e.complete(req, st)
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", req.Locator, ctx.Err())
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			log.WithError(fatal.err).Debug("Fetch failed permanently")
			return Result{}, fatal.err
		}
		log.WithError(err).WithField("attempt", i).Warn("Fetch attempt failed")
		lastErr = err
	}
	return Result{}, &types.TransferError{Locator: req.Locator, Attempts: e.maxAttempts, LastCause: lastErr}
}

func (e *Engine) complete(req Request, st *attemptState) (Result, error) {
	alg := digest.Canonical
	if req.ExpectedDigest != "" {
		alg = req.ExpectedDigest.Algorithm()
	}
	d, size, err := checksum.FromFileWith(alg, req.Dest)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: hashing %s: %w", req.Dest, err)
	}
	if err := removeValidator(req.Dest); err != nil {
		e.log.WithError(err).Warn("Failed to remove download validator")
	}
	progress.Send(req.Progress, progress.Update{ID: req.ID, Complete: size, Total: size})
	return Result{
		Size:        size,
		Transferred: st.transferred,
		Resumed:     st.resumed,
		Digest:      d,
		Verified:    req.ExpectedDigest != "" && d == req.ExpectedDigest,
	}, nil
}

// waitBackoff sleeps using the provided backoff function, unless the context
// is canceled.
func waitBackoff(ctx context.Context, bf BackoffFunc, retry int) error {
	var d time.Duration
	if bf != nil {
		d = bf(retry)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fatalError marks a failure that retrying cannot fix.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func fatal(err error) error { return &fatalError{err: err} }

// classifyStatus maps an unsuccessful HTTP status to an error. Not found and
// authorization failures are typed and fatal; 408, 429 and 5xx are retryable.
func classifyStatus(locator string, resp *http.Response) error {
	cause := fmt.Errorf("GET %s: unexpected status %s", locator, resp.Status)
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return fatal(&types.NotFoundError{Reference: locator, Err: cause})
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fatal(&types.AuthError{Reference: locator, Err: cause})
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return cause
	default:
		return fatal(cause)
	}
}
