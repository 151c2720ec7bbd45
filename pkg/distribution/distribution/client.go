package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/download"
	"github.com/docker/model-store/pkg/distribution/internal/progress"
	"github.com/docker/model-store/pkg/distribution/internal/store"
	"github.com/docker/model-store/pkg/distribution/metrics"
	"github.com/docker/model-store/pkg/distribution/transport"
	"github.com/docker/model-store/pkg/distribution/transport/huggingface"
	"github.com/docker/model-store/pkg/distribution/transport/modelscope"
	"github.com/docker/model-store/pkg/distribution/transport/oci"
	"github.com/docker/model-store/pkg/distribution/transport/ollama"
	urltransport "github.com/docker/model-store/pkg/distribution/transport/url"
	"github.com/docker/model-store/pkg/distribution/types"
)

const (
	defaultUserAgent = "model-store"
	// DefaultScheme is used for references that carry no scheme.
	DefaultScheme = "ollama"
)

// Types returned by the client. They are defined by the store.
type (
	Model            = store.ModelSummary
	ListReport       = store.ListReport
	PullResult       = store.PullResult
	Snapshot         = store.Snapshot
	ValidationReport = store.ValidationReport
	GCReport         = store.GCReport
)

// Client provides model store functionality
type Client struct {
	store       *store.LocalStore
	registry    *transport.Registry
	log         *logrus.Entry
	concurrency int
}

// GetStorePath returns the root path where models are stored
func (c *Client) GetStorePath() string {
	return c.store.RootPath()
}

// Option represents an option for creating a new Client
type Option func(*options)

// Credentials are sent to the transports that need them. Empty fields are
// not sent.
type Credentials struct {
	HuggingFaceToken string
	ModelScopeToken  string
	RegistryUsername string
	RegistryPassword string
}

// Endpoints override the default API base URLs. Empty fields keep the
// default.
type Endpoints struct {
	HuggingFace string
	ModelScope  string
	Ollama      string
}

// options holds the configuration for a new Client
type options struct {
	storeRootPath    string
	logger           *logrus.Entry
	transport        http.RoundTripper
	userAgent        string
	concurrency      int
	maxAttempts      int
	attemptTimeout   time.Duration
	lockTimeout      time.Duration
	defaultScheme    string
	urlScheme        string
	insecureRegistry bool
	credentials      Credentials
	endpoints        Endpoints
	metrics          *metrics.Metrics
}

// WithStoreRootPath sets the store root path
func WithStoreRootPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.storeRootPath = path
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport sets the HTTP transport used for resolving and downloading models.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		if transport != nil {
			o.transport = transport
		}
	}
}

// WithUserAgent sets the User-Agent header sent to every remote.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// WithConcurrency bounds the number of objects fetched in parallel per pull.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRetry sets the number of attempts per object and the timeout of a
// single attempt.
func WithRetry(maxAttempts int, attemptTimeout time.Duration) Option {
	return func(o *options) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		if attemptTimeout > 0 {
			o.attemptTimeout = attemptTimeout
		}
	}
}

// WithLockTimeout bounds the wait for another pull or removal of the same model.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithDefaultScheme sets the scheme of references written without one.
func WithDefaultScheme(scheme string) Option {
	return func(o *options) {
		if scheme != "" {
			o.defaultScheme = strings.ToLower(scheme)
		}
	}
}

// WithURLScheme sets the scheme url:// references are fetched with.
func WithURLScheme(scheme string) Option {
	return func(o *options) {
		if scheme != "" {
			o.urlScheme = scheme
		}
	}
}

// WithInsecureRegistry allows plain HTTP OCI registries.
func WithInsecureRegistry(insecure bool) Option {
	return func(o *options) {
		o.insecureRegistry = insecure
	}
}

func WithCredentials(creds Credentials) Option {
	return func(o *options) {
		o.credentials = creds
	}
}

func WithEndpoints(endpoints Endpoints) Option {
	return func(o *options) {
		o.endpoints = endpoints
	}
}

// WithMetrics records pulls, downloads and HTTP requests on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func defaultOptions() *options {
	return &options{
		logger:        logrus.NewEntry(logrus.StandardLogger()),
		transport:     http.DefaultTransport,
		userAgent:     defaultUserAgent,
		concurrency:   store.DefaultConcurrency,
		lockTimeout:   store.DefaultLockTimeout,
		defaultScheme: DefaultScheme,
		urlScheme:     "https",
	}
}

// NewClient creates a new model store client
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.storeRootPath == "" {
		return nil, fmt.Errorf("store root path is required")
	}

	rt := options.metrics.InstrumentRoundTripper(options.transport)
	engineOpts := []download.Option{
		download.WithHTTPClient(&http.Client{Transport: rt}),
		download.WithUserAgent(options.userAgent),
		download.WithLogger(options.logger),
		download.WithMetrics(options.metrics),
	}
	if options.maxAttempts > 0 {
		engineOpts = append(engineOpts, download.WithMaxAttempts(options.maxAttempts))
	}
	if options.attemptTimeout > 0 {
		engineOpts = append(engineOpts, download.WithAttemptTimeout(options.attemptTimeout))
	}

	s, err := store.New(store.Options{
		RootPath:    options.storeRootPath,
		LockTimeout: options.lockTimeout,
		Concurrency: options.concurrency,
		Logger:      options.logger,
		Engine:      download.New(engineOpts...),
		Metrics:     options.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	ociOpts := []oci.Option{
		oci.WithTransport(rt),
		oci.WithUserAgent(options.userAgent),
		oci.WithInsecure(options.insecureRegistry),
		oci.WithLogger(options.logger),
	}
	if options.credentials.RegistryUsername != "" {
		ociOpts = append(ociOpts, oci.WithAuthConfig(options.credentials.RegistryUsername, options.credentials.RegistryPassword))
	}
	registry := transport.NewRegistry(options.defaultScheme,
		huggingface.New(options.logger,
			huggingface.WithEndpoint(options.endpoints.HuggingFace),
			huggingface.WithToken(options.credentials.HuggingFaceToken),
			huggingface.WithTransport(rt),
			huggingface.WithUserAgent(options.userAgent),
		),
		modelscope.New(options.logger,
			modelscope.WithEndpoint(options.endpoints.ModelScope),
			modelscope.WithToken(options.credentials.ModelScopeToken),
			modelscope.WithTransport(rt),
			modelscope.WithUserAgent(options.userAgent),
		),
		ollama.New(options.logger,
			ollama.WithEndpoint(options.endpoints.Ollama),
			ollama.WithTransport(rt),
			ollama.WithUserAgent(options.userAgent),
		),
		oci.New(ociOpts...),
		urltransport.New(
			urltransport.WithScheme(options.urlScheme),
			urltransport.WithTransport(rt),
			urltransport.WithUserAgent(options.userAgent),
			urltransport.WithLogger(options.logger),
		),
	)

	options.logger.Infoln("Successfully initialized store")
	return &Client{
		store:       s,
		registry:    registry,
		log:         options.logger,
		concurrency: options.concurrency,
	}, nil
}

// PullModel pulls a model into the store. Progress and the final outcome are
// written to progressWriter as JSON lines when it is not nil.
func (c *Client) PullModel(ctx context.Context, reference string, progressWriter io.Writer) (*PullResult, error) {
	c.log.Infoln("Starting model pull:", reference)

	ref, err := c.registry.Parse(reference)
	if err != nil {
		return nil, err
	}
	tr, err := c.registry.For(ref)
	if err != nil {
		return nil, types.NewReferenceError(reference, err)
	}

	pr := progress.NewProgressReporter(progressWriter, progress.PullMsg)
	updates := pr.Updates()
	res, err := c.store.Pull(ctx, tr, ref, store.PullOptions{
		Progress:    updates,
		Concurrency: c.concurrency,
	})
	close(updates)
	if werr := pr.Wait(); werr != nil {
		c.log.Warnf("Failed to write progress: %v", werr)
		// If we fail to write progress, don't try again
		progressWriter = nil
	}
	if err != nil {
		c.log.Errorln("Failed to pull model:", err, "reference:", reference)
		if writeErr := progress.WriteError(progressWriter, fmt.Sprintf("Error: %s", err.Error())); writeErr != nil {
			c.log.Warnf("Failed to write error message: %v", writeErr)
		}
		return nil, err
	}

	if err := progress.WriteSuccess(progressWriter, pullSummary(res)); err != nil {
		c.log.Warnf("Failed to write success message: %v", err)
	}
	return res, nil
}

// ListModels returns every readable model in the store. References that
// could not be read are logged and reported in the Skipped field.
func (c *Client) ListModels() (*ListReport, error) {
	c.log.Infoln("Listing available models")
	report, err := c.store.List()
	if err != nil {
		c.log.Errorln("Failed to list models:", err)
		return nil, fmt.Errorf("listing models: %w", err)
	}
	c.log.Infoln("Successfully listed models, count:", len(report.Models))
	return report, nil
}

// GetModel returns a stored model by reference or ID.
func (c *Client) GetModel(reference string) (*Model, error) {
	m, err := c.lookup(reference)
	if err != nil {
		return nil, fmt.Errorf("get model %q: %w", reference, err)
	}
	return m, nil
}

// InspectModel returns the current snapshot of a stored model.
func (c *Client) InspectModel(reference string) (*Snapshot, error) {
	m, err := c.lookup(reference)
	if err != nil {
		return nil, err
	}
	return c.store.Snapshot(m.ID())
}

// ResolveModel maps each file of a stored model to its absolute path.
func (c *Client) ResolveModel(reference string) (map[string]string, error) {
	m, err := c.lookup(reference)
	if err != nil {
		return nil, err
	}
	return c.store.Resolve(m.ID())
}

// VerifyModel audits a stored model. With deep set every file is re-hashed.
func (c *Client) VerifyModel(reference string, deep bool) (*ValidationReport, error) {
	m, err := c.lookup(reference)
	if err != nil {
		return nil, err
	}
	report, err := c.store.Verify(m.ID(), deep)
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		c.log.WithFields(logrus.Fields{
			"model":   m.Name,
			"missing": len(report.Missing),
			"corrupt": len(report.Corrupt),
		}).Warn("Model failed verification")
	}
	return report, nil
}

// DeleteModel removes a model and every blob only it referenced. Removing
// a model that is not in the store succeeds and reports false.
func (c *Client) DeleteModel(ctx context.Context, reference string) (bool, error) {
	c.log.Infoln("Deleting model:", reference)
	m, err := c.lookup(reference)
	switch {
	case errors.Is(err, types.ErrNotFound):
		c.log.Infoln("Model not present:", reference)
		return false, nil
	case err != nil && !errors.Is(err, types.ErrCorruptReference):
		return false, err
	}
	id := reference
	if m != nil {
		id = m.ID()
	}
	if err := c.store.Remove(ctx, id); err != nil {
		c.log.Errorln("Failed to delete model:", err, "reference:", reference)
		return false, fmt.Errorf("deleting model: %w", err)
	}
	c.log.Infoln("Successfully deleted model:", reference)
	return true, nil
}

// GC removes unreferenced blobs, orphaned snapshots and abandoned partial
// downloads.
func (c *Client) GC(ctx context.Context) (*GCReport, error) {
	return c.store.GC(ctx)
}

// Exists reports whether reference can be pulled, without downloading it.
func (c *Client) Exists(ctx context.Context, reference string) (bool, error) {
	return c.registry.Exists(ctx, reference)
}

// lookup finds a stored model by canonical name, by the name the URL
// transport assigns, or by ID.
func (c *Client) lookup(reference string) (*Model, error) {
	var candidates []string
	if ref, err := c.registry.Parse(reference); err == nil {
		candidates = append(candidates, localName(ref))
		if ref.Kind == transport.KindURL {
			// URL resolution does not touch the network.
			if tr, err := c.registry.For(ref); err == nil {
				if rm, err := tr.Resolve(context.Background(), ref); err == nil {
					candidates = append(candidates, rm.CanonicalName, rm.StoreName+"/"+rm.RefName)
				}
			}
		}
	}
	candidates = append(candidates, reference)

	for _, name := range candidates {
		m, err := c.store.Lookup(name)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}
	return nil, &types.NotFoundError{Reference: reference}
}

// localName is the canonical name a pull of ref records.
func localName(ref transport.Reference) string {
	rev := ref.Revision
	if rev == "" && !strings.Contains(ref.Path, "@") {
		rev = ref.Kind.DefaultRevision()
	}
	return ref.Canonical(rev)
}
