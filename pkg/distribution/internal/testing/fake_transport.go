// Package testing provides fake HTTP remotes for download and store tests.
package testing

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// FakeResource represents a resource that can be served by FakeTransport.
type FakeResource struct {
	// Data provides random access to the resource content.
	Data io.ReaderAt
	// Length is the total number of bytes in the resource content.
	Length int64
	// SupportsRange indicates if this resource supports byte ranges.
	SupportsRange bool
	// ETag is the ETag header value (optional).
	ETag string
	// LastModified is the Last-Modified header value (optional).
	LastModified string
	// ContentType is the Content-Type header value (optional).
	ContentType string
	// Headers are additional headers to include in responses.
	Headers http.Header
}

// Step scripts the outcome of one request to a URL. Steps are consumed in
// order; once a URL has no steps left its resource is served normally.
type Step struct {
	// Status, when non-zero, is returned with an empty body.
	Status int
	// Err, when set, is returned from RoundTrip.
	Err error
	// FailAfter serves the resource but fails the body after this many bytes.
	FailAfter int
	// Stall serves headers and then blocks reading until the request context ends.
	Stall bool
}

// FakeTransport is a test http.RoundTripper that serves fake resources.
type FakeTransport struct {
	mu        sync.Mutex
	resources map[string]*FakeResource
	requests  []*http.Request
	scripts   map[string][]Step
	served    map[string]*atomic.Int64
	// RequestHook is called for each request if set.
	RequestHook func(*http.Request)
}

// NewFakeTransport creates a new FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		resources: make(map[string]*FakeResource),
		scripts:   make(map[string][]Step),
		served:    make(map[string]*atomic.Int64),
	}
}

// Add adds a resource to the fake transport.
func (ft *FakeTransport) Add(url string, resource *FakeResource) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.resources[url] = resource
	if _, ok := ft.served[url]; !ok {
		ft.served[url] = &atomic.Int64{}
	}
}

// AddBytes adds a range-capable resource holding data.
func (ft *FakeTransport) AddBytes(url string, data []byte) {
	ft.Add(url, &FakeResource{
		Data:          bytes.NewReader(data),
		Length:        int64(len(data)),
		SupportsRange: true,
	})
}

// Script appends steps to the request script of url.
func (ft *FakeTransport) Script(url string, steps ...Step) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.scripts[url] = append(ft.scripts[url], steps...)
}

// SetFailAfter makes the next request for url fail after serving n bytes.
func (ft *FakeTransport) SetFailAfter(url string, n int) {
	ft.Script(url, Step{FailAfter: n})
}

// Requests returns the requests made to url, or all requests when url is empty.
func (ft *FakeTransport) Requests(url string) []*http.Request {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var reqs []*http.Request
	for _, r := range ft.requests {
		if url == "" || r.URL.String() == url {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// BytesServed returns the number of body bytes read by clients for url.
func (ft *FakeTransport) BytesServed(url string) int64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if c, ok := ft.served[url]; ok {
		return c.Load()
	}
	return 0
}

// RoundTrip implements http.RoundTripper.
func (ft *FakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	ft.mu.Lock()
	reqCopy := req.Clone(req.Context())
	ft.requests = append(ft.requests, reqCopy)
	resource, exists := ft.resources[url]
	counter := ft.served[url]
	var step Step
	if script := ft.scripts[url]; len(script) > 0 {
		step = script[0]
		ft.scripts[url] = script[1:]
	}
	ft.mu.Unlock()

	if ft.RequestHook != nil {
		ft.RequestHook(req)
	}

	switch {
	case step.Err != nil:
		return nil, step.Err
	case step.Status != 0:
		return emptyResponse(req, step.Status), nil
	case !exists:
		return emptyResponse(req, http.StatusNotFound), nil
	}

	if req.Method == http.MethodHead {
		return newResponse(req, resource, http.StatusOK, nil, resource.Length), nil
	}

	start, end := int64(0), resource.Length-1
	status := http.StatusOK
	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" && resource.SupportsRange {
		s, e, ok := parseRange(rangeHeader, resource.Length)
		if !ok {
			resp := emptyResponse(req, http.StatusRequestedRangeNotSatisfiable)
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", resource.Length))
			return resp, nil
		}
		if validatorMatches(req.Header.Get("If-Range"), resource) {
			start, end, status = s, e, http.StatusPartialContent
		}
	}

	length := end - start + 1
	var body io.ReadCloser = io.NopCloser(io.NewSectionReader(resource.Data, start, length))
	switch {
	case step.Stall:
		body = &stallReader{req: req}
	case step.FailAfter > 0:
		body = NewFlakyReader(io.NewSectionReader(resource.Data, start, length), length, step.FailAfter)
	}
	body = &countingBody{ReadCloser: body, n: counter}

	resp := newResponse(req, resource, status, body, length)
	if status == http.StatusPartialContent {
		resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, resource.Length))
	}
	return resp, nil
}

// parseRange handles a single "bytes=start-[end]" specification.
func parseRange(h string, length int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, 0, false
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(last, ",") {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end := length - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	if start < 0 || start > end || end >= length {
		return 0, 0, false
	}
	return start, end, true
}

// validatorMatches reports whether an If-Range value permits a partial
// response. Weak ETags never match.
func validatorMatches(ifRange string, resource *FakeResource) bool {
	if ifRange == "" {
		return true
	}
	if resource.ETag != "" && !strings.HasPrefix(resource.ETag, "W/") && ifRange == resource.ETag {
		return true
	}
	return resource.LastModified != "" && ifRange == resource.LastModified
}

func newResponse(req *http.Request, resource *FakeResource, status int, body io.ReadCloser, length int64) *http.Response {
	resp := emptyResponse(req, status)
	if body != nil {
		resp.Body = body
	}
	if resource.SupportsRange {
		resp.Header.Set("Accept-Ranges", "bytes")
	}
	if resource.ETag != "" {
		resp.Header.Set("ETag", resource.ETag)
	}
	if resource.LastModified != "" {
		resp.Header.Set("Last-Modified", resource.LastModified)
	}
	if resource.ContentType != "" {
		resp.Header.Set("Content-Type", resource.ContentType)
	}
	for k, v := range resource.Headers {
		resp.Header[k] = v
	}
	resp.ContentLength = length
	resp.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	return resp
}

func emptyResponse(req *http.Request, status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}
}

type countingBody struct {
	io.ReadCloser
	n *atomic.Int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if c.n != nil {
		c.n.Add(int64(n))
	}
	return n, err
}

// stallReader never produces data; it unblocks when the request is cancelled
// or the body is closed.
type stallReader struct {
	req       *http.Request
	once      sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stallReader) init() {
	s.once.Do(func() { s.closed = make(chan struct{}) })
}

func (s *stallReader) Read([]byte) (int, error) {
	s.init()
	select {
	case <-s.req.Context().Done():
		return 0, s.req.Context().Err()
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
}

func (s *stallReader) Close() error {
	s.init()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
