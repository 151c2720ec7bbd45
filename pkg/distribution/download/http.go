package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/docker/model-store/pkg/distribution/internal/progress"
)

var errStalled = errors.New("no data received within attempt timeout")

// attemptHTTP performs one GET, resuming from the current size of Dest.
func (e *Engine) attemptHTTP(ctx context.Context, req Request, st *attemptState) error {
	f, offset, err := openPartial(req.Dest, req.ExpectedSize)
	if err != nil {
		return fatal(err)
	}
	defer f.Close()
	if offset > 0 && offset == req.ExpectedSize {
		st.resumed = true
		return nil
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stall := time.AfterFunc(e.attemptTimeout, func() { cancel(errStalled) })
	defer stall.Stop()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.Locator, nil)
	if err != nil {
		return fatal(fmt.Errorf("building request: %w", err))
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	scrubConditionalHeaders(httpReq.Header)
	httpReq.Header.Set("User-Agent", e.userAgent)
	if offset > 0 {
		httpReq.Header.Set("Range", rangeHeader(offset))
		if st.validator != "" {
			httpReq.Header.Set("If-Range", st.validator)
		}
	}

	client := e.client
	if req.Transport != nil {
		c := *e.client
		c.Transport = req.Transport
		client = &c
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), errStalled) {
			return errStalled
		}
		return err
	}
	defer resp.Body.Close()

	total := req.ExpectedSize
	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			e.log.WithField("locator", req.Locator).Debug("Server ignored range request, restarting from zero")
			if err := truncate(f); err != nil {
				return fatal(err)
			}
			offset = 0
			st.resumed = false
		}
		if total <= 0 && resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	case http.StatusPartialContent:
		start, _, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			if err := truncate(f); err != nil {
				return fatal(err)
			}
			return fmt.Errorf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), offset)
		}
		st.resumed = true
		if total <= 0 && size > 0 {
			total = size
		}
	case http.StatusRequestedRangeNotSatisfiable:
		_, _, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && size == offset {
			st.resumed = true
			return nil
		}
		if err := truncate(f); err != nil {
			return fatal(err)
		}
		return fmt.Errorf("range %d- not satisfiable (Content-Range %q)", offset, resp.Header.Get("Content-Range"))
	default:
		return classifyStatus(req.Locator, resp)
	}
	// A full response replaces the partial, so its validator replaces the
	// saved one even when it is empty.
	if v := validator(resp.Header); v != st.validator && (v != "" || resp.StatusCode == http.StatusOK) {
		if err := saveValidator(req.Dest, v); err != nil {
			return fatal(err)
		}
		st.validator = v
	}

	body := &transferReader{
		r:        resp.Body,
		onRead:   func() { stall.Reset(e.attemptTimeout) },
		req:      req,
		complete: offset,
		total:    total,
	}
	n, err := io.Copy(f, body)
	st.transferred += n
	e.metrics.BytesDownloaded(n)
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), errStalled) {
			return errStalled
		}
		return fmt.Errorf("reading body after %d bytes: %w", n, err)
	}
	if resp.ContentLength >= 0 && n < resp.ContentLength {
		return fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if req.ExpectedSize > 0 && offset+n != req.ExpectedSize {
		if err := truncate(f); err != nil {
			return fatal(err)
		}
		return fmt.Errorf("size mismatch: got %d bytes, expected %d", offset+n, req.ExpectedSize)
	}
	return f.Sync()
}

// openPartial opens path for appending and returns the size already present.
// A partial file larger than expectedSize cannot be a prefix and is discarded.
func openPartial(path string, expectedSize int64) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("seeking %s: %w", path, err)
	}
	if expectedSize > 0 && offset > expectedSize {
		if err := truncate(f); err != nil {
			f.Close()
			return nil, 0, err
		}
		offset = 0
	}
	return f, offset, nil
}

func truncate(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating %s: %w", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s: %w", f.Name(), err)
	}
	return nil
}

// transferReader reports progress and keeps the stall timer alive.
type transferReader struct {
	r        io.Reader
	onRead   func()
	req      Request
	complete int64
	total    int64
}

func (t *transferReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.complete += int64(n)
		if t.onRead != nil {
			t.onRead()
		}
		progress.Send(t.req.Progress, progress.Update{ID: t.req.ID, Complete: t.complete, Total: t.total})
	}
	return n, err
}
