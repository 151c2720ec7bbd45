package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"

	"github.com/docker/model-store/pkg/distribution/types"
)

// attemptFile copies a file:// locator, continuing after the bytes already
// present at Dest.
func (e *Engine) attemptFile(ctx context.Context, req Request, st *attemptState) error {
	u, err := url.Parse(req.Locator)
	if err != nil {
		return fatal(err)
	}
	src, err := os.Open(u.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fatal(&types.NotFoundError{Reference: req.Locator, Err: err})
		case errors.Is(err, fs.ErrPermission):
			return fatal(&types.AuthError{Reference: req.Locator, Err: err})
		}
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fatal(fmt.Errorf("%s is a directory", u.Path))
	}
	total := info.Size()

	f, offset, err := openPartial(req.Dest, total)
	if err != nil {
		return fatal(err)
	}
	defer f.Close()
	if offset > 0 {
		st.resumed = true
	}
	if offset == total && total > 0 {
		return nil
	}
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	body := &transferReader{
		r:        &ctxReader{ctx: ctx, r: src},
		req:      req,
		complete: offset,
		total:    total,
	}
	n, err := io.Copy(f, body)
	st.transferred += n
	e.metrics.BytesDownloaded(n)
	if err != nil {
		return fmt.Errorf("copying %s: %w", u.Path, err)
	}
	return f.Sync()
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
