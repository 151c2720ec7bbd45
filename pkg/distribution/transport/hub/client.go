package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxMetadataSize bounds listing and manifest documents.
const maxMetadataSize = 16 << 20

// Client issues the metadata requests of a Lister.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// GetJSON fetches url and decodes the JSON body into v. It returns the
// response headers, e.g. for pagination links.
func (c *Client) GetJSON(ctx context.Context, ref, url string, header http.Header, v any) (http.Header, error) {
	body, h, err := c.Get(ctx, ref, url, header)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("decoding listing of %s: %w", ref, err)
	}
	return h, nil
}

// Get fetches a metadata document.
func (c *Client) Get(ctx context.Context, ref, url string, header http.Header) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vals := range header {
		req.Header[k] = append([]string(nil), vals...)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("listing %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if err := CheckStatus(ref, resp); err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, nil, fmt.Errorf("reading listing of %s: %w", ref, err)
	}
	return body, resp.Header, nil
}
