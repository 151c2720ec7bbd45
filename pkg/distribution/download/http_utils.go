package download

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// scrubConditionalHeaders removes conditional headers that would conflict
// with the If-Range logic of resumed requests.
func scrubConditionalHeaders(h http.Header) {
	h.Del("If-None-Match")
	h.Del("If-Modified-Since")
	h.Del("If-Match")
	h.Del("If-Unmodified-Since")
}

// isWeakETag reports whether the ETag is a weak validator (W/"...") which must
// not be used with If-Range per RFC 7232 §2.1.
func isWeakETag(etag string) bool {
	etag = strings.TrimSpace(etag)
	return strings.HasPrefix(etag, "W/") || strings.HasPrefix(etag, "w/")
}

// validator returns the value to send as If-Range on a later resume of the
// same response, or "" when the response carries no strong validator.
func validator(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" && !isWeakETag(etag) {
		return etag
	}
	return h.Get("Last-Modified")
}

func rangeHeader(start int64) string {
	return fmt.Sprintf("bytes=%d-", start)
}

// parseContentRange parses "Content-Range: bytes start-end/total" and the
// unsatisfied form "bytes */total". Unknown values are -1.
func parseContentRange(h string) (start, end, total int64, ok bool) {
	h = strings.ToLower(strings.TrimSpace(h))
	body, found := strings.CutPrefix(h, "bytes ")
	if !found {
		return -1, -1, -1, false
	}
	span, size, found := strings.Cut(strings.TrimSpace(body), "/")
	if !found {
		return -1, -1, -1, false
	}
	total = -1
	if size = strings.TrimSpace(size); size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return -1, -1, -1, false
		}
		total = n
	}
	if span = strings.TrimSpace(span); span == "*" {
		return -1, -1, total, total >= 0
	}
	first, last, found := strings.Cut(span, "-")
	if !found {
		return -1, -1, -1, false
	}
	s, err1 := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	e, err2 := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err1 != nil || err2 != nil {
		return -1, -1, -1, false
	}
	return s, e, total, true
}
