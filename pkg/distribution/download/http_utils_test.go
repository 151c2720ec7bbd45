package download

import (
	"net/http"
	"testing"
)

// TestParseContentRange exercises valid and invalid Content-Range headers.
func TestParseContentRange(t *testing.T) {
	cases := []struct {
		in         string
		start, end int64
		total      int64
		ok         bool
	}{
		{"", -1, -1, -1, false},
		{"bytes 0-99/200", 0, 99, 200, true},
		{"BYTES 1-1/2", 1, 1, 2, true},
		{"bytes 0-0/*", 0, 0, -1, true},
		{"bytes */100", -1, -1, 100, true},
		{"bytes */*", -1, -1, -1, false},
		{"items 0-1/2", -1, -1, -1, false},
		{"bytes 0-99/abc", -1, -1, -1, false},
		// Parser accepts; semantic check happens elsewhere.
		{"bytes 5-4/10", 5, 4, 10, true},
	}
	for _, tc := range cases {
		start, end, total, ok := parseContentRange(tc.in)
		if start != tc.start || end != tc.end || total != tc.total || ok != tc.ok {
			t.Errorf("parseContentRange(%q) = (%d,%d,%d,%v), want (%d,%d,%d,%v)", tc.in, start, end, total, ok, tc.start, tc.end, tc.total, tc.ok)
		}
	}
}

func TestValidator(t *testing.T) {
	cases := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"none", http.Header{}, ""},
		{"strong etag", http.Header{"Etag": {`"abc"`}}, `"abc"`},
		{"weak etag falls back", http.Header{"Etag": {`W/"abc"`}, "Last-Modified": {"lm"}}, "lm"},
		{"weak etag only", http.Header{"Etag": {`w/"abc"`}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := validator(tc.header); got != tc.want {
				t.Errorf("validator() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestScrubConditionalHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("If-None-Match", "x")
	h.Set("If-Modified-Since", "x")
	h.Set("If-Match", "x")
	h.Set("If-Unmodified-Since", "x")
	h.Set("Authorization", "Bearer t")
	scrubConditionalHeaders(h)
	if len(h) != 1 || h.Get("Authorization") == "" {
		t.Errorf("unexpected headers after scrub: %v", h)
	}
}
