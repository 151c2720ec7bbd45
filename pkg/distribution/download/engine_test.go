package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-store/pkg/distribution/internal/progress"
	testutil "github.com/docker/model-store/pkg/distribution/internal/testing"
	"github.com/docker/model-store/pkg/distribution/types"
)

const testURL = "https://example.org/model.bin"

func noBackoff(int) time.Duration { return 0 }

func newTestEngine(ft *testutil.FakeTransport, opts ...Option) *Engine {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	base := []Option{
		WithHTTPClient(&http.Client{Transport: ft}),
		WithBackoff(noBackoff),
		WithLogger(logrus.NewEntry(logger)),
	}
	return New(append(base, opts...)...)
}

func TestFetch_Fresh(t *testing.T) {
	data := testutil.GenerateTestData(4096)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	res, err := e.Fetch(context.Background(), Request{
		Locator:        testURL,
		Dest:           dest,
		ExpectedSize:   int64(len(data)),
		ExpectedDigest: digest.FromBytes(data),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	if !res.Verified || res.Digest != digest.FromBytes(data) {
		t.Errorf("expected verified digest, got %+v", res)
	}
	if res.Size != int64(len(data)) || res.Transferred != int64(len(data)) || res.Resumed {
		t.Errorf("unexpected result %+v", res)
	}
	if ua := ft.Requests(testURL)[0].Header.Get("User-Agent"); ua != defaultUserAgent {
		t.Errorf("expected default user agent, got %q", ua)
	}
}

func TestFetch_DigestMismatchIsReportedNotFailed(t *testing.T) {
	data := testutil.GenerateTestData(128)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	res, err := e.Fetch(context.Background(), Request{
		Locator:        testURL,
		Dest:           filepath.Join(t.TempDir(), "out"),
		ExpectedDigest: digest.FromString("something else"),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Verified {
		t.Errorf("expected unverified result")
	}
	if res.Digest != digest.FromBytes(data) {
		t.Errorf("expected actual digest, got %s", res.Digest)
	}
}

func TestFetch_ResumesExistingPartial(t *testing.T) {
	data := testutil.GenerateTestData(1000)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	testutil.WritePartial(t, dest, data, 300)

	res, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest, ExpectedSize: 1000})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	if !res.Resumed || res.Transferred != 700 {
		t.Errorf("expected resumed transfer of 700 bytes, got %+v", res)
	}
	if got := ft.Requests(testURL)[0].Header.Get("Range"); got != "bytes=300-" {
		t.Errorf("expected Range bytes=300-, got %q", got)
	}
}

func TestFetch_CompletePartialSkipsNetwork(t *testing.T) {
	data := testutil.GenerateTestData(64)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	testutil.WritePartial(t, dest, data, len(data))
	res, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest, ExpectedSize: 64})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Transferred != 0 || len(ft.Requests("")) != 0 {
		t.Errorf("expected no transfer, got %+v and %d requests", res, len(ft.Requests("")))
	}
}

func TestFetch_UnsatisfiableRangeMeansComplete(t *testing.T) {
	data := testutil.GenerateTestData(64)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	testutil.WritePartial(t, dest, data, len(data))
	// Size unknown, so the engine has to ask.
	res, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	if res.Transferred != 0 || !res.Resumed {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFetch_RestartsWhenRangeUnsupported(t *testing.T) {
	data := testutil.GenerateTestData(500)
	ft := testutil.NewFakeTransport()
	ft.Add(testURL, &testutil.FakeResource{Data: bytes.NewReader(data), Length: 500})
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	testutil.WritePartial(t, dest, data, 200)
	res, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	if res.Resumed || res.Transferred != 500 {
		t.Errorf("expected full restart, got %+v", res)
	}
}

func TestFetch_SendsIfRangeOnResume(t *testing.T) {
	data := testutil.GenerateTestData(800)
	ft := testutil.NewFakeTransport()
	ft.Add(testURL, &testutil.FakeResource{
		Data: bytes.NewReader(data), Length: 800, SupportsRange: true, ETag: `"v1"`,
	})
	ft.SetFailAfter(testURL, 100)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	res, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	reqs := ft.Requests(testURL)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if got := reqs[1].Header.Get("Range"); got != "bytes=100-" {
		t.Errorf("expected Range bytes=100-, got %q", got)
	}
	if got := reqs[1].Header.Get("If-Range"); got != `"v1"` {
		t.Errorf("expected If-Range \"v1\", got %q", got)
	}
	if !res.Resumed || res.Transferred != 800 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFetch_ResumeInLaterEngineSendsSavedValidator(t *testing.T) {
	data := testutil.GenerateTestData(800)
	ft := testutil.NewFakeTransport()
	ft.Add(testURL, &testutil.FakeResource{
		Data: bytes.NewReader(data), Length: 800, SupportsRange: true, ETag: `"v1"`,
	})
	ft.SetFailAfter(testURL, 100)

	dest := filepath.Join(t.TempDir(), "out")
	_, err := newTestEngine(ft, WithMaxAttempts(1)).Fetch(context.Background(), Request{Locator: testURL, Dest: dest})
	var te *types.TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransferError, got %v", err)
	}
	if got, err := os.ReadFile(dest + ValidatorSuffix); err != nil || string(got) != "\"v1\"\n" {
		t.Fatalf("expected saved validator, got %q (%v)", got, err)
	}

	res, err := newTestEngine(ft).Fetch(context.Background(), Request{Locator: testURL, Dest: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	reqs := ft.Requests(testURL)
	if got := reqs[len(reqs)-1].Header.Get("If-Range"); got != `"v1"` {
		t.Errorf("expected If-Range \"v1\", got %q", got)
	}
	if !res.Resumed || res.Transferred != 700 {
		t.Errorf("expected resumed transfer of 700 bytes, got %+v", res)
	}
	if _, err := os.Stat(dest + ValidatorSuffix); !os.IsNotExist(err) {
		t.Errorf("expected validator removed after completion, got %v", err)
	}
}

func TestFetch_ChangedRemoteRestartsSavedPartial(t *testing.T) {
	old := bytes.Repeat([]byte("o"), 600)
	data := testutil.GenerateTestData(600)
	ft := testutil.NewFakeTransport()
	ft.Add(testURL, &testutil.FakeResource{
		Data: bytes.NewReader(data), Length: 600, SupportsRange: true, ETag: `"v2"`,
	})
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	testutil.WritePartial(t, dest, old, 250)
	if err := os.WriteFile(dest+ValidatorSuffix, []byte("\"v1\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest, ExpectedSize: 600})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	reqs := ft.Requests(testURL)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if got := reqs[0].Header.Get("If-Range"); got != `"v1"` {
		t.Errorf("expected If-Range \"v1\", got %q", got)
	}
	if res.Resumed || res.Transferred != 600 {
		t.Errorf("expected full restart, got %+v", res)
	}
}

func TestFetch_FullResponseWithoutValidatorClearsSavedOne(t *testing.T) {
	data := testutil.GenerateTestData(400)
	ft := testutil.NewFakeTransport()
	ft.Add(testURL, &testutil.FakeResource{Data: bytes.NewReader(data), Length: 400})
	ft.SetFailAfter(testURL, 100)

	dest := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(dest+ValidatorSuffix, []byte("\"stale\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := newTestEngine(ft, WithMaxAttempts(1)).Fetch(context.Background(), Request{Locator: testURL, Dest: dest})
	if err == nil {
		t.Fatal("expected the interrupted fetch to fail")
	}
	if _, err := os.Stat(dest + ValidatorSuffix); !os.IsNotExist(err) {
		t.Errorf("expected stale validator removed, got %v", err)
	}
}

func TestFetch_WeakETagIsNotAValidator(t *testing.T) {
	data := testutil.GenerateTestData(300)
	ft := testutil.NewFakeTransport()
	ft.Add(testURL, &testutil.FakeResource{
		Data: bytes.NewReader(data), Length: 300, SupportsRange: true, ETag: `W/"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	ft.SetFailAfter(testURL, 50)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	if got := ft.Requests(testURL)[1].Header.Get("If-Range"); got != "Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Errorf("expected Last-Modified as If-Range, got %q", got)
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name  string
		steps []testutil.Step
	}{
		{"server errors", []testutil.Step{{Status: http.StatusServiceUnavailable}, {Status: http.StatusBadGateway}}},
		{"rate limited", []testutil.Step{{Status: http.StatusTooManyRequests}}},
		{"request timeout", []testutil.Step{{Status: http.StatusRequestTimeout}}},
		{"connection reset", []testutil.Step{{Err: errors.New("connection reset by peer")}}},
		{"dropped mid-body", []testutil.Step{{FailAfter: 10}, {FailAfter: 20}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testutil.GenerateTestData(256)
			ft := testutil.NewFakeTransport()
			ft.AddBytes(testURL, data)
			ft.Script(testURL, tt.steps...)
			e := newTestEngine(ft)

			dest := filepath.Join(t.TempDir(), "out")
			if _, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest}); err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			testutil.AssertFileEquals(t, dest, data)
			if got, want := len(ft.Requests(testURL)), len(tt.steps)+1; got != want {
				t.Errorf("expected %d requests, got %d", want, got)
			}
		})
	}
}

func TestFetch_FatalStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		is     error
		class  func(error) bool
	}{
		{"not found", http.StatusNotFound, types.ErrNotFound, errdefs.IsNotFound},
		{"unauthorized", http.StatusUnauthorized, types.ErrUnauthorized, errdefs.IsUnauthorized},
		{"forbidden", http.StatusForbidden, types.ErrUnauthorized, errdefs.IsUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := testutil.NewFakeTransport()
			ft.AddBytes(testURL, []byte("x"))
			ft.Script(testURL, testutil.Step{Status: tt.status})
			e := newTestEngine(ft)

			_, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: filepath.Join(t.TempDir(), "out")})
			if !errors.Is(err, tt.is) {
				t.Fatalf("expected %v, got %v", tt.is, err)
			}
			if !tt.class(err) {
				t.Errorf("expected errdefs classification for %v", err)
			}
			if n := len(ft.Requests(testURL)); n != 1 {
				t.Errorf("expected no retries, got %d requests", n)
			}
		})
	}

	t.Run("other client error", func(t *testing.T) {
		ft := testutil.NewFakeTransport()
		ft.AddBytes(testURL, []byte("x"))
		ft.Script(testURL, testutil.Step{Status: http.StatusBadRequest})
		e := newTestEngine(ft)
		_, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: filepath.Join(t.TempDir(), "out")})
		if err == nil || errors.Is(err, types.ErrTransfer) {
			t.Fatalf("expected fatal non-transfer error, got %v", err)
		}
		if n := len(ft.Requests(testURL)); n != 1 {
			t.Errorf("expected no retries, got %d requests", n)
		}
	})
}

func TestFetch_ExhaustedRetries(t *testing.T) {
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, testutil.GenerateTestData(32))
	for i := 0; i < 3; i++ {
		ft.Script(testURL, testutil.Step{Status: http.StatusInternalServerError})
	}
	e := newTestEngine(ft, WithMaxAttempts(3))

	_, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: filepath.Join(t.TempDir(), "out")})
	var te *types.TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransferError, got %v", err)
	}
	if te.Attempts != 3 || te.Locator != testURL || te.LastCause == nil {
		t.Errorf("unexpected TransferError %+v", te)
	}
	if !errdefs.IsUnavailable(err) {
		t.Errorf("expected unavailable classification")
	}
}

func TestFetch_StalledAttemptIsRetried(t *testing.T) {
	data := testutil.GenerateTestData(100)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	ft.Script(testURL, testutil.Step{Stall: true})
	e := newTestEngine(ft, WithAttemptTimeout(50*time.Millisecond))

	dest := filepath.Join(t.TempDir(), "out")
	if _, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
}

func TestFetch_CancellationKeepsPartial(t *testing.T) {
	data := testutil.GenerateTestData(100)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	ft.Script(testURL, testutil.Step{Stall: true})
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	testutil.WritePartial(t, dest, data, 40)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := e.Fetch(ctx, Request{Locator: testURL, Dest: dest})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	testutil.AssertFileEquals(t, dest, data[:40])
}

func TestFetch_FileLocator(t *testing.T) {
	data := testutil.GenerateTestData(2048)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.gguf")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}
	e := New(WithBackoff(noBackoff))

	dest := filepath.Join(dir, "dest")
	testutil.WritePartial(t, dest, data, 1000)
	res, err := e.Fetch(context.Background(), Request{Locator: "file://" + src, Dest: dest})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	testutil.AssertFileEquals(t, dest, data)
	if !res.Resumed || res.Transferred != 1048 {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = e.Fetch(context.Background(), Request{Locator: "file://" + filepath.Join(dir, "missing"), Dest: filepath.Join(dir, "d2")})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected NotFound for missing file, got %v", err)
	}
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	e := New()
	if _, err := e.Fetch(context.Background(), Request{Locator: "ftp://x/y", Dest: filepath.Join(t.TempDir(), "o")}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestFetch_ProgressDoesNotBlock(t *testing.T) {
	data := testutil.GenerateTestData(64 * 1024)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	// Nobody reads from this channel.
	updates := make(chan progress.Update, 1)
	dest := filepath.Join(t.TempDir(), "out")
	if _, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest, Progress: updates}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	u := <-updates
	if u.ID != "out" || u.Complete == 0 {
		t.Errorf("unexpected update %+v", u)
	}
}

func TestFetch_SameDestinationIsSerialised(t *testing.T) {
	data := testutil.GenerateTestData(4096)
	ft := testutil.NewFakeTransport()
	ft.AddBytes(testURL, data)
	e := newTestEngine(ft)

	dest := filepath.Join(t.TempDir(), "out")
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := e.Fetch(context.Background(), Request{Locator: testURL, Dest: dest, ExpectedSize: 4096})
			errs <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	testutil.AssertFileEquals(t, dest, data)
	if served := ft.BytesServed(testURL); served != 4096 {
		t.Errorf("expected the object to be transferred once, got %d bytes", served)
	}
}
