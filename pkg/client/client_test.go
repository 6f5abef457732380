package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/ilincs-freeze/internal/testutil"
	"github.com/Sternrassler/ilincs-freeze/pkg/cache"
)

// newTestClient returns a client pointed at mock with instant retries.
func newTestClient(t *testing.T, mock *testutil.MockILINCS, mutate ...func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig("ilincs-freeze-test/1.0")
	cfg.BaseURL = mock.URL()
	cfg.RequestsPerSecond = 0
	cfg.RequestTimeout = 2 * time.Second
	cfg.Retry = RetryPolicy{
		MaxAttempts:    3,
		BackoffUnit:    time.Millisecond,
		RetryMalformed: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	valid := DefaultConfig("TestApp/1.0")

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"empty user agent", func(c *Config) { c.UserAgent = "" }, "user-agent is required"},
		{"empty base url", func(c *Config) { c.BaseURL = "" }, "base url is required"},
		{"relative base url", func(c *Config) { c.BaseURL = "ilincs.org/api" }, `invalid base url "ilincs.org/api"`},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout must be > 0 (got 0s)"},
		{"bad retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry policy: max attempts must be >= 1 (got 0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			client, err := New(cfg)

			if tt.errorMsg != "" {
				if err == nil {
					t.Fatalf("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client == nil {
				t.Error("Client is nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("TestApp/1.0")

	if cfg.UserAgent != "TestApp/1.0" {
		t.Errorf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.RequestTimeout != 300*time.Second {
		t.Errorf("RequestTimeout = %v, want 300s", cfg.RequestTimeout)
	}
	if cfg.Retry.MaxAttempts != 10 {
		t.Errorf("Retry.MaxAttempts = %d, want 10", cfg.Retry.MaxAttempts)
	}
}

func TestDownloadRequest_Form(t *testing.T) {
	form := DownloadRequest{IDs: []string{"S1", "S2", "S3"}, TopN: 100000, Display: true}.Form()

	if got := form.Get("sigID"); got != "S1,S2,S3" {
		t.Errorf("sigID = %q", got)
	}
	if got := form.Get("noOfTopGenes"); got != "100000" {
		t.Errorf("noOfTopGenes = %q", got)
	}
	if got := form.Get("display"); got != "True" {
		t.Errorf("display = %q, want True", got)
	}

	form = DownloadRequest{IDs: []string{"S1"}, TopN: 5}.Form()
	if got := form.Get("display"); got != "False" {
		t.Errorf("display = %q, want False", got)
	}
}

func TestDecodeSignatures(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantItems int
		wantErr   bool
	}{
		{"valid", testutil.SignatureBody([]string{"A", "B"}, 2), 4, false},
		{"empty list", `{"data":{"signature":[]}}`, 0, false},
		{"not json", `<html>`, 0, true},
		{"missing data", `{"status":"ok"}`, 0, true},
		{"missing signature", `{"data":{}}`, 0, true},
		{"null signature", `{"data":{"signature":null}}`, 0, true},
		{"item without id", `{"data":{"signature":[{"geneid":1}]}}`, 0, true},
		{"item not object", `{"data":{"signature":[1]}}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := DecodeSignatures([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeSignatures() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(items) != tt.wantItems {
				t.Errorf("items = %d, want %d", len(items), tt.wantItems)
			}
		})
	}
}

func TestDownloadSignatures_Success(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetHandler(EndpointDownloadSignature, testutil.SignatureHandler(3))

	c := newTestClient(t, mock)

	items, err := c.DownloadSignatures(context.Background(), DownloadRequest{
		IDs: []string{"S1", "S2"}, TopN: 50, Display: true,
	})
	if err != nil {
		t.Fatalf("DownloadSignatures failed: %v", err)
	}
	if len(items) != 6 {
		t.Errorf("items = %d, want 6", len(items))
	}
	if id, _ := items[0].String(SignatureIDField); id != "S1" {
		t.Errorf("first item signatureID = %q, want S1", id)
	}

	forms := mock.Forms()
	if len(forms) != 1 {
		t.Fatalf("POST requests = %d, want 1", len(forms))
	}
	if forms[0].Get("sigID") != "S1,S2" || forms[0].Get("noOfTopGenes") != "50" || forms[0].Get("display") != "True" {
		t.Errorf("unexpected form %v", forms[0])
	}
}

func TestDownloadSignatures_ErrorClasses(t *testing.T) {
	tests := []struct {
		name      string
		resp      testutil.MockResponse
		timeout   time.Duration
		wantClass ErrorClass
		wantCode  int
	}{
		{"server error", testutil.NewServerErrorResponse(), time.Second, ErrorClassServer, 500},
		{"not found", testutil.NewNotFoundResponse(), time.Second, ErrorClassClient, 404},
		{"malformed", testutil.NewMalformedResponse(), time.Second, ErrorClassMalformed, 200},
		{"timeout", testutil.NewSlowResponse(`{}`, 500*time.Millisecond), 20 * time.Millisecond, ErrorClassTimeout, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockILINCS()
			defer mock.Close()
			mock.SetResponse(EndpointDownloadSignature, tt.resp)

			c := newTestClient(t, mock)

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			_, err := c.DownloadSignatures(ctx, DownloadRequest{IDs: []string{"S1"}, TopN: 1})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.ErrorClass != tt.wantClass {
				t.Errorf("ErrorClass = %q, want %q", apiErr.ErrorClass, tt.wantClass)
			}
			if apiErr.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.wantCode)
			}
		})
	}
}

func TestDownloadSignatures_ErrorBodyInMessage(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetResponse(EndpointDownloadSignature, testutil.MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       "upstream R worker died",
	})

	c := newTestClient(t, mock)
	_, err := c.DownloadSignatures(context.Background(), DownloadRequest{IDs: []string{"S1"}})
	if err == nil || !strings.Contains(err.Error(), "upstream R worker died") {
		t.Errorf("error %v should contain the response body", err)
	}
}

func TestGetCollections(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()

	mock.SetResponse(EndpointSignatureMeta, testutil.NewJSONResponse(`[{"signatureid":"S1","libraryid":"LIB_1"},{"signatureid":"S2","libraryid":"LIB_5"}]`))
	mock.SetResponse(EndpointPublicDatasets, testutil.NewJSONResponse(`[{"experiment":"E1"}]`))
	mock.SetResponse(EndpointGeneInfos, testutil.NewJSONResponse(`[{"geneid":1},{"geneid":2},{"geneid":3}]`))
	mock.SetResponse(EndpointCompounds, testutil.NewJSONResponse(`[]`))

	c := newTestClient(t, mock)
	ctx := context.Background()

	tests := []struct {
		name string
		get  func(context.Context) ([]Record, error)
		want int
	}{
		{"signatures", c.GetSignatures, 2},
		{"datasets", c.GetDatasets, 1},
		{"genes", c.GetGenes, 3},
		{"compounds", c.GetCompounds, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := tt.get(ctx)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if len(records) != tt.want {
				t.Errorf("records = %d, want %d", len(records), tt.want)
			}
		})
	}
}

func TestGetCollection_RetriesThenSucceeds(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()

	mock.SetSequence(EndpointGeneInfos,
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`[{"geneid":1}]`),
	)

	c := newTestClient(t, mock)
	records, err := c.GetGenes(context.Background())
	if err != nil {
		t.Fatalf("GetGenes failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}
	if n := mock.RequestCount(EndpointGeneInfos); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestGetCollection_Exhausted(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetResponse(EndpointCompounds, testutil.NewServerErrorResponse())

	c := newTestClient(t, mock)
	_, err := c.GetCompounds(context.Background())

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
	if n := mock.RequestCount(EndpointCompounds); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestGetCollection_RejectsObject(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetResponse(EndpointSignatureMeta, testutil.NewJSONResponse(`{"error":"maintenance"}`))

	c := newTestClient(t, mock, func(cfg *Config) { cfg.Retry.RetryMalformed = false })
	_, err := c.GetSignatures(context.Background())

	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
	if n := mock.RequestCount(EndpointSignatureMeta); n != 1 {
		t.Errorf("requests = %d, want 1 (malformed not retried)", n)
	}
}

func TestClient_HeadersSent(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()

	var gotUA, gotAccept string
	mock.SetHandler(EndpointCompounds, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`[]`))
	})

	c := newTestClient(t, mock)
	if _, err := c.GetCompounds(context.Background()); err != nil {
		t.Fatalf("GetCompounds failed: %v", err)
	}
	if gotUA != "ilincs-freeze-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func TestClient_CacheServesRepeatRequests(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetHandler(EndpointDownloadSignature, testutil.SignatureHandler(1))
	mock.SetResponse(EndpointGeneInfos, testutil.NewJSONResponse(`[{"geneid":1}]`))

	store, err := cache.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	defer store.Close()

	c := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = store })
	ctx := context.Background()
	req := DownloadRequest{IDs: []string{"S1", "S2"}, TopN: 10, Display: true}

	for i := 0; i < 3; i++ {
		items, err := c.DownloadSignatures(ctx, req)
		if err != nil {
			t.Fatalf("DownloadSignatures #%d failed: %v", i, err)
		}
		if len(items) != 2 {
			t.Errorf("items = %d, want 2", len(items))
		}
		if _, err := c.GetGenes(ctx); err != nil {
			t.Fatalf("GetGenes #%d failed: %v", i, err)
		}
	}

	if n := mock.RequestCount(EndpointDownloadSignature); n != 1 {
		t.Errorf("download requests = %d, want 1 (rest cached)", n)
	}
	if n := mock.RequestCount(EndpointGeneInfos); n != 1 {
		t.Errorf("gene requests = %d, want 1 (rest cached)", n)
	}

	// A different batch is a different cache key.
	if _, err := c.DownloadSignatures(ctx, DownloadRequest{IDs: []string{"S3"}, TopN: 10, Display: true}); err != nil {
		t.Fatalf("DownloadSignatures failed: %v", err)
	}
	if n := mock.RequestCount(EndpointDownloadSignature); n != 2 {
		t.Errorf("download requests = %d, want 2", n)
	}
}

func TestFetchSignatures_ReportsCacheHits(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetHandler(EndpointDownloadSignature, testutil.SignatureHandler(1))

	store, err := cache.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	defer store.Close()

	c := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = store })
	ctx := context.Background()
	req := DownloadRequest{IDs: []string{"S1"}, TopN: 10, Display: true}

	for i, want := range []bool{false, true, true} {
		items, cached, err := c.FetchSignatures(ctx, req)
		if err != nil {
			t.Fatalf("FetchSignatures #%d failed: %v", i, err)
		}
		if cached != want {
			t.Errorf("FetchSignatures #%d cached = %v, want %v", i, cached, want)
		}
		if len(items) != 1 {
			t.Errorf("FetchSignatures #%d items = %d, want 1", i, len(items))
		}
	}

	// Without a cache every download is live.
	live := newTestClient(t, mock)
	if _, cached, err := live.FetchSignatures(ctx, req); err != nil || cached {
		t.Errorf("FetchSignatures without cache = (cached %v, err %v), want (false, nil)", cached, err)
	}
}

func TestClient_FailuresNotCached(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetSequence(EndpointDownloadSignature,
		testutil.NewMalformedResponse(),
		testutil.NewJSONResponse(testutil.SignatureBody([]string{"S1"}, 1)),
	)

	store, err := cache.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	defer store.Close()

	c := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = store })
	ctx := context.Background()
	req := DownloadRequest{IDs: []string{"S1"}, TopN: 1}

	if _, err := c.DownloadSignatures(ctx, req); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("first attempt: expected ErrMalformedResponse, got %v", err)
	}
	items, err := c.DownloadSignatures(ctx, req)
	if err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestClient_RateLimited(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetResponse(EndpointCompounds, testutil.NewJSONResponse(`[]`))

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.RequestsPerSecond = 20
		cfg.Burst = 1
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.GetCompounds(context.Background()); err != nil {
			t.Fatalf("GetCompounds failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 paced requests took %v, want >= ~100ms", elapsed)
	}
}
