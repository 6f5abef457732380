package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/ilincs-freeze/internal/testutil"
	"github.com/Sternrassler/ilincs-freeze/pkg/client"
	"github.com/Sternrassler/ilincs-freeze/pkg/config"
	"github.com/Sternrassler/ilincs-freeze/pkg/freeze"
)

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	status := newRunStatus()

	t.Run("ready", func(t *testing.T) {
		status.started()
		status.finished(&freeze.Manifest{RunID: "run-1", MissingSignatures: []string{"S9"}}, nil)

		handler := readyHandler(status, func(context.Context) error { return nil })
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		resp := w.Result()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}

		var report statusReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		if report.Status != "ok" || report.LastRunID != "run-1" || report.LastMissing != 1 || report.Running {
			t.Errorf("unexpected report %+v", report)
		}
	})

	t.Run("failed_run_keeps_last_success", func(t *testing.T) {
		status.finished(nil, errors.New("download genes: boom"))

		handler := readyHandler(status, func(context.Context) error { return nil })
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		var report statusReport
		json.NewDecoder(w.Result().Body).Decode(&report)
		if report.LastRunID != "run-1" || report.LastError != "download genes: boom" {
			t.Errorf("unexpected report %+v", report)
		}
	})

	t.Run("not_ready_cache_down", func(t *testing.T) {
		handler := readyHandler(status, func(context.Context) error { return errors.New("connection refused") })
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		resp := w.Result()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", resp.StatusCode)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newMux(newRunStatus(), func(context.Context) error { return nil })

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	// Unlabelled collectors are exported before any request is made.
	for _, name := range []string{"ilincs_batch_attempts_total", "ilincs_freeze_missing_signatures", "ilincs_rate_limit_throttles_total"} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "f.yaml", "-once", "-output", "out", "-schedule", "@daily"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.configPath != "f.yaml" || !opts.once || opts.outputDir != "out" || opts.cron != "@daily" {
		t.Errorf("unexpected options %+v", opts)
	}

	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Error("expected error for positional argument")
	}
	if _, err := parseFlags([]string{"-bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ilincs.yaml")
	os.WriteFile(path, []byte("output:\n  backend: s3\n  s3_bucket: b\nschedule:\n  cron: \"0 2 * * *\"\n"), 0o600)

	cfg, err := loadConfig(options{configPath: path, outputDir: filepath.Join(dir, "out"), once: true})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Output.Backend != config.OutputDir || cfg.Output.Dir != filepath.Join(dir, "out") {
		t.Errorf("Output = %+v, want dir override", cfg.Output)
	}
	if cfg.Schedule.Cron != "" {
		t.Errorf("-once should clear the schedule, got %q", cfg.Schedule.Cron)
	}

	if _, err := loadConfig(options{configPath: path, cron: "whenever"}); err == nil {
		t.Error("expected error for invalid -schedule")
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(envFile, []byte("ILINCS_LIBRARY=LIB_9\n"), 0o600)
	t.Cleanup(func() { os.Unsetenv("ILINCS_LIBRARY") })

	cfg, err := loadConfig(options{envFile: envFile})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Retrieval.Library != "LIB_9" {
		t.Errorf("Library = %q, want LIB_9 from .env", cfg.Retrieval.Library)
	}

	if _, err := loadConfig(options{envFile: filepath.Join(t.TempDir(), "missing.env")}); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestRun_Once(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()

	mock.SetResponse(client.EndpointSignatureMeta, testutil.NewJSONResponse(
		`[{"signatureid":"D1","libraryid":"LIB_1"},{"signatureid":"C1","libraryid":"LIB_5"},{"signatureid":"D2","libraryid":"LIB_1"}]`))
	mock.SetResponse(client.EndpointPublicDatasets, testutil.NewJSONResponse(`[]`))
	mock.SetResponse(client.EndpointGeneInfos, testutil.NewJSONResponse(`[{"geneid":1}]`))
	mock.SetResponse(client.EndpointCompounds, testutil.NewJSONResponse(`[]`))
	mock.SetHandler(client.EndpointDownloadSignature, testutil.SignatureHandler(2))

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	path := filepath.Join(dir, "ilincs.yaml")
	cfgBody := fmt.Sprintf(`
api:
  base_url: %s
  requests_per_second: 0
retrieval:
  backoff_unit: 1ms
cache:
  backend: pebble
  pebble_dir: %s
logging:
  level: error
`, mock.URL(), filepath.Join(dir, "cache"))
	if err := os.WriteFile(path, []byte(cfgBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-config", path, "-once", "-output", out, "-env-file", ""}, &stdout)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !strings.Contains(stdout.String(), "2/2 disease signatures retrieved (4 records)") {
		t.Errorf("unexpected summary %q", stdout.String())
	}
	for _, name := range []string{"signatures.csv", "genes.csv", "manifest.json", "signature_vectors/D1.csv", "signature_vectors/D2.csv"} {
		if _, err := os.Stat(filepath.Join(out, filepath.FromSlash(name))); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
}

func TestRun_OnceFailsOnMetadataError(t *testing.T) {
	mock := testutil.NewMockILINCS()
	defer mock.Close()
	mock.SetResponse(client.EndpointSignatureMeta, testutil.NewServerErrorResponse())

	dir := t.TempDir()
	path := filepath.Join(dir, "ilincs.yaml")
	cfgBody := fmt.Sprintf("api:\n  base_url: %s\n  requests_per_second: 0\n  metadata_retries: 2\nretrieval:\n  backoff_unit: 1ms\nlogging:\n  level: error\n", mock.URL())
	os.WriteFile(path, []byte(cfgBody), 0o600)

	err := run(context.Background(), []string{"-config", path, "-once", "-output", filepath.Join(dir, "out"), "-env-file", ""}, io.Discard)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
	if n := mock.RequestCount(client.EndpointSignatureMeta); n != 2 {
		t.Errorf("metadata requests = %d, want 2", n)
	}
}
