// Package testutil provides testing utilities for the iLINCS client.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock iLINCS endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockILINCS is a configurable mock iLINCS server for testing.
type MockILINCS struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests map[string]int
	forms    []url.Values
}

// NewMockILINCS creates a new mock iLINCS server.
func NewMockILINCS() *MockILINCS {
	mock := &MockILINCS{
		handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
		}

		mock.mu.Lock()
		mock.requests[r.URL.Path]++
		if r.Method == http.MethodPost {
			mock.forms = append(mock.forms, r.PostForm)
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockILINCS) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockILINCS) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockILINCS) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockILINCS) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, resp.write)
}

// SetSequence answers successive requests to path with the given responses.
// The last response repeats once the sequence is used up.
func (m *MockILINCS) SetSequence(path string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		resp.write(w, r)
	})
}

func (resp MockResponse) write(w http.ResponseWriter, r *http.Request) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// RequestCount returns the number of requests made to path.
func (m *MockILINCS) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// TotalRequests returns the number of requests across all paths.
func (m *MockILINCS) TotalRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// Forms returns the form bodies of all POST requests in arrival order.
func (m *MockILINCS) Forms() []url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]url.Values, len(m.forms))
	copy(out, m.forms)
	return out
}

// SignatureHandler answers downloadSignature requests with rowsPerID rows for
// every requested signature ID, the way iLINCS returns one row per gene.
func SignatureHandler(rowsPerID int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids := strings.Split(r.PostForm.Get("sigID"), ",")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(SignatureBody(ids, rowsPerID)))
	}
}

// SignatureBody builds a downloadSignature success body.
func SignatureBody(ids []string, rowsPerID int) string {
	rows := make([]map[string]any, 0, len(ids)*rowsPerID)
	for _, id := range ids {
		for i := 0; i < rowsPerID; i++ {
			rows = append(rows, map[string]any{
				"signatureID":         id,
				"ID_geneid":           1000 + i,
				"Name_GeneSymbol":     "GENE" + string(rune('A'+i%26)),
				"Value_LogDiffExp":    0.5 * float64(i+1),
				"Significance_pvalue": 0.01,
			})
		}
	}
	body, _ := json.Marshal(map[string]any{
		"data": map[string]any{"signature": rows},
	})
	return string(body)
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
	}
}

// NewMalformedResponse creates a 200 OK response without the signature envelope.
func NewMalformedResponse() MockResponse {
	return NewJSONResponse(`{"status": "ok"}`)
}

// NewSlowResponse creates a 200 OK response delivered after delay.
func NewSlowResponse(body string, delay time.Duration) MockResponse {
	resp := NewJSONResponse(body)
	resp.Delay = delay
	return resp
}
