package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string, retries int) *Client {
	c := New(url, 5*time.Second, func(r *http.Request) {
		r.Header.Set("Authorization", "ApiToken test")
	}, retries, nil)
	c.backoff = time.Millisecond
	return c
}

func TestDo_GetDecodesAndInjectsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/web/api/v2.1/threats" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "300" {
			t.Errorf("query not forwarded: %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "ApiToken test" {
			t.Error("missing or wrong Authorization header")
		}
		if r.Header.Get("Content-Type") != "" {
			t.Error("GET without body should not set Content-Type")
		}
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL+"/web/api/v2.1/", 0)
	var out struct {
		Value string `json:"value"`
	}
	err := c.Do(context.Background(), http.MethodGet, "threats", url.Values{"limit": {"300"}}, nil, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Value != "ok" {
		t.Errorf("value = %q, want ok", out.Value)
	}
}

func TestDo_PostEncodesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("body is not JSON: %s", body)
		}
		if req["summary"] != "hello" {
			t.Errorf("summary = %q", req["summary"])
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":555}`))
	}))
	defer server.Close()

	var out struct {
		ID int `json:"id"`
	}
	err := newTestClient(server.URL, 0).Do(context.Background(), http.MethodPost, "/service/tickets", nil,
		map[string]string{"summary": "hello"}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != 555 {
		t.Errorf("id = %d, want 555", out.ID)
	}
}

func TestDo_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer server.Close()

	err := newTestClient(server.URL, 3).Do(context.Background(), http.MethodGet, "threats", nil, nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 401 {
		t.Errorf("status = %d, want 401", apiErr.StatusCode)
	}
	if !strings.HasSuffix(apiErr.Body, "... (truncated)") {
		t.Error("long error bodies should be truncated")
	}
	if apiErr.Temporary() {
		t.Error("401 is not temporary")
	}
}

func TestDo_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	var out map[string]any
	err := newTestClient(server.URL, 0).Do(context.Background(), http.MethodGet, "threats", nil, nil, &out)
	if err == nil || !strings.Contains(err.Error(), "parse response") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestDo_RetriesGetOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL, 2).Do(context.Background(), http.MethodGet, "threats", nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDo_NeverRetriesPost(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := newTestClient(server.URL, 5).Do(context.Background(), http.MethodPost, "service/tickets", nil, map[string]int{"a": 1}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("POST attempted %d times, want 1", got)
	}
}

// failingRoundTripper simulates a connection-level failure.
type failingRoundTripper struct {
	calls int
}

func (rt *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.calls++
	return nil, errors.New("connection refused")
}

func TestDo_RetriesGetOnTransportError(t *testing.T) {
	rt := &failingRoundTripper{}
	c := newTestClient("https://test.local", 2).WithHTTPClient(&http.Client{Transport: rt})

	err := c.Do(context.Background(), http.MethodGet, "threats", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if rt.calls != 3 {
		t.Errorf("calls = %d, want 3", rt.calls)
	}
}

// stallOnceRoundTripper blocks the first request until its context ends,
// then answers every later request with an empty JSON object.
type stallOnceRoundTripper struct {
	calls int32
}

func (rt *stallOnceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&rt.calls, 1) == 1 {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{}`)),
		Request:    req,
	}, nil
}

func TestDo_RetriesGetOnClientTimeout(t *testing.T) {
	rt := &stallOnceRoundTripper{}
	c := newTestClient("https://test.local", 1).WithHTTPClient(&http.Client{
		Transport: rt,
		Timeout:   20 * time.Millisecond,
	})

	if err := c.Do(context.Background(), http.MethodGet, "threats", nil, nil, nil); err != nil {
		t.Fatalf("unexpected error after timeout retry: %v", err)
	}
	if got := atomic.LoadInt32(&rt.calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestDo_StopsRetryingWhenCallerCancels(t *testing.T) {
	rt := &failingRoundTripper{}
	c := newTestClient("https://test.local", 3).WithHTTPClient(&http.Client{Transport: rt})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Do(ctx, http.MethodGet, "threats", nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if rt.calls > 1 {
		t.Errorf("calls = %d, want at most 1", rt.calls)
	}
}
