package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestDo_success tests a 2xx round trip with headers.
func TestDo_success(t *testing.T) {
	var gotMethod, gotKey, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPOptions{
		BaseURL: srv.URL + "/",
		Token:   func(context.Context) (string, error) { return "tok", nil },
	})
	resp, err := tr.Do(context.Background(), Request{
		Method:         http.MethodPost,
		Target:         "api/messages",
		Body:           json.RawMessage(`{"content":"hi"}`),
		IdempotencyKey: "q1",
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != `{"id":42}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if gotMethod != http.MethodPost || gotKey != "q1" || gotAuth != "Bearer tok" || gotType != "application/json" {
		t.Errorf("unexpected request: method=%s key=%s auth=%s type=%s", gotMethod, gotKey, gotAuth, gotType)
	}
	if string(gotBody) != `{"content":"hi"}` {
		t.Errorf("server got body %s", gotBody)
	}
}

// TestDo_statusKinds tests the mapping of HTTP statuses to error kinds.
func TestDo_statusKinds(t *testing.T) {
	tests := []struct {
		status     int
		header     string
		kind       Kind
		retryable  bool
		retryAfter time.Duration
	}{
		{http.StatusConflict, "", KindConflict, false, 0},
		{http.StatusTooManyRequests, "7", KindRateLimited, true, 7 * time.Second},
		{http.StatusBadRequest, "", KindClient, false, 0},
		{http.StatusUnprocessableEntity, "", KindClient, false, 0},
		{http.StatusInternalServerError, "", KindServer, true, 0},
		{http.StatusServiceUnavailable, "3", KindServer, true, 3 * time.Second},
		{http.StatusRequestTimeout, "", KindNetwork, true, 0},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"reason":"x"}`))
			}))
			defer srv.Close()

			_, err := NewHTTP(HTTPOptions{BaseURL: srv.URL}).Do(context.Background(), Request{Target: "/t"})
			te, ok := AsError(err)
			if !ok {
				t.Fatalf("expected *Error, got %v", err)
			}
			if te.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", te.Kind, tt.kind)
			}
			if te.Status != tt.status {
				t.Errorf("Status = %d, want %d", te.Status, tt.status)
			}
			if te.Retryable() != tt.retryable {
				t.Errorf("Retryable = %v, want %v", te.Retryable(), tt.retryable)
			}
			if te.RetryAfter != tt.retryAfter {
				t.Errorf("RetryAfter = %v, want %v", te.RetryAfter, tt.retryAfter)
			}
			if string(te.Body) != `{"reason":"x"}` {
				t.Errorf("Body = %s", te.Body)
			}
		})
	}
}

// TestDo_networkError tests that connection failures are network errors.
func TestDo_networkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTP(HTTPOptions{BaseURL: url, Timeout: time.Second}).Do(context.Background(), Request{Target: "/x"})
	if KindOf(err) != KindNetwork {
		t.Fatalf("KindOf = %s, want network (err %v)", KindOf(err), err)
	}
}

// TestDo_cancelled tests that a cancelled context surfaces as a network
// error wrapping context.Canceled.
func TestDo_cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTP(HTTPOptions{BaseURL: srv.URL}).Do(ctx, Request{Target: "/x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if KindOf(err) != KindNetwork {
		t.Errorf("KindOf = %s, want network", KindOf(err))
	}
}

// TestDo_rateLimiter tests that requests are paced by the limiter.
func TestDo_rateLimiter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPOptions{BaseURL: srv.URL, RequestsPerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := tr.Do(context.Background(), Request{Target: "/x"}); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 requests at 20 rps took %v, want >= 80ms", elapsed)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

// TestDoBatch tests the batch endpoint with mixed member outcomes.
func TestDoBatch(t *testing.T) {
	var gotPath string
	var got batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"results":[{"status":201,"body":{"id":1}},{"status":409,"body":{"id":2}}]}`))
	}))
	defer srv.Close()

	tr := NewHTTP(HTTPOptions{BaseURL: srv.URL})
	results, err := tr.DoBatch(context.Background(), "/api/products", []Request{
		{Method: http.MethodPost, Body: json.RawMessage(`{"a":1}`), IdempotencyKey: "k1"},
		{Method: http.MethodPatch, Body: json.RawMessage(`{"a":2}`), IdempotencyKey: "k2"},
	})
	if err != nil {
		t.Fatalf("DoBatch failed: %v", err)
	}
	if gotPath != "/api/products/batch" {
		t.Errorf("path = %s", gotPath)
	}
	if len(got.Operations) != 2 || got.Operations[1].Method != http.MethodPatch || got.Operations[0].IdempotencyKey != "k1" {
		t.Errorf("unexpected operations: %+v", got.Operations)
	}
	if results[0].Err != nil || string(results[0].Response.Body) != `{"id":1}` {
		t.Errorf("result 0 = %+v", results[0])
	}
	if KindOf(results[1].Err) != KindConflict {
		t.Errorf("result 1 kind = %s, want conflict", KindOf(results[1].Err))
	}
}

// TestDoBatch_mismatch tests that a malformed reply fails the whole batch.
func TestDoBatch_mismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{BaseURL: srv.URL}).DoBatch(context.Background(), "/x", []Request{{}, {}})
	if KindOf(err) != KindServer {
		t.Fatalf("KindOf = %s, want server (err %v)", KindOf(err), err)
	}
}

// TestParseRetryAfter tests both header forms.
func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := parseRetryAfter("12", now); d != 12*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if d := parseRetryAfter(date, now); d != 90*time.Second {
		t.Errorf("date form = %v", d)
	}
	if d := parseRetryAfter("soon", now); d != 0 {
		t.Errorf("garbage = %v", d)
	}
}
