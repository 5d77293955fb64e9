package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/marketsync/internal/config"
	"github.com/kimhsiao/marketsync/internal/logging"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20

	// BatchSuffix is appended to a target to form its batch endpoint.
	BatchSuffix = "/batch"
)

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// Token returns the bearer token sent with each request. Optional.
	Token  func(ctx context.Context) (string, error)
	Client *http.Client
}

// OptionsFromConfig maps the transport config section to HTTPOptions.
func OptionsFromConfig(cfg config.TransportConfig) HTTPOptions {
	opts := HTTPOptions{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}
	if cfg.AuthToken != "" {
		token := cfg.AuthToken
		opts.Token = func(context.Context) (string, error) { return token, nil }
	}
	return opts
}

// HTTPTransport talks JSON over HTTP.
type HTTPTransport struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	token   func(ctx context.Context) (string, error)
}

// NewHTTP returns an HTTPTransport.
func NewHTTP(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	t := &HTTPTransport{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		client: client,
		token:  opts.Token,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return t
}

func (t *HTTPTransport) url(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return t.base + target
}

// Do sends req and returns the response of a 2xx reply. Any other
// outcome is an *Error.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindNetwork, Err: err}
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(req.Body) > 0 && method != http.MethodGet {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.url(req.Target), body)
	if err != nil {
		return nil, &Error{Kind: KindClient, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if t.token != nil {
		tok, err := t.token(ctx)
		if err != nil {
			return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("fetch token: %w", err)}
		}
		if tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	logging.Debug("Transport request finished", map[string]interface{}{
		"method":      method,
		"target":      req.Target,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, StatusError(resp.StatusCode, raw, resp.Header)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header}
	if len(raw) > 0 && json.Valid(raw) {
		out.Body = json.RawMessage(raw)
	}
	return out, nil
}

type batchOperation struct {
	Method         string          `json:"method"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type batchRequest struct {
	Operations []batchOperation `json:"operations"`
}

type batchReply struct {
	Results []struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body,omitempty"`
	} `json:"results"`
}

// DoBatch posts reqs to target+BatchSuffix as one request. The server
// replies with one result per operation, in order.
func (t *HTTPTransport) DoBatch(ctx context.Context, target string, reqs []Request) ([]BatchResult, error) {
	ops := make([]batchOperation, len(reqs))
	for i, r := range reqs {
		ops[i] = batchOperation{Method: r.Method, Body: r.Body, IdempotencyKey: r.IdempotencyKey}
	}
	body, err := json.Marshal(batchRequest{Operations: ops})
	if err != nil {
		return nil, &Error{Kind: KindClient, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	resp, err := t.Do(ctx, Request{
		Method: http.MethodPost,
		Target: strings.TrimRight(target, "/") + BatchSuffix,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var reply batchReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return nil, &Error{Kind: KindServer, Status: resp.Status, Err: fmt.Errorf("decode batch reply: %w", err)}
	}
	if len(reply.Results) != len(reqs) {
		return nil, &Error{Kind: KindServer, Status: resp.Status,
			Err: fmt.Errorf("batch reply has %d results for %d operations", len(reply.Results), len(reqs))}
	}

	out := make([]BatchResult, len(reqs))
	for i, r := range reply.Results {
		if r.Status >= 200 && r.Status < 300 {
			out[i] = BatchResult{Response: &Response{Status: r.Status, Body: r.Body}}
			continue
		}
		out[i] = BatchResult{Err: StatusError(r.Status, r.Body, http.Header{})}
	}
	return out, nil
}
