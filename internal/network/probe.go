package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sample is one probe measurement.
type Sample struct {
	Latency time.Duration
	Bytes   int64
}

// Mbps returns the throughput estimate of the sample, or zero.
func (s Sample) Mbps() float64 {
	if s.Latency <= 0 || s.Bytes <= 0 {
		return 0
	}
	return float64(s.Bytes*8) / s.Latency.Seconds() / 1e6
}

// Prober measures the connection actively.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Sample, error)

func (f ProberFunc) Probe(ctx context.Context) (Sample, error) { return f(ctx) }

// HTTPProber times a lightweight GET.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// Probe issues the request and returns its round trip. Any status below
// 500 counts as reachable.
func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	elapsed := time.Since(start)

	if resp.StatusCode >= 500 {
		return Sample{Latency: elapsed}, fmt.Errorf("probe %s returned status %d", p.URL, resp.StatusCode)
	}
	return Sample{Latency: elapsed, Bytes: n}, nil
}
