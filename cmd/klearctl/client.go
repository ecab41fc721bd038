package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-broker/pkg/response"
	"github.com/rs/zerolog/log"
)

// routeStats tracks latency for one API endpoint
type routeStats struct {
	name      string
	durations []time.Duration
	failures  int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded
// durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// apiError is a non-2xx response from the service.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// client talks to the broker service API and records per-route latency.
type client struct {
	baseURL string
	token   string
	http    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		stats:   make(map[string]*routeStats),
	}
}

// do sends a JSON request and decodes the envelope's data into out. It
// returns the HTTP status so callers can tell cached from new results.
func (c *client) do(ctx context.Context, route, method, path string, headers map[string]string, body, out interface{}) (int, error) {
	start := time.Now()
	status, err := c.send(ctx, method, path, headers, body, out)
	c.record(route, time.Since(start), err != nil)
	return status, err
}

func (c *client) send(ctx context.Context, method, path string, headers map[string]string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("api response")

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *response.Error `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		e := &apiError{Status: resp.StatusCode}
		if envelope.Error != nil {
			e.Code = envelope.Error.Code
			e.Message = envelope.Error.Message
		}
		return resp.StatusCode, e
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) record(route string, d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.stats[route]
	if !ok {
		rs = &routeStats{name: route}
		c.stats[route] = rs
	}
	rs.add(d, failed)
}

// authenticate exchanges an API key pair for a caller token.
func (c *client) authenticate(ctx context.Context, apiKey, apiSecret string) error {
	var token struct {
		Token string `json:"jwt_token"`
	}
	_, err := c.do(ctx, "auth", http.MethodPost, "/api/v1/auth/token", nil, map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &token)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	c.token = token.Token
	return nil
}

func (c *client) printStats() {
	names := make([]string, 0, len(c.stats))
	for name := range c.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))
	for _, name := range names {
		stats := c.stats[name]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			len(stats.durations),
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
