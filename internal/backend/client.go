// Package backend talks to the fraud-scoring API that serves health,
// transactions and anomalies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/risk-monitor/internal/domain"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000/api"
	DefaultTimeout = 10 * time.Second

	apiKeyHeader = "x-api-key"
	maxErrorBody = 2048
)

// Fetcher is the read side of the backend. Implementations apply their own
// timeouts and have no side effects.
type Fetcher interface {
	FetchHealth(ctx context.Context) (domain.Health, error)
	FetchTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	FetchAnomalies(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error)
}

// FetchError is returned for transport failures, non-2xx responses and
// undecodable bodies.
type FetchError struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status=%d body=%s", e.Endpoint, e.Status, e.Body)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client implements Fetcher over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Client. An empty baseURL falls back to DefaultBaseURL
// and a non-positive timeout to DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) FetchHealth(ctx context.Context) (domain.Health, error) {
	var h domain.Health
	body, err := c.get(ctx, "health", "/health", nil)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, &FetchError{Endpoint: "health", Err: fmt.Errorf("decode: %w", err)}
	}
	return h, nil
}

func (c *Client) FetchTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	body, err := c.get(ctx, "transactions", "/transactions", q)
	if err != nil {
		return nil, err
	}
	rows, err := decodeList(body, "transactions")
	if err != nil {
		return nil, &FetchError{Endpoint: "transactions", Err: err}
	}
	return rows, nil
}

func (c *Client) FetchAnomalies(ctx context.Context, minRisk float64, limit int) ([]domain.Anomaly, error) {
	q := url.Values{
		"min_risk": {strconv.FormatFloat(minRisk, 'f', -1, 64)},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := c.get(ctx, "anomalies", "/anomalies", q)
	if err != nil {
		return nil, err
	}
	rows, err := decodeList(body, "anomalies")
	if err != nil {
		return nil, &FetchError{Endpoint: "anomalies", Err: err}
	}
	return rows, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, &FetchError{Endpoint: endpoint, Err: err}
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &FetchError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(blob)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Endpoint: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// decodeList extracts the array under key. A missing key or a non-array
// value yields an empty slice.
func decodeList(body []byte, key string) ([]domain.Transaction, error) {
	body = bytes.TrimSpace(body)
	if json.Valid(body) && (len(body) == 0 || body[0] != '{') {
		return []domain.Transaction{}, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	raw := bytes.TrimSpace(envelope[key])
	if len(raw) == 0 || raw[0] != '[' {
		return []domain.Transaction{}, nil
	}
	rows := []domain.Transaction{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return rows, nil
}
