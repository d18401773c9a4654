package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", "secret", time.Second)
}

func TestClient_FetchHealth(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{"ok":true,"version":"1.2"}`))
	})

	h, err := c.FetchHealth(context.Background())
	if err != nil {
		t.Fatalf("FetchHealth: %v", err)
	}
	if !h.OK || h.Fields["version"] != "1.2" {
		t.Errorf("Health = %+v", h)
	}
}

func TestClient_FetchTransactions(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transactions" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Write([]byte(`{"transactions":[{"id":1,"ts":"2024-01-01T00:00:00Z","final_risk":0.4},{"id":2,"ts":"2024-01-01T00:00:01Z"}]}`))
	})

	rows, err := c.FetchTransactions(context.Background(), 50)
	if err != nil {
		t.Fatalf("FetchTransactions: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "1" || rows[1].ID != "2" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestClient_FetchAnomalies(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/anomalies" || q.Get("min_risk") != "0.7" || q.Get("limit") != "20" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Write([]byte(`{"anomalies":[{"id":"x","ts":"2024-01-01T00:00:00Z","final_risk":0.95,"explanations":["geo"]}]}`))
	})

	rows, err := c.FetchAnomalies(context.Background(), 0.7, 20)
	if err != nil {
		t.Fatalf("FetchAnomalies: %v", err)
	}
	if len(rows) != 1 || rows[0].Risk() != 0.95 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestClient_NonArrayPayloadIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing key", `{}`},
		{"null", `{"transactions":null}`},
		{"object", `{"transactions":{"id":1}}`},
		{"top-level array", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			rows, err := c.FetchTransactions(context.Background(), 20)
			if err != nil {
				t.Fatalf("FetchTransactions: %v", err)
			}
			if rows == nil || len(rows) != 0 {
				t.Errorf("rows = %#v, want empty", rows)
			}
		})
	}
}

func TestClient_Non2xx(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(strings.Repeat("x", 5000)))
	})

	_, err := c.FetchTransactions(context.Background(), 20)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.Endpoint != "transactions" || fe.Status != http.StatusBadGateway {
		t.Errorf("FetchError = %+v", fe)
	}
	if len(fe.Body) != maxErrorBody {
		t.Errorf("body length = %d, want %d", len(fe.Body), maxErrorBody)
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"anomalies":[`))
	})

	_, err := c.FetchAnomalies(context.Background(), 0.5, 20)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Endpoint != "anomalies" {
		t.Fatalf("expected anomalies FetchError, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 50*time.Millisecond)
	_, err := c.FetchHealth(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Err == nil {
		t.Fatalf("expected transport FetchError, got %v", err)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("  ", "", 0)
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.http.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v", c.http.Timeout)
	}
}
