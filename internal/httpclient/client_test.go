package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		baseURL string
		want    string
		wantErr bool
	}{
		{"default", "", "http://127.0.0.1:8765/api/v1/status", false},
		{"bare host port", "localhost:9000", "http://localhost:9000/api/v1/status", false},
		{"base path", "http://agent.local:80/sentinel/", "http://agent.local:80/sentinel/api/v1/status", false},
		{"no host", "http://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := New(&Config{BaseURL: tt.baseURL})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.URL("/api/v1/status", nil))
			assert.Equal(t, DefaultTimeout, c.defaultTimeout)
			assert.Equal(t, defaultUserAgent, c.userAgent)
		})
	}
}

func TestURLQuery(t *testing.T) {
	t.Parallel()
	c, err := New(nil)
	require.NoError(t, err)
	got := c.URL("api/v1/threats", url.Values{"limit": {"5"}})
	assert.Equal(t, "http://127.0.0.1:8765/api/v1/threats?limit=5", got)
}

func TestDoInjectsHeaders(t *testing.T) {
	t.Parallel()

	var ua, auth atomic.Value
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, server, Config{Token: "s3cret", UserAgent: "sentinel-test/1.0"})

	require.NoError(t, c.GetJSON(t.Context(), "/ping", nil, nil))
	assert.Equal(t, "sentinel-test/1.0", ua.Load())
	assert.Equal(t, "Bearer s3cret", auth.Load())
}

func TestDefaultTimeoutApplies(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	c := newTestClient(t, server, Config{DefaultTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := c.GetJSON(t.Context(), "/slow", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBodyOutlivesDo(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 1<<16)))
	})
	c := newTestClient(t, server, Config{})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, c.URL("/big", nil), http.NoBody)
	require.NoError(t, err)
	resp, err := c.Do(t.Context(), req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Len(t, data, 1<<16)
}

func TestPostJSONRoundTrip(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string][]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"roots": len(in["roots"])})
	})
	c := newTestClient(t, server, Config{})

	var out map[string]int
	err := c.PostJSON(t.Context(), "/api/v1/scans", map[string][]string{"roots": {"/a", "/b"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, out["roots"])
}

func TestRawBodyIsSentAsIs(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"echo":"` + string(data) + `"}`))
	})
	c := newTestClient(t, server, Config{})

	var out map[string]string
	require.NoError(t, c.PostJSON(t.Context(), "/raw", strings.NewReader("pkg"), &out))
	assert.Equal(t, "pkg", out["echo"])
}

func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "api envelope",
			status:  http.StatusConflict,
			body:    `{"error":"restore target exists","message":"restore failed","code":409,"correlation_id":"ab12cd34"}`,
			wantMsg: "restore failed: restore target exists (HTTP 409, correlation id ab12cd34)",
		},
		{
			name:    "plain text",
			status:  http.StatusBadGateway,
			body:    "upstream down\n",
			wantMsg: "upstream down (HTTP 502)",
		},
		{
			name:    "empty body",
			status:  http.StatusServiceUnavailable,
			wantMsg: "Service Unavailable (HTTP 503)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := newTestClient(t, server, Config{})

			err := c.GetJSON(t.Context(), "/x", nil, nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Error())
		})
	}
}

func TestHooks(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, server, Config{})

	var before, after atomic.Int32
	c.SetBeforeRequestHook(func(*http.Request) { before.Add(1) })
	c.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, err error) {
		if err == nil && resp.StatusCode == http.StatusOK {
			after.Add(1)
		}
	})

	for range 3 {
		require.NoError(t, c.GetJSON(t.Context(), "/", nil, nil))
	}
	assert.Equal(t, int32(3), before.Load())
	assert.Equal(t, int32(3), after.Load())
}
