package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/httpclient"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
)

// Client calls a running agent's control API.
type Client struct {
	http *httpclient.Client
}

// NewClient creates a client for the agent listening at addr.
func NewClient(addr, token string, timeout time.Duration) (*Client, error) {
	hc, err := httpclient.New(&httpclient.Config{
		BaseURL:        addr,
		Token:          token,
		DefaultTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

// Close releases idle connections.
func (c *Client) Close() { c.http.Close() }

// Status fetches the agent status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.http.GetJSON(ctx, "/api/v1/status", nil, &resp)
	return resp, err
}

// Resources fetches the latest resource sample.
func (c *Client) Resources(ctx context.Context) (ResourcesResponse, error) {
	var resp ResourcesResponse
	err := c.http.GetJSON(ctx, "/api/v1/resources", nil, &resp)
	return resp, err
}

// Sessions lists scan sessions.
func (c *Client) Sessions(ctx context.Context) ([]orchestrator.Session, error) {
	var resp []orchestrator.Session
	err := c.http.GetJSON(ctx, "/api/v1/sessions", nil, &resp)
	return resp, err
}

// Session fetches one session.
func (c *Client) Session(ctx context.Context, id string) (orchestrator.Session, error) {
	var resp orchestrator.Session
	err := c.http.GetJSON(ctx, "/api/v1/sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartScan asks the agent to scan roots.
func (c *Client) StartScan(ctx context.Context, roots []string, kind orchestrator.Kind) (orchestrator.Session, error) {
	var resp orchestrator.Session
	err := c.http.PostJSON(ctx, "/api/v1/scans", ScanRequest{Roots: roots, Kind: kind.String()}, &resp)
	return resp, err
}

// Cancel aborts a session.
func (c *Client) Cancel(ctx context.Context, id string) (orchestrator.Session, error) {
	var resp orchestrator.Session
	err := c.http.DoJSON(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// Quarantine lists quarantine records matching f.
func (c *Client) Quarantine(ctx context.Context, f quarantine.Filter) ([]quarantine.Record, error) {
	q := url.Values{}
	if f.Status != nil {
		q.Set("status", f.Status.String())
	}
	setNonEmpty(q, "path", f.PathPrefix)
	setNonEmpty(q, "threat", f.ThreatName)
	setTime(q, "since", f.Since)
	setTime(q, "until", f.Until)

	var resp []quarantine.Record
	err := c.http.GetJSON(ctx, "/api/v1/quarantine", q, &resp)
	return resp, err
}

// Restore returns a quarantined file to its original or an alternate path.
func (c *Client) Restore(ctx context.Context, id string, opts quarantine.RestoreOptions) (quarantine.Record, error) {
	var resp quarantine.Record
	err := c.http.PostJSON(ctx, "/api/v1/quarantine/"+url.PathEscape(id)+"/restore",
		RestoreRequest{Path: opts.Path, Overwrite: opts.Overwrite}, &resp)
	return resp, err
}

// Purge securely deletes a quarantined file.
func (c *Client) Purge(ctx context.Context, id string) (quarantine.Record, error) {
	var resp quarantine.Record
	err := c.http.PostJSON(ctx, "/api/v1/quarantine/"+url.PathEscape(id)+"/purge", nil, &resp)
	return resp, err
}

// ApplyUpdate uploads an encoded update package.
func (c *Client) ApplyUpdate(ctx context.Context, pkg io.Reader) (UpdateResponse, error) {
	var resp UpdateResponse
	err := c.http.PostJSON(ctx, "/api/v1/updates", pkg, &resp)
	return resp, err
}

// Threats queries the threat history.
func (c *Client) Threats(ctx context.Context, f datastore.Filter) ([]datastore.ThreatEvent, error) {
	q := url.Values{}
	setNonEmpty(q, "threat", f.ThreatName)
	setNonEmpty(q, "action", f.Action)
	setNonEmpty(q, "path", f.PathPrefix)
	setNonEmpty(q, "session", f.SessionID)
	setTime(q, "since", f.Since)
	setTime(q, "until", f.Until)
	if f.Limit != 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	var resp []datastore.ThreatEvent
	err := c.http.GetJSON(ctx, "/api/v1/threats", q, &resp)
	return resp, err
}

// Statistics fetches aggregated threat statistics.
func (c *Client) Statistics(ctx context.Context) (datastore.Statistics, error) {
	var resp datastore.Statistics
	err := c.http.GetJSON(ctx, "/api/v1/threats/statistics", nil, &resp)
	return resp, err
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setTime(q url.Values, key string, t time.Time) {
	if !t.IsZero() {
		q.Set(key, t.Format(time.RFC3339))
	}
}
