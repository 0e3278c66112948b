package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/monitor"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
	"github.com/sentinel-av/sentinel/internal/update"
)

const statisticsKey = "statistics"

var errUnavailable = errors.NewStd("component not configured")

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Health          orchestrator.Health       `json:"health"`
	DatabaseVersion uint64                    `json:"database_version"`
	Sessions        []orchestrator.Session    `json:"sessions"`
	Quarantine      map[quarantine.Status]int `json:"quarantine,omitempty"`
	Uptime          string                    `json:"uptime"`
}

// ResourcesResponse is the body of GET /api/v1/resources.
type ResourcesResponse struct {
	Usage     monitor.Usage `json:"usage"`
	Throttled bool          `json:"throttled"`
}

// ScanRequest is the body of POST /api/v1/scans.
type ScanRequest struct {
	Roots []string `json:"roots"`
	// Kind is "manual" (default) or "scheduled".
	Kind string `json:"kind,omitempty"`
}

// RestoreRequest is the optional body of POST /api/v1/quarantine/:id/restore.
type RestoreRequest struct {
	Path      string `json:"path,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// UpdateResponse is the body of an accepted POST /api/v1/updates. Retrying
// means the package was rejected for now and the agent keeps retrying it;
// Version is then the still active version.
type UpdateResponse struct {
	Version  uint64 `json:"version"`
	Kind     string `json:"kind"`
	Retrying bool   `json:"retrying,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) getStatus(c echo.Context) error {
	resp := StatusResponse{
		Health:   s.scanner.Health(),
		Sessions: s.scanner.Sessions(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.database != nil {
		resp.DatabaseVersion = s.database.DatabaseVersion()
	}
	if s.vault != nil {
		resp.Quarantine = s.vault.Counts()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getResources(c echo.Context) error {
	u, throttled := s.scanner.Resources()
	return c.JSON(http.StatusOK, ResourcesResponse{Usage: u, Throttled: throttled})
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.scanner.Sessions())
}

func (s *Server) getSession(c echo.Context) error {
	session, err := s.scanner.Session(c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "session lookup failed")
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) cancelSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.scanner.Cancel(id); err != nil {
		return s.HandleError(c, err, "cancel failed")
	}
	session, err := s.scanner.Session(id)
	if err != nil {
		return s.HandleError(c, err, "session lookup failed")
	}
	return c.JSON(http.StatusAccepted, session)
}

func (s *Server) startScan(c echo.Context) error {
	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, validation(err, "body"), "invalid scan request")
	}

	kind := orchestrator.KindManual
	if req.Kind != "" {
		parsed, err := orchestrator.ParseKind(req.Kind)
		if err != nil {
			return s.HandleError(c, err, "invalid scan kind")
		}
		kind = parsed
	}

	// the session outlives the request
	session, err := s.scanner.StartScan(context.WithoutCancel(c.Request().Context()), req.Roots, kind)
	if err != nil {
		return s.HandleError(c, err, "scan not started")
	}
	return c.JSON(http.StatusAccepted, session)
}

func (s *Server) listQuarantine(c echo.Context) error {
	if s.vault == nil {
		return s.HandleError(c, unavailable("quarantine"), "quarantine unavailable")
	}
	var f quarantine.Filter
	if status := c.QueryParam("status"); status != "" {
		st, err := quarantine.ParseStatus(status)
		if err != nil {
			return s.HandleError(c, validation(err, "status"), "invalid status filter")
		}
		f.Status = &st
	}
	f.PathPrefix = c.QueryParam("path")
	f.ThreatName = c.QueryParam("threat")
	var err error
	if f.Since, err = queryTime(c, "since"); err != nil {
		return s.HandleError(c, err, "invalid since")
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return s.HandleError(c, err, "invalid until")
	}
	return c.JSON(http.StatusOK, s.vault.History(f))
}

func (s *Server) restoreQuarantine(c echo.Context) error {
	if s.vault == nil {
		return s.HandleError(c, unavailable("quarantine"), "quarantine unavailable")
	}
	var req RestoreRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return s.HandleError(c, validation(err, "body"), "invalid restore request")
		}
	}
	rec, err := s.vault.Restore(c.Request().Context(), c.Param("id"), quarantine.RestoreOptions{
		Path:      req.Path,
		Overwrite: req.Overwrite,
	})
	if err != nil {
		return s.HandleError(c, err, "restore failed")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) purgeQuarantine(c echo.Context) error {
	if s.vault == nil {
		return s.HandleError(c, unavailable("quarantine"), "quarantine unavailable")
	}
	rec, err := s.vault.Purge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "purge failed")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) applyUpdate(c echo.Context) error {
	if s.updater == nil {
		return s.HandleError(c, unavailable("update"), "updates unavailable")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.HandleError(c, validation(err, "body"), "unreadable update package")
	}
	pkg, err := update.Decode(body)
	if err != nil {
		return s.HandleError(c, err, "invalid update package")
	}
	version, retrying, err := s.updater.Submit(c.Request().Context(), pkg)
	if err != nil && retrying {
		return c.JSON(http.StatusAccepted, UpdateResponse{
			Version:  version,
			Kind:     pkg.Kind(),
			Retrying: true,
			Error:    err.Error(),
		})
	}
	if err != nil {
		return s.HandleError(c, err, "update rejected")
	}
	return c.JSON(http.StatusOK, UpdateResponse{Version: version, Kind: pkg.Kind()})
}

func (s *Server) listThreats(c echo.Context) error {
	if s.history == nil {
		return s.HandleError(c, unavailable("history"), "history unavailable")
	}
	f := datastore.Filter{
		ThreatName: c.QueryParam("threat"),
		Action:     c.QueryParam("action"),
		PathPrefix: c.QueryParam("path"),
		SessionID:  c.QueryParam("session"),
	}
	var err error
	if f.Since, err = queryTime(c, "since"); err != nil {
		return s.HandleError(c, err, "invalid since")
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return s.HandleError(c, err, "invalid until")
	}
	if limit := c.QueryParam("limit"); limit != "" {
		if f.Limit, err = strconv.Atoi(limit); err != nil {
			return s.HandleError(c, validation(err, "limit"), "invalid limit")
		}
	}

	events, err := s.history.ThreatEvents(c.Request().Context(), f)
	if err != nil {
		return s.HandleError(c, err, "history query failed")
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) threatStatistics(c echo.Context) error {
	if s.history == nil {
		return s.HandleError(c, unavailable("history"), "history unavailable")
	}
	if cached, ok := s.statsCache.Get(statisticsKey); ok {
		return c.JSON(http.StatusOK, cached)
	}
	stats, err := s.history.Statistics(c.Request().Context())
	if err != nil {
		return s.HandleError(c, err, "statistics query failed")
	}
	s.statsCache.Set(statisticsKey, stats, cache.DefaultExpiration)
	return c.JSON(http.StatusOK, stats)
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, validation(err, name)
	}
	return t, nil
}

func validation(err error, field string) error {
	return errors.New(err).
		Component("api").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}

func unavailable(component string) error {
	return errors.New(errUnavailable).
		Component("api").
		Category(errors.CategoryState).
		Context("component", component).
		Build()
}
