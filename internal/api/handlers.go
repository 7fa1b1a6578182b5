package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/export"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/manager"
)

// Query limits for the record endpoints.
const (
	defaultJobLimit    = 100
	maxQueryLimit      = 10000
	maxRequestBodySize = 1 << 20
)

type fieldSelector struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
}

type startJobRequest struct {
	StartURL         string            `json:"start_url"`
	MaxDepth         *int              `json:"max_depth"`
	UseDynamicEngine bool              `json:"use_dynamic_engine"`
	RestrictDomain   *bool             `json:"restrict_domain"`
	Fields           []fieldSelector   `json:"fields"`
	Selectors        map[string]string `json:"selectors"`
	Backend          crawler.Backend   `json:"backend"`
}

type startJobResponse struct {
	JobID    string   `json:"job_id"`
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

type stopJobResponse struct {
	JobID   string            `json:"job_id"`
	Stopped bool              `json:"stopped"`
	Status  crawler.JobStatus `json:"status"`
}

// toSpec applies server defaults: max_depth from config and restrict_domain
// on unless the caller opts out. Entries in fields override selectors with
// the same name.
func (s *Server) toSpec(req startJobRequest) crawler.JobSpec {
	spec := crawler.JobSpec{
		StartURL:         req.StartURL,
		MaxDepth:         valueOrDefault(req.MaxDepth, s.cfg.Crawler.MaxDepthDefault),
		UseDynamicEngine: req.UseDynamicEngine,
		RestrictDomain:   valueOrDefault(req.RestrictDomain, true),
		Backend:          req.Backend,
		Selectors:        make(map[string]string, len(req.Selectors)+len(req.Fields)),
	}
	for name, selector := range req.Selectors {
		spec.Selectors[name] = selector
	}
	for _, field := range req.Fields {
		spec.Selectors[field.Name] = field.Selector
	}
	return spec
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	spec := s.toSpec(req).Normalize()
	jobID, err := s.jobs.Start(r.Context(), spec)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startJobResponse{
		JobID:    jobID,
		Status:   string(crawler.JobStatusRunning),
		Warnings: extract.Check(spec.Selectors),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultJobLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	stopped := s.jobs.Stop(jobID)
	job, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stopJobResponse{JobID: jobID, Stopped: stopped, Status: job.Status})
}

func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, crawler.DefaultRecordLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.records.QueryRecords(r.Context(), crawler.RecordQuery{
		URLContains: r.URL.Query().Get("url_filter"),
		Limit:       limit,
	})
	if err != nil {
		s.logger.Error("query records failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}
	if records == nil {
		records = []crawler.ExtractedRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Stats(r.Context())
	if err != nil {
		s.logger.Error("record stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, export.DefaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.records.QueryRecords(r.Context(), crawler.RecordQuery{
		URLContains: r.URL.Query().Get("url_filter"),
		Limit:       limit,
	})
	if err != nil {
		s.logger.Error("export query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, records); err != nil {
		s.logger.Error("export encode failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to encode export")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(s.now())))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("write export failed", zap.Error(err))
	}
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrInvalidSpec):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, manager.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("job manager failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return limit, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
