package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/auth"
	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/history"
	"github.com/stevecastle/grabq/jobqueue"
)

const defaultHistoryLimit = 100

// -----------------------------------------------------------------------------
// Auth
// -----------------------------------------------------------------------------

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			// EventSource cannot set headers.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeError(w, http.StatusNotFound, CodeNotFound, "authentication is not enabled")
		return
	}
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.auth.Login(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// jobOptions is the subset of engine options a client may set. The engine
// path and raw extra arguments stay server-side. Omitted flags and lists
// take the configured defaults; explicit false or [] override them.
type jobOptions struct {
	Format         string   `json:"format"`
	Subtitles      []string `json:"subtitles"`
	Thumbnail      *bool    `json:"thumbnail"`
	Dir            string   `json:"dir"`
	OutputTemplate string   `json:"outputTemplate"`
	CookiesBrowser string   `json:"cookiesBrowser"`
	NoPlaylist     *bool    `json:"noPlaylist"`
}

func (o jobOptions) engineOptions() engine.Options {
	return engine.Options{
		Format:         strings.TrimSpace(o.Format),
		Subtitles:      o.Subtitles,
		Thumbnail:      o.Thumbnail,
		Dir:            strings.TrimSpace(o.Dir),
		OutputTemplate: strings.TrimSpace(o.OutputTemplate),
		CookiesBrowser: strings.TrimSpace(o.CookiesBrowser),
		NoPlaylist:     o.NoPlaylist,
	}
}

type submitRequest struct {
	URL     string     `json:"url"`
	Options jobOptions `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.jobs.Submit(req.URL, req.Options.engineOptions())
	if err != nil {
		writeJobError(w, err)
		return
	}
	snap, err := s.jobs.Get(id)
	if err != nil {
		// Pruned already; the id is still valid for history.
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List()
	if err != nil {
		writeJobError(w, err)
		return
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses, err := parseStatuses(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		kept := jobs[:0]
		for _, j := range jobs {
			for _, st := range statuses {
				if j.Status == st {
					kept = append(kept, j)
					break
				}
			}
		}
		jobs = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(id); err != nil {
		writeJobError(w, err)
		return
	}
	s.logger.Info("job cancel requested", zap.String("job_id", id))
	snap, err := s.jobs.Get(id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type concurrencyRequest struct {
	Max int `json:"max"`
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.jobs.SetMaxConcurrency(req.Max); err != nil {
		writeJobError(w, err)
		return
	}
	stats, err := s.jobs.Stats()
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// History, info and health
// -----------------------------------------------------------------------------

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "history is not configured")
		return
	}
	f, err := historyFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	recs, err := s.history.List(r.Context(), f)
	if err != nil {
		s.logger.Error("history listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "history is not configured")
		return
	}
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		s.logger.Error("history stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func historyFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{URLPattern: q.Get("url"), Query: q.Get("q"), Limit: defaultHistoryLimit}
	if raw := q.Get("status"); raw != "" {
		statuses, err := parseStatuses(raw)
		if err != nil {
			return f, err
		}
		f.Statuses = statuses
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, errors.New(key + " must be an RFC 3339 time")
			}
			*dst = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, f.Validate()
}

type infoResponse struct {
	*engine.Info
	SubtitleLanguages []string `json:"subtitleLanguages"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "url query parameter is required")
		return
	}
	defaults := s.jobs.Defaults()
	path, err := s.locate(defaults.EnginePath)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeEngineMissing, err.Error())
		return
	}
	info, err := s.prober.Probe(r.Context(), path, url, defaults.CookiesBrowser)
	if err != nil {
		s.logger.Warn("probe failed", zap.String("url", url), zap.Error(err))
		writeProbeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infoResponse{Info: info, SubtitleLanguages: info.SubtitleLanguages()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   stats,
		"events": s.jobs.Bus().Stats(),
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "bad json: "+err.Error())
		return false
	}
	return true
}

func parseStatuses(raw string) ([]jobqueue.Status, error) {
	var out []jobqueue.Status
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		st, err := jobqueue.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
