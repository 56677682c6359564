package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/bookmind/internal/clustering"
	"github.com/thebtf/bookmind/internal/content"
	gormdb "github.com/thebtf/bookmind/internal/db/gorm"
	"github.com/thebtf/bookmind/internal/extractor"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

// DefaultListLimit is the page size of list endpoints without ?limit.
const DefaultListLimit = 100

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Post("/api/bookmarks", s.handleCreateBookmark)
		r.Get("/api/bookmarks", s.handleListBookmarks)
		r.Delete("/api/bookmarks/{id}", s.handleDeleteBookmark)
		r.Post("/api/bookmarks/{id}/extract", s.handleExtractBookmark)

		r.Get("/api/irs", s.handleListIRs)

		r.Get("/api/clusters", s.handleListClusters)
		r.Post("/api/clusters/refresh", s.handleRefreshClusters)
		r.Post("/api/clusters/regenerate", s.handleRegenerateClusters)
		r.Get("/api/clusters/{id}", s.handleGetCluster)
		r.Post("/api/clusters/{id}/study", s.handleStudyContent)

		r.Get("/api/events", s.sseBroadcaster.HandleSSE)
	})
}

// requireReady rejects requests until startup has finished.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.sseBroadcaster.ClientCount(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "service starting")
		return
	}
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type createBookmarkRequest struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Extract bool   `json:"extract"`
}

func (s *Service) handleCreateBookmark(w http.ResponseWriter, r *http.Request) {
	var req createBookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	bm, ir, err := s.AddBookmark(r.Context(), req.URL, req.Title, req.Extract)
	if err != nil && bm == nil {
		s.writeServiceError(w, err)
		return
	}

	resp := map[string]interface{}{"bookmark": bm}
	if ir != nil {
		resp["ir"] = ir
	}
	if err != nil {
		status, msg := errorStatus(err)
		log.Warn().Err(err).Str("bookmark_id", bm.ID).Int("status", status).Msg("Bookmark saved without IR")
		resp["extractError"] = msg
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Service) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	limit := gormdb.ParseLimitParam(r, DefaultListLimit)
	bookmarks, err := s.bookmarkStore.ListBookmarks(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if bookmarks == nil {
		bookmarks = []*models.Bookmark{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookmarks": bookmarks, "total": len(bookmarks)})
}

func (s *Service) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteBookmark(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleExtractBookmark(w http.ResponseWriter, r *http.Request) {
	ir, err := s.ExtractBookmark(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

func (s *Service) handleListIRs(w http.ResponseWriter, r *http.Request) {
	var (
		irs []*models.IR
		err error
	)
	if unassigned, _ := strconv.ParseBool(r.URL.Query().Get("unassigned")); unassigned {
		irs, err = s.clusterStore.UnassignedIRs(r.Context())
	} else {
		irs, err = s.bookmarkStore.GetAllIRs(r.Context())
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if irs == nil {
		irs = []*models.IR{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"irs": irs, "total": len(irs)})
}

func (s *Service) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.clusterStore.ListActive(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": clusters, "total": len(clusters)})
}

func (s *Service) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cluster, err := s.clusterStore.GetCluster(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if cluster == nil {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	irs, err := s.bookmarkStore.GetIRsByIDs(r.Context(), cluster.IRIDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cluster": cluster, "irs": irs})
}

func (s *Service) handleRefreshClusters(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	s.refreshClusters(w, r, force)
}

func (s *Service) handleRegenerateClusters(w http.ResponseWriter, r *http.Request) {
	s.refreshClusters(w, r, true)
}

func (s *Service) refreshClusters(w http.ResponseWriter, r *http.Request, force bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RefreshTimeout())
	defer cancel()

	res, err := s.RefreshClusters(ctx, force)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type studyRequest struct {
	Format  string   `json:"format"`
	Level   string   `json:"level"`
	Goals   []string `json:"goals"`
	Minutes int      `json:"minutes"`
	Refresh bool     `json:"refresh"`
}

func (s *Service) handleStudyContent(w http.ResponseWriter, r *http.Request) {
	var req studyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RefreshTimeout())
	defer cancel()

	prefs := content.Preferences{
		Format:  models.ParseContentFormat(req.Format),
		Level:   models.Difficulty(req.Level),
		Goals:   req.Goals,
		Minutes: req.Minutes,
	}
	out, err := s.StudyContent(ctx, chi.URLParam(r, "id"), prefs, req.Refresh)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// errorStatus maps service errors onto HTTP statuses and client messages.
func errorStatus(err error) (int, string) {
	var oerr *oracle.Error
	switch {
	case errors.Is(err, clustering.ErrNoIRs):
		return http.StatusBadRequest, "no bookmarks to cluster, add bookmarks first"
	case errors.Is(err, errNotFound), errors.Is(err, gormdb.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, oracle.ErrExhausted):
		return http.StatusServiceUnavailable, "all oracle models are unavailable, try again later"
	case errors.Is(err, clustering.ErrContractViolation), errors.Is(err, extractor.ErrInvalidIR):
		return http.StatusBadGateway, "oracle returned an unusable answer"
	case errors.As(err, &oerr):
		return http.StatusBadGateway, "oracle request failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Service) writeServiceError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Int("status", status).Msg("Request failed")
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
