// Package api exposes on-demand checks and read access to change history
// over HTTP. Binary payloads are base64 encoded by encoding/json.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/domain"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/storage"
)

// Checker runs on-demand checks. *scheduler.Scheduler implements it.
type Checker interface {
	CheckNow(ctx context.Context, targetID int64) (*scheduler.CycleResult, error)
	Running() bool
}

// Deps are the handler's collaborators.
type Deps struct {
	Ledger  storage.Ledger
	Checker Checker
	Log     logrus.FieldLogger
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	deps.Log = deps.Log.WithField("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Log))

	r.Get("/healthz", handleHealth(deps))
	r.Route("/targets", func(r chi.Router) {
		r.Get("/", handleListTargets(deps))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handleGetTarget(deps))
			r.Post("/check", handleCheck(deps))
			r.Get("/changes", handleListChanges(deps))
			r.Get("/changes/current", handleChangeAt(deps, 0))
			r.Get("/changes/previous", handleChangeAt(deps, 1))
			r.Get("/differences", handleListDifferences(deps))
		})
	})
	r.Put("/changes/{id}/reviewed", handleMarkReviewed(deps))

	return r
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("Request served")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// ledgerError writes the response for a failed ledger call.
func ledgerError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	log.WithError(err).Error("Ledger request failed")
	httpError(w, http.StatusInternalServerError, "persistence_error", "%v", err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
		return 0, false
	}
	return limit, true
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "ok",
			"scheduler_running": deps.Checker.Running(),
		})
	}
}

func handleListTargets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets, err := deps.Ledger.ListTargets(r.Context())
		if err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		if targets == nil {
			targets = []domain.Target{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
	}
}

func handleGetTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		t, err := deps.Ledger.GetTarget(r.Context(), id)
		if err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// CheckResponse is the body of a successful on-demand check.
type CheckResponse struct {
	TargetID   int64              `json:"target_id"`
	Outcome    string             `json:"outcome"`
	Score      float64            `json:"score"`
	Change     *domain.Change     `json:"change,omitempty"`
	Difference *domain.Difference `json:"difference,omitempty"`
}

func handleCheck(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		res, err := deps.Checker.CheckNow(r.Context(), id)
		if err != nil {
			checkError(w, deps.Log.WithField("target_id", id), err)
			return
		}
		writeJSON(w, http.StatusOK, CheckResponse{
			TargetID:   res.TargetID,
			Outcome:    res.Outcome.String(),
			Score:      res.Score,
			Change:     res.Change,
			Difference: res.Difference,
		})
	}
}

func checkError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	kind := scheduler.Classify(err)
	log.WithError(err).WithField("kind", kind.String()).Warn("On-demand check failed")
	switch kind {
	case scheduler.KindConflict:
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case scheduler.KindCapture, scheduler.KindFatal:
		httpError(w, http.StatusBadGateway, "capture_error", "%v", err)
	case scheduler.KindAnalysis:
		httpError(w, http.StatusUnprocessableEntity, "analysis_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "persistence_error", "%v", err)
	}
}

func handleListChanges(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}
		if _, err := deps.Ledger.GetTarget(r.Context(), id); err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		changes, err := deps.Ledger.ListChanges(r.Context(), id, limit)
		if err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		if changes == nil {
			changes = []domain.Change{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
	}
}

// handleChangeAt serves the change at offset (0 = current, 1 = previous).
func handleChangeAt(deps Deps, offset int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		changes, err := deps.Ledger.ListChanges(r.Context(), id, offset+1)
		if err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		if len(changes) <= offset {
			httpError(w, http.StatusNotFound, "not_found", "target %d has no such change", id)
			return
		}
		writeJSON(w, http.StatusOK, changes[offset])
	}
}

func handleListDifferences(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}
		if _, err := deps.Ledger.GetTarget(r.Context(), id); err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		diffs, err := deps.Ledger.ListDifferences(r.Context(), id, limit)
		if err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		if diffs == nil {
			diffs = []domain.Difference{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"differences": diffs})
	}
}

func handleMarkReviewed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var body struct {
			Reviewed *bool `json:"reviewed"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reviewed == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", `body must be {"reviewed": true|false}`)
			return
		}
		if err := deps.Ledger.MarkReviewed(r.Context(), id, *body.Reviewed); err != nil {
			ledgerError(w, deps.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "reviewed": *body.Reviewed})
	}
}
