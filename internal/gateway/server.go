package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	defaultHistoryLimit = 20
	defaultReleaseLimit = 10
	maxListLimit        = 100
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Token, when set, is required as a bearer token on every route but /health.
	Token          string
	AllowedOrigins []string
	Logger         *slog.Logger
}

type handlers struct {
	svc *Service
}

// NewRouter mounts the /versions API and the task channel.
func NewRouter(svc *Service, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(echoRequestID)
	r.Use(requestLogger(logger))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))
		r.Route("/versions", func(r chi.Router) {
			r.Route("/instances/{instanceId}", func(r chi.Router) {
				r.Get("/components", h.componentsVersion)
				r.Post("/components/{component}/check", h.check)
				r.Post("/components/{component}/update", h.update)
				r.Get("/backups", h.backups)
				r.Post("/backups/{backupId}/restore", h.restore)
				r.Get("/update-history", h.history)
			})
			r.Get("/components/{component}/releases", h.releases)
		})
		r.Get("/ws/tasks/{taskId}", svc.Hub().ServeWS)
	})
	return r
}

// echoRequestID returns the id chimw.RequestID assigned, so error envelopes
// and clients can quote it.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rid := chimw.GetReqID(r.Context()); rid != "" {
			w.Header().Set(chimw.RequestIDHeader, rid)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", r.RemoteAddr,
				"request_id", chimw.GetReqID(r.Context()))
		})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, envelope{Error: &envelopeError{
					Code:    "unauthorized",
					Message: "missing or invalid bearer token",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func componentParam(r *http.Request) (versions.Component, error) {
	return versions.ParseComponent(chi.URLParam(r, "component"))
}

// optionalComponent parses the ?component= filter; empty means all.
func optionalComponent(r *http.Request) (versions.Component, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("component"))
	if raw == "" {
		return "", nil
	}
	return versions.ParseComponent(raw)
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &requestError{msg: "limit must be a positive integer"}
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func (h *handlers) componentsVersion(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ComponentsVersion(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (h *handlers) check(w http.ResponseWriter, r *http.Request) {
	comp, err := componentParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.Check(r.Context(), chi.URLParam(r, "instanceId"), comp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	comp, err := componentParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	method, err := versions.ParseUpdateMethod(q.Get("update_method"))
	if err != nil {
		writeError(w, &requestError{msg: err.Error()})
		return
	}
	createBackup := true
	if raw := q.Get("create_backup"); raw != "" {
		if createBackup, err = strconv.ParseBool(raw); err != nil {
			writeError(w, &requestError{msg: "create_backup must be a boolean"})
			return
		}
	}
	taskID := q.Get("task_id")
	if taskID != "" && !taskevents.ValidTaskID(taskID) {
		writeError(w, &requestError{msg: "invalid task id"})
		return
	}

	out, err := h.svc.Update(r.Context(), UpdateRequest{
		InstanceID:   chi.URLParam(r, "instanceId"),
		Component:    comp,
		CreateBackup: createBackup,
		Method:       method,
		TaskID:       taskID,
	})
	if err != nil {
		if out.BackupID != "" {
			writeErrorData(w, err, versions.UpdateResult{BackupID: out.BackupID})
			return
		}
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (h *handlers) backups(w http.ResponseWriter, r *http.Request) {
	comp, err := optionalComponent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.Backups(r.Context(), chi.URLParam(r, "instanceId"), comp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (h *handlers) restore(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Restore(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "backupId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	comp, err := optionalComponent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r, defaultHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.History(r.Context(), chi.URLParam(r, "instanceId"), comp, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}

func (h *handlers) releases(w http.ResponseWriter, r *http.Request) {
	comp, err := componentParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r, defaultReleaseLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.Releases(r.Context(), comp, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, out)
}
