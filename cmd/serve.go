package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/store"
)

var servePort int

// extractionService is the orchestrator surface the HTTP API uses.
type extractionService interface {
	Start(ctx context.Context, target string, flags model.RunFlags) (string, error)
	Resume(ctx context.Context, target string, flags model.RunFlags) (string, error)
	GetStatus(ctx context.Context, id string) (*model.Session, error)
	Missing(ctx context.Context, target string) ([]model.StepKind, error)
}

// sessionLister lists persisted sessions.
type sessionLister interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for extraction requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Orchestrator, env.Store, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("serve: shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("serve: starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// extractionRequest is the body of POST /extractions and
// POST /extractions/resume.
type extractionRequest struct {
	URL string `json:"url"`
	// UseCache is tri-state: omitted leaves the decision to the run.
	UseCache     *bool    `json:"use_cache"`
	ForceRefresh bool     `json:"force_refresh"`
	Interactive  bool     `json:"interactive"`
	Steps        []string `json:"steps"`
}

// flags converts the request. Unknown step names are passed through so the
// orchestrator records the rejected session.
func (r extractionRequest) flags() model.RunFlags {
	f := model.RunFlags{
		ForceRefresh: r.ForceRefresh,
		Interactive:  r.Interactive,
	}
	if r.UseCache != nil {
		f.UseCache = model.UseCacheFalse
		if *r.UseCache {
			f.UseCache = model.UseCacheTrue
		}
	}
	for _, s := range r.Steps {
		if k, err := model.ParseStepKind(s); err == nil {
			f.RequestedSteps = append(f.RequestedSteps, k)
		} else {
			f.RequestedSteps = append(f.RequestedSteps, model.StepKind(s))
		}
	}
	return f
}

// buildRouter wires the HTTP API.
func buildRouter(svc extractionService, sessions sessionLister, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/extractions", startHandler(svc.Start))
	r.Post("/extractions/resume", startHandler(svc.Resume))

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		filter, err := sessionFilterFrom(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		list, err := sessions.ListSessions(r.Context(), filter)
		if err != nil {
			zap.L().Error("serve: list sessions failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list sessions failed")
			return
		}
		if list == nil {
			list = []model.Session{}
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := svc.GetStatus(r.Context(), id)
		switch {
		case eris.Is(err, pipeline.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case err != nil:
			zap.L().Error("serve: get session failed", zap.String("session_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get session failed")
		default:
			writeJSON(w, http.StatusOK, sess)
		}
	})

	r.Get("/properties/missing", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		missing, err := svc.Missing(r.Context(), target)
		switch {
		case eris.Is(err, model.ErrInvalidTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			zap.L().Error("serve: missing steps failed", zap.String("target", target), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "missing steps lookup failed")
		default:
			if missing == nil {
				missing = []model.StepKind{}
			}
			writeJSON(w, http.StatusOK, missingReport{URL: target, Missing: missing})
		}
	})

	return r
}

type startFunc func(ctx context.Context, target string, flags model.RunFlags) (string, error)

// startHandler accepts a run request and answers 202 with the session id.
// Input errors answer 400 and still carry the id of the failed session.
func startHandler(start startFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id, err := start(r.Context(), req.URL, req.flags())
		if err != nil {
			if isInputError(err) {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"session_id": id,
					"error":      err.Error(),
				})
				return
			}
			zap.L().Error("serve: start extraction failed", zap.String("target", req.URL), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "start extraction failed")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"session_id": id,
		})
	}
}

func isInputError(err error) bool {
	return eris.Is(err, model.ErrInvalidTarget) || eris.Is(err, model.ErrUnknownStep)
}

func sessionFilterFrom(r *http.Request) (store.SessionFilter, error) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status: model.SessionStatus(strings.TrimSpace(q.Get("status"))),
		Domain: strings.TrimSpace(q.Get("domain")),
		Limit:  50,
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, eris.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
