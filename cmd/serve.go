package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/alerts"
	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ops HTTP server",
	Long:  "Serves health, Prometheus metrics, budget status, cost estimates and job status. Keeps the token balance reconciled and runs alert checks in the background.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", envOptions{offline: cfg.Upstream.Key == "", store: true})
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Guard != nil {
			go env.Guard.RunReconciler(ctx, cfg.Budget.ReconcileInterval())
		} else {
			zap.L().Warn("upstream.key not set, budget endpoints disabled")
		}

		var status alerts.StatusSource
		if env.Guard != nil {
			status = env.Guard
		}
		checker := alerts.NewChecker(
			alerts.NewCollector(env.Store, status),
			alerts.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		s := &server{
			registry: env.Registry,
			guard:    env.Guard,
			jobs:     env.Store,
			defaults: cfg.Discovery.Job(),
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           s.routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
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

// server holds the handlers' dependencies. guard and jobs may be nil.
type server struct {
	registry *cost.Registry
	guard    *budget.Guard
	jobs     discovery.Repository
	defaults discovery.Config
}

func (s *server) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", monitoring.Handler())
	r.Get("/budget", s.handleBudget)
	r.Post("/estimate", s.handleEstimate)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

func (s *server) handleBudget(w http.ResponseWriter, _ *http.Request) {
	if s.guard == nil {
		writeError(w, http.StatusServiceUnavailable, "budget guard is not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":  s.guard.Status(),
		"actions": s.registry.Actions(),
	})
}

type estimateResponse struct {
	TokensEstimated int           `json:"tokens_estimated"`
	Balance         *int          `json:"balance,omitempty"`
	Affordable      *bool         `json:"affordable,omitempty"`
	Level           *budget.Level `json:"level,omitempty"`
}

func (s *server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	dcfg := s.defaults
	if err := json.NewDecoder(r.Body).Decode(&dcfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dcfg = dcfg.WithDefaults()
	if err := dcfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tokens, err := discovery.EstimateCost(dcfg, s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := estimateResponse{TokensEstimated: tokens}
	if s.guard != nil {
		st := s.guard.Status()
		affordable := st.Verified && st.Balance-tokens >= st.CriticalThreshold
		resp.Balance = &st.Balance
		resp.Affordable = &affordable
		resp.Level = &st.Level
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		zap.L().Error("serve: list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []discovery.Job{}
	}
	writeJSONResponse(w, http.StatusOK, jobs)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, discovery.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		zap.L().Error("serve: get job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	results, err := s.jobs.ListResults(r.Context(), id, discovery.ListOpts{
		SelectedOnly: q.Get("selected") == "true",
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		zap.L().Error("serve: list results", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if results == nil {
		results = []discovery.ItemResult{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"job": job, "results": results})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}
