// Package web implements the local dashboard API serving the reconciled job
// view to UI collaborators. It owns no job state, everything is read from
// the reconciler's store and mutations proxy to the backend client.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/modelops/trainwatch/app/api"
	"github.com/modelops/trainwatch/app/persistence"
	"github.com/modelops/trainwatch/app/reconcile"
)

// JobSource is the read-only view of the reconciled job collection
type JobSource interface {
	Snapshot() []reconcile.Record
	Get(id string) (reconcile.Record, bool)
}

// Backend is the slice of the API client the dashboard proxies to
type Backend interface {
	CreateJob(ctx context.Context, config any) (api.JobRecord, error)
	CancelJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	ListDatasets(ctx context.Context) (json.RawMessage, error)
	ListPipelines(ctx context.Context) (json.RawMessage, error)
	ListModels(ctx context.Context) (json.RawMessage, error)
	RenameModel(ctx context.Context, modelID, name string) error
	DownloadModel(ctx context.Context, modelID string, w io.Writer) error
}

// History provides recorded status transitions
type History interface {
	GetTransitions(jobID string, limit int) ([]persistence.TransitionRow, error)
}

// Config collects server dependencies
type Config struct {
	Jobs         JobSource
	Mode         func() reconcile.Mode
	Backend      Backend
	History      History // optional
	Version      string
	PasswordHash string // bcrypt hash, empty disables auth
}

// Server is the dashboard web server
type Server struct {
	Config
	mutateLimiter *limiter.Limiter // caps state-changing calls per client ip
}

// New creates the dashboard server
func New(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("jobs source is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	if cfg.Mode == nil {
		cfg.Mode = func() reconcile.Mode { return reconcile.ModeInactive }
	}
	return &Server{Config: cfg, mutateLimiter: tollbooth.NewLimiter(10, nil)}, nil
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting dashboard server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server failed: %w", err)
	}
	return nil
}

// routes builds the router with all middleware applied
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("trainwatch", "modelops", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(256*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for dashboard")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(grp *routegroup.Bundle) {
		grp.Use(rest.NoCache)
		grp.HandleFunc("GET /jobs", s.handleJobs)
		grp.HandleFunc("GET /jobs/{id}", s.handleJob)
		grp.HandleFunc("GET /jobs/{id}/history", s.handleJobHistory)
		grp.HandleFunc("GET /status", s.handleStatus)
		grp.HandleFunc("GET /datasets", s.handleCatalog("datasets"))
		grp.HandleFunc("GET /pipelines", s.handleCatalog("pipelines"))
		grp.HandleFunc("GET /models", s.handleCatalog("models"))
		grp.HandleFunc("GET /models/{id}/download", s.handleModelDownload)

		grp.With(tollbooth.HTTPMiddleware(s.mutateLimiter)).HandleFunc("POST /jobs", s.handleCreateJob)
		grp.With(tollbooth.HTTPMiddleware(s.mutateLimiter)).HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
		grp.With(tollbooth.HTTPMiddleware(s.mutateLimiter)).HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
		grp.With(tollbooth.HTTPMiddleware(s.mutateLimiter)).HandleFunc("POST /models/{id}/rename", s.handleRenameModel)
	})

	return router
}
