// Package api exposes custodian's HTTP surface: case file status polling,
// intake, stage invocation, indicator management and queue inspection.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"custodian/config"
	"custodian/core"
	"custodian/intake"
	"custodian/pipeline"
	"custodian/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TaskQueue is the queue surface the API needs: dispatching work and
// inspecting the backlog.
type TaskQueue interface {
	pipeline.Enqueuer
	Depth(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context) ([]*core.PipelineTask, error)
}

// API holds the HTTP server and its dependencies.
type API struct {
	router     *mux.Router
	server     *http.Server
	files      storage.CaseFileStore
	violations storage.ViolationStore
	iocs       storage.IOCStore
	gate       *intake.Engine
	pipeline   *pipeline.Pipeline
	queue      TaskQueue
	config     *config.Config
	logger     *zap.SugaredLogger
}

// NewAPI creates the API server and registers its routes.
func NewAPI(
	files storage.CaseFileStore,
	violations storage.ViolationStore,
	iocs storage.IOCStore,
	gate *intake.Engine,
	p *pipeline.Pipeline,
	q TaskQueue,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *API {
	a := &API{
		router:     mux.NewRouter(),
		files:      files,
		violations: violations,
		iocs:       iocs,
		gate:       gate,
		pipeline:   p,
		queue:      q,
		config:     cfg,
		logger:     logger,
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r := a.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/cases/{caseID}/files", a.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/cases/{caseID}/files", a.handleIntake).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}", a.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}", a.handleDeleteFile).Methods(http.MethodDelete)
	r.HandleFunc("/files/{id}/hidden", a.handleSetHidden).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}/violations", a.handleListViolations).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}/matches", a.handleListMatches).Methods(http.MethodGet)

	r.HandleFunc("/run", a.handleRun).Methods(http.MethodPost)

	r.HandleFunc("/cases/{caseID}/iocs", a.handleCreateIOC).Methods(http.MethodPost)
	r.HandleFunc("/cases/{caseID}/iocs", a.handleListIOCs).Methods(http.MethodGet)
	r.HandleFunc("/iocs/{id}", a.handleGetIOC).Methods(http.MethodGet)
	r.HandleFunc("/iocs/{id}", a.handleDeleteIOC).Methods(http.MethodDelete)

	r.HandleFunc("/queue/status", a.handleQueueStatus).Methods(http.MethodGet)
	r.HandleFunc("/queue/dead-letters", a.handleDeadLetters).Methods(http.MethodGet)
}

// Router exposes the handler tree, primarily for tests.
func (a *API) Router() http.Handler {
	return a.router
}

// Start runs the HTTP server until Stop is called.
func (a *API) Start() error {
	addr := fmt.Sprintf("%s:%d", a.config.API.Host, a.config.API.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	a.logger.Infow("API server starting", "addr", addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, a.logger)
}
