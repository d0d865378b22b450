package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/pipeline"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the batch progress API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := newAPIServer(env)

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("api server listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// batchRun tracks one batch being processed by the server.
type batchRun struct {
	orch *pipeline.Orchestrator

	mu     sync.Mutex
	subs   map[chan pipeline.Event]struct{}
	done   bool
	result *model.BatchResult
}

func (r *batchRun) subscribe() chan pipeline.Event {
	ch := make(chan pipeline.Event, 16)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

func (r *batchRun) unsubscribe(ch chan pipeline.Event) {
	r.mu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

// broadcast fans an event out to subscribers. Slow subscribers drop
// events rather than blocking the worker.
func (r *batchRun) broadcast(e pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (r *batchRun) finish(result *model.BatchResult) {
	r.mu.Lock()
	r.done = true
	r.result = result
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

// apiServer exposes batch start, progress, cancellation, and the DLQ
// over HTTP.
type apiServer struct {
	env *pipelineEnv

	mu   sync.Mutex
	runs map[string]*batchRun
}

func newAPIServer(env *pipelineEnv) *apiServer {
	return &apiServer{
		env:  env,
		runs: make(map[string]*batchRun),
	}
}

func (s *apiServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/batches", s.handleCreateBatch)
		r.Get("/batches/{id}/progress", s.handleProgress)
		r.Get("/batches/{id}/events", s.handleEvents)
		r.Post("/batches/{id}/cancel", s.handleCancel)
		r.Get("/dlq", s.handleDLQ)
	})

	return r
}

type createBatchRequest struct {
	Prospects []model.Prospect `json:"prospects"`
}

func (s *apiServer) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Prospects) == 0 {
		writeError(w, http.StatusBadRequest, "prospects is required")
		return
	}

	batch, err := s.env.Store.CreateBatch(r.Context(), req.Prospects)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create batch failed")
		return
	}

	run := &batchRun{
		orch: s.env.NewOrchestrator(),
		subs: make(map[chan pipeline.Event]struct{}),
	}
	run.orch.OnEvent(run.broadcast)

	s.mu.Lock()
	s.runs[batch.ID] = run
	s.mu.Unlock()

	go func() {
		// The run outlives the HTTP request that started it.
		result, err := run.orch.Run(context.Background(), batch)
		if err != nil {
			zap.L().Error("server batch run failed",
				zap.String("batch_id", batch.ID),
				zap.Error(err),
			)
		}
		run.finish(result)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batch.ID})
}

func (s *apiServer) run(id string) *batchRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *apiServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if run := s.run(id); run != nil {
		writeJSON(w, http.StatusOK, run.orch.Progress())
		return
	}

	// Not running here; report stored status.
	batch, err := s.env.Store.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": batch.Status,
		"total":  batch.Total,
	})
}

// handleEvents streams progress events as server-sent events until the
// batch finishes or the client disconnects.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run := s.run(id)
	if run == nil {
		writeError(w, http.StatusNotFound, "batch not running")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := run.subscribe()
	defer run.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run := s.run(id)
	if run == nil {
		writeError(w, http.StatusNotFound, "batch not running")
		return
	}
	run.orch.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *apiServer) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.env.Store.ListDLQ(r.Context(), resilience.DLQFilter{
		ErrorType: r.URL.Query().Get("type"),
		Limit:     100,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list dlq failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
