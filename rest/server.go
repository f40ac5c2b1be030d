// Package rest exposes workflow execution over HTTP.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/logger"
	"github.com/viperbmw/netstacks-sub000/types"
)

// Runner is the part of the engine the server drives.
type Runner interface {
	Run(ctx context.Context, wf *types.WorkflowDefinition, initial map[string]any) *types.WorkflowRunResult
	RunStored(ctx context.Context, name string, initial map[string]any) (*types.WorkflowRunResult, error)
	GetRun(ctx context.Context, id uint64) (*types.WorkflowRunResult, error)
}

type Server struct {
	http.Server
	Port   int
	runner Runner
}

func NewServer(httpPort int, runner Runner) *Server {
	s := &Server{
		Server: http.Server{
			Addr:              fmt.Sprintf(":%d", httpPort),
			ReadHeaderTimeout: 10 * time.Second,
		},
		Port:   httpPort,
		runner: runner,
	}

	router := mux.NewRouter()
	router.HandleFunc("/runs", s.HandleRun).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id:[0-9]+}", s.HandleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s
}

// Start blocks until the server is stopped.
func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
