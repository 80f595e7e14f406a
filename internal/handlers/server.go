package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"anisphere/internal/config"
	"anisphere/internal/transcode"
	"anisphere/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ProgressSource is anything engine progress can be subscribed to.
type ProgressSource interface {
	OnProgress(fn func(transcode.Progress)) func()
}

type Server struct {
	config      *config.Config
	logger      *utils.Logger
	httpServer  *http.Server
	apiHandler  *APIHandler
	hub         *ProgressHub
	unsubscribe func()
}

func NewServer(cfg *config.Config, manager Pipeline, progress ProgressSource, logger *utils.Logger) *Server {
	s := &Server{
		config:     cfg,
		logger:     logger,
		apiHandler: NewAPIHandler(manager, logger),
		hub:        NewProgressHub(logger),
	}
	s.unsubscribe = progress.OnProgress(s.hub.Publish)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.apiHandler.Health).Methods("GET")
	router.HandleFunc("/api/webhook/qbit", s.apiHandler.QbitWebhook).Methods("GET", "POST")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tasks", s.apiHandler.GetTasks).Methods("GET")
	api.HandleFunc("/tasks", s.apiHandler.AddTask).Methods("POST")
	api.HandleFunc("/tasks/{id:[0-9]+}", s.apiHandler.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id:[0-9]+}/download", s.apiHandler.StartDownload).Methods("POST")
	api.HandleFunc("/tasks/{id:[0-9]+}/reset", s.apiHandler.ResetTask).Methods("POST")
	api.HandleFunc("/tasks/{id:[0-9]+}/complete", s.apiHandler.CompleteTask).Methods("POST")

	api.HandleFunc("/transcodes", s.apiHandler.StartTranscode).Methods("POST")
	api.HandleFunc("/transcodes/{id:[0-9]+}", s.apiHandler.GetTranscode).Methods("GET")
	api.HandleFunc("/transcodes/{id:[0-9]+}", s.apiHandler.CancelTranscode).Methods("DELETE")

	api.HandleFunc("/torrents/{hash:[0-9a-fA-F]{40}}/pause", s.apiHandler.PauseTorrent).Methods("POST")
	api.HandleFunc("/torrents/{hash:[0-9a-fA-F]{40}}/resume", s.apiHandler.ResumeTorrent).Methods("POST")
	api.HandleFunc("/torrents/{hash:[0-9a-fA-F]{40}}", s.apiHandler.DeleteTorrent).Methods("DELETE")

	api.HandleFunc("/status", s.apiHandler.GetSystemStatus).Methods("GET")
	api.HandleFunc("/test/torrent", s.apiHandler.TestTorrent).Methods("GET")
	api.HandleFunc("/test/notifications", s.apiHandler.TestNotifications).Methods("GET")
	api.HandleFunc("/ws", s.hub.HandleWebSocket)

	return requestID(router)
}

// requestID tags every request with an X-Request-ID, keeping one supplied by
// the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.App.Port),
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		// Webhook handling talks to qBittorrent; websocket writes set their own deadlines.
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("Starting server on port", s.config.App.Port)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.unsubscribe()
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
