// Package http wires the REST API and the websocket endpoint into one
// server.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"slidesync/internal/api"
	"slidesync/internal/filestore"
	"slidesync/internal/storage"
	"slidesync/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(hub *ws.Hub, fileStore filestore.Store, store *storage.BboltStorage, addr string, log *slog.Logger) *APIServer {
	if log == nil {
		log = slog.Default()
	}

	wsServer := ws.NewServer(hub, log)
	apiHandlers := api.New(store, fileStore, hub, log)

	r := mux.NewRouter()

	schedules := r.PathPrefix("/church/{churchID}/schedules").Subrouter()
	schedules.HandleFunc("", apiHandlers.ListSchedules).Methods(http.MethodGet)
	schedules.HandleFunc("", apiHandlers.CreateSchedule).Methods(http.MethodPost)
	schedules.HandleFunc("/{scheduleID}/slides", apiHandlers.ListSlides).Methods(http.MethodGet)
	schedules.HandleFunc("/{scheduleID}/slides", apiHandlers.CreateSlide).Methods(http.MethodPost)
	schedules.HandleFunc("/{scheduleID}/slides/batch", apiHandlers.BatchSlides).
		Methods(http.MethodPost, http.MethodPut, http.MethodDelete)
	schedules.HandleFunc("/{scheduleID}/slides/{slideID}", apiHandlers.UpdateSlide).Methods(http.MethodPut)
	schedules.HandleFunc("/{scheduleID}/slides/{slideID}", apiHandlers.DeleteSlide).Methods(http.MethodDelete)
	schedules.HandleFunc("/{scheduleID}/save", apiHandlers.SaveSchedule).Methods(http.MethodPost)
	schedules.HandleFunc("/{scheduleID}/unsave", apiHandlers.UnsaveSchedule).Methods(http.MethodPost)

	r.HandleFunc("/church/{churchID}/uploads", apiHandlers.UploadMedia).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id}", apiHandlers.GetMedia).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{id}", apiHandlers.DeleteMedia).Methods(http.MethodDelete)

	// WebSocket endpoint
	r.HandleFunc("/sync", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: r,
		},
		log: log.With("component", "http"),
	}
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
