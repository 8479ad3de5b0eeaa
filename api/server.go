package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"hw-allocation-broker/allocator"
	"hw-allocation-broker/notify"
	"hw-allocation-broker/rm"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server exposes the broker over HTTP: submit, inspect and release
// allocations, list resource managers, and stream status changes over a
// websocket.
type Server struct {
	registry   *allocator.Registry
	managers   *rm.Registry
	controller *allocator.Controller
	hub        *notify.Hub
	upgrader   websocket.Upgrader
}

func New(registry *allocator.Registry, managers *rm.Registry, controller *allocator.Controller, hub *notify.Hub) *Server {
	return &Server{
		registry:   registry,
		managers:   managers,
		controller: controller,
		hub:        hub,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /allocations", s.handleSubmit)
	mux.HandleFunc("GET /allocations", s.handleList)
	mux.HandleFunc("GET /allocations/{id}", s.handleGet)
	mux.HandleFunc("DELETE /allocations/{id}", s.handleRelease)
	mux.HandleFunc("GET /allocations/{id}/status", s.handleReconcile)
	mux.HandleFunc("GET /resource-managers", s.handleManagers)
	mux.HandleFunc("GET /subscribe", s.handleSubscribe)
}

type submitBody struct {
	Demands json.RawMessage `json:"demands"`
}

// handleSubmit accepts a demand descriptor, assigns a fresh allocation id and
// dispatches in the background. The response carries only the id; callers
// follow progress through GET or the subscription channel.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Demands) == 0 {
		respondError(w, http.StatusBadRequest, "body must carry a demands object")
		return
	}
	req := &allocator.AllocationRequest{
		AllocationID: uuid.NewString(),
		Demands:      body.Demands,
	}
	candidates, err := s.managers.All(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	// Dispatch outlives the HTTP request: a watching client disconnecting
	// must not cancel an in-flight commit.
	go func() {
		if _, err := s.controller.Dispatch(context.Background(), req, candidates); err != nil {
			log.Error().Err(err).Str("allocationId", req.AllocationID).Msg("api: dispatch failed")
		}
	}()

	respond(w, http.StatusOK, map[string]string{"allocation_id": req.AllocationID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, allocator.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusOK, rec)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.Release(r.Context(), id); err != nil {
		if errors.Is(err, allocator.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"allocation_id": id})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.controller.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, allocator.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusOK, snapshot)
}

func (s *Server) handleManagers(w http.ResponseWriter, r *http.Request) {
	managers, err := s.managers.All(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusOK, managers)
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"status": status, "data": data}); err != nil {
		log.Warn().Err(err).Msg("api: writing response failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "error": msg})
}
