// Package api is the HTTP command surface: create, status, cancel, plus
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/chassis/metrics"
	"github.com/freundallein/enroller/devicepool"
	"github.com/freundallein/enroller/orchestrator"
)

// Handler ...
type Handler struct {
	// baseCtx outlives any single HTTP request; submitted attempts are tied
	// to the service lifetime, not to the create call.
	baseCtx context.Context
	svc     *orchestrator.Service
	pool    *devicepool.Pool
}

// NewRouter wires the command surface and operational endpoints.
func NewRouter(ctx context.Context, svc *orchestrator.Service, pool *devicepool.Pool) *mux.Router {
	h := &Handler{baseCtx: ctx, svc: svc, pool: pool}
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(2000))
	health.AddReadinessCheck("device-pool", func() error {
		if !pool.HasAllocatable() {
			return errors.New("no allocatable devices")
		}
		return nil
	})

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/live", health.LiveEndpoint)
	router.HandleFunc("/ready", health.ReadyEndpoint)
	router.HandleFunc("/api/v0/accounts", h.create).Methods(http.MethodPost)
	router.HandleFunc("/api/v0/attempts/{id}", h.status).Methods(http.MethodGet)
	router.HandleFunc("/api/v0/attempts/{id}", h.cancel).Methods(http.MethodDelete)
	router.HandleFunc("/api/v0/devices", h.devices).Methods(http.MethodGet)
	return router
}

type createRequest struct {
	Count   int    `json:"count"`
	Country string `json:"country,omitempty"`
}

type createResponse struct {
	AttemptIDs []string `json:"attemptIds"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Count < 1 {
		writeError(w, http.StatusBadRequest, "count must be positive")
		return
	}
	ids, results := h.svc.Submit(h.baseCtx, req.Count, orchestrator.Options{Country: req.Country})
	// Terminal records reach the sink on their own; drain the stream.
	go func() {
		for range results {
		}
	}()
	writeJSON(w, http.StatusAccepted, createResponse{AttemptIDs: ids})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := h.svc.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := h.svc.Cancel(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusNotFound, err.Error())
	}
}

func (h *Handler) devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Devices())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithFields(log.Fields{
			"event": "response_encode_failed",
		}).Error(err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
