package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/services"
)

type ManagementHandler struct {
	pacsService *services.PACSService
}

func NewManagementHandler(pacsService *services.PACSService) *ManagementHandler {
	return &ManagementHandler{
		pacsService: pacsService,
	}
}

type nodeListResponse struct {
	Nodes []nodeStatus `json:"nodes"`
}

type nodeStatus struct {
	models.PACSNode
	IdleAssociations int `json:"idle_associations"`
	PoolMaxSize      int `json:"pool_max_size,omitempty"`
}

// ListNodes returns the registered PACS nodes with their last echo results
// and current association pool occupancy.
func (h *ManagementHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodes, err := h.pacsService.ListNodes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list PACS nodes")
		http.Error(w, "Failed to list PACS nodes", http.StatusInternalServerError)
		return
	}

	pools := h.pacsService.PoolStats()
	resp := nodeListResponse{Nodes: make([]nodeStatus, 0, len(nodes))}
	for _, n := range nodes {
		st := nodeStatus{PACSNode: n}
		if ps, ok := pools[n.Name]; ok {
			st.IdleAssociations = ps.IdleAssociations
			st.PoolMaxSize = ps.MaxSize
		}
		resp.Nodes = append(resp.Nodes, st)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// EchoNode runs a C-ECHO connection test against one node.
func (h *ManagementHandler) EchoNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	result, err := h.pacsService.Echo(ctx, name)
	if err != nil {
		var cfgErr *services.ConfigError
		if errors.As(err, &cfgErr) {
			http.Error(w, cfgErr.Reason, http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("node", name).Msg("Echo test failed")
		http.Error(w, "Echo test failed", http.StatusInternalServerError)
		return
	}

	// A failed echo still returns 200; the body carries the outcome.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
