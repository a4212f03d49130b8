package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/synapsehealth/dicom-gateway/internal/database"
)

type HealthHandler struct {
	scpReady func() bool
}

func NewHealthHandler(scpReady func() bool) *HealthHandler {
	return &HealthHandler{scpReady: scpReady}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	// Check database
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		response.Services["database"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["database"] = "healthy"
	}

	// Check the inbound storage SCP listener
	if h.scpReady != nil && !h.scpReady() {
		response.Services["storage_scp"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["storage_scp"] = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}
	if h.scpReady != nil && !h.scpReady() {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
