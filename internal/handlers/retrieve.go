package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/synapsehealth/dicom-gateway/internal/services"
)

type RetrieveHandler struct {
	retrieveService *services.RetrieveService
}

func NewRetrieveHandler(retrieveService *services.RetrieveService) *RetrieveHandler {
	return &RetrieveHandler{
		retrieveService: retrieveService,
	}
}

// StartStudyRetrieve kicks off (or joins) a study retrieval. Responds 200
// when the study is already cached, 202 with the progress topic otherwise.
func (h *RetrieveHandler) StartStudyRetrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUid")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	job, alreadyCached, err := h.retrieveService.StartStudyRetrieve(ctx, r.URL.Query().Get("pacsNode"), studyUID)
	if err != nil {
		var cfgErr *services.ConfigError
		if errors.As(err, &cfgErr) {
			http.Error(w, cfgErr.Reason, http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to start retrieve")
		http.Error(w, "Failed to start retrieve", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if alreadyCached {
		json.NewEncoder(w).Encode(map[string]string{
			"status":           "ALREADY_CACHED",
			"studyInstanceUid": studyUID,
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":           string(job.Status),
		"studyInstanceUid": studyUID,
		"websocketTopic":   "/topic/retrieve/" + studyUID,
	})
}

// GetStudyRetrieve reports the current job snapshot for a study.
func (h *RetrieveHandler) GetStudyRetrieve(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUid")
	job, ok := h.retrieveService.Job(studyUID)
	if !ok {
		http.Error(w, "No retrieve job for study", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// CancelStudyRetrieve aborts an in-flight retrieval.
func (h *RetrieveHandler) CancelStudyRetrieve(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUid")
	if !h.retrieveService.Cancel(studyUID) {
		http.Error(w, "No running retrieve job for study", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":           "CANCELLING",
		"studyInstanceUid": studyUID,
	})
}
