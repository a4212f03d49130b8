package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/synapsehealth/dicom-gateway/internal/cache"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/internal/services"
	"github.com/synapsehealth/dicom-gateway/internal/volume"
	"golang.org/x/sync/errgroup"
)

type DICOMWebHandler struct {
	queryService    *services.QueryService
	retrieveService *services.RetrieveService
	index           *repository.IndexRepository
	store           *cache.Store
	extractor       *volume.Extractor
}

func NewDICOMWebHandler(
	queryService *services.QueryService,
	retrieveService *services.RetrieveService,
	index *repository.IndexRepository,
	store *cache.Store,
	extractor *volume.Extractor,
) *DICOMWebHandler {
	return &DICOMWebHandler{
		queryService:    queryService,
		retrieveService: retrieveService,
		index:           index,
		store:           store,
		extractor:       extractor,
	}
}

// SearchStudies handles QIDO-RS study search
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	node := r.URL.Query().Get("pacsNode")

	params := &models.QueryParams{
		StudyInstanceUID: r.URL.Query().Get("StudyInstanceUID"),
		PatientID:        r.URL.Query().Get("PatientID"),
		PatientName:      r.URL.Query().Get("PatientName"),
		StudyDate:        r.URL.Query().Get("StudyDate"),
		StudyTime:        r.URL.Query().Get("StudyTime"),
		AccessionNumber:  r.URL.Query().Get("AccessionNumber"),
		Modality:         r.URL.Query().Get("ModalitiesInStudy"),
		StudyDescription: r.URL.Query().Get("StudyDescription"),
	}

	studies, err := h.queryService.FindStudies(ctx, node, params)
	if err != nil {
		writeQueryError(w, err, "Failed to search studies")
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(studies)
}

// SearchSeries handles QIDO-RS series search
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUid")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	series, err := h.queryService.FindSeries(ctx, r.URL.Query().Get("pacsNode"), studyUID)
	if err != nil {
		writeQueryError(w, err, "Failed to search series")
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(series)
}

// SearchInstances handles QIDO-RS instance search
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUid")
	seriesUID := chi.URLParam(r, "seriesUid")
	if studyUID == "" || seriesUID == "" {
		http.Error(w, "Study UID and Series UID are required", http.StatusBadRequest)
		return
	}

	instances, err := h.queryService.FindInstances(ctx, r.URL.Query().Get("pacsNode"), studyUID, seriesUID)
	if err != nil {
		writeQueryError(w, err, "Failed to search instances")
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(instances)
}

// GetStudyMetadata serves per-instance metadata for a cached study.
func (h *DICOMWebHandler) GetStudyMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUid")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	cached, err := h.index.IsStudyCached(ctx, studyUID)
	if err != nil {
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to check study cache state")
		http.Error(w, "Failed to get study metadata", http.StatusInternalServerError)
		return
	}
	if !cached {
		http.Error(w, "Study not cached", http.StatusNotFound)
		return
	}

	series, err := h.index.GetSeriesByStudy(ctx, studyUID)
	if err != nil {
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to list series")
		http.Error(w, "Failed to get study metadata", http.StatusInternalServerError)
		return
	}

	var instances []models.Instance
	for _, s := range series {
		records, err := h.index.GetInstancesBySeries(ctx, s.SeriesInstanceUID)
		if err != nil {
			log.Error().Err(err).Str("series_uid", s.SeriesInstanceUID).Msg("Failed to list instances")
			http.Error(w, "Failed to get study metadata", http.StatusInternalServerError)
			return
		}
		for _, rec := range records {
			instances = append(instances, instanceFromRecord(rec))
		}
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(instances)
}

// RetrieveInstance handles WADO-RS instance retrieval: cached bytes when
// available, 202 Accepted when a retrieval was triggered.
func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUid")
	seriesUID := chi.URLParam(r, "seriesUid")
	sopUID := chi.URLParam(r, "sopUid")
	if studyUID == "" || seriesUID == "" || sopUID == "" {
		http.Error(w, "Study UID, Series UID, and Instance UID are required", http.StatusBadRequest)
		return
	}

	data, job, err := h.retrieveService.FetchInstance(ctx, r.URL.Query().Get("pacsNode"), studyUID, seriesUID, sopUID)
	if err == nil {
		w.Header().Set("Content-Type", "application/dicom")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
		return
	}
	if errors.Is(err, cache.ErrNotCached) {
		if job.ID == "" {
			http.Error(w, "Instance not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status":           string(job.Status),
			"studyInstanceUid": studyUID,
			"websocketTopic":   "/topic/retrieve/" + studyUID,
		})
		return
	}

	var cfgErr *services.ConfigError
	if errors.As(err, &cfgErr) {
		http.Error(w, cfgErr.Reason, http.StatusBadRequest)
		return
	}
	log.Error().Err(err).
		Str("study_uid", studyUID).
		Str("sop_instance_uid", sopUID).
		Msg("Failed to retrieve instance")
	http.Error(w, "Failed to retrieve instance", http.StatusInternalServerError)
}

// GetPixelData serves a cached series as a two-part multipart/related
// response: VolumeMetadata JSON, then packed little-endian 16-bit pixels.
func (h *DICOMWebHandler) GetPixelData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studyUID := chi.URLParam(r, "studyUid")
	seriesUID := chi.URLParam(r, "seriesUid")
	if studyUID == "" || seriesUID == "" {
		http.Error(w, "Study UID and Series UID are required", http.StatusBadRequest)
		return
	}

	subsample := 1
	if v := r.URL.Query().Get("subsample"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "subsample must be a positive integer", http.StatusBadRequest)
			return
		}
		subsample = n
	}

	records, err := h.index.GetInstancesBySeries(ctx, seriesUID)
	if err != nil {
		log.Error().Err(err).Str("series_uid", seriesUID).Msg("Failed to list instances")
		http.Error(w, "Failed to load series", http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		http.Error(w, "Series not cached", http.StatusNotFound)
		return
	}

	loaded := make([]volume.SliceSource, len(records))
	var g errgroup.Group
	g.SetLimit(8)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			data, err := h.store.ReadInstanceFile(rec.FilePath)
			if err != nil {
				log.Warn().Err(err).
					Str("sop_instance_uid", rec.SOPInstanceUID).
					Msg("Skipping unreadable instance file")
				return nil
			}
			loaded[i] = volume.SliceSource{Record: rec, Data: data}
			return nil
		})
	}
	_ = g.Wait()

	sources := make([]volume.SliceSource, 0, len(loaded))
	for _, src := range loaded {
		if src.Data != nil {
			sources = append(sources, src)
		}
	}

	meta, pixels, err := h.extractor.Extract(studyUID, seriesUID, sources, subsample)
	if err != nil {
		log.Error().Err(err).Str("series_uid", seriesUID).Msg("Failed to extract volume")
		http.Error(w, "Failed to extract volume", http.StatusInternalServerError)
		return
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		http.Error(w, "Failed to encode metadata", http.StatusInternalServerError)
		return
	}

	const boundary = "volume-boundary"
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/related; boundary=%s", boundary))

	fmt.Fprintf(w, "--%s\r\n", boundary)
	fmt.Fprintf(w, "Content-Type: application/json\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(metaJSON))
	w.Write(metaJSON)
	fmt.Fprintf(w, "\r\n--%s\r\n", boundary)
	fmt.Fprintf(w, "Content-Type: application/octet-stream\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(pixels))
	w.Write(pixels)
	fmt.Fprintf(w, "\r\n--%s--\r\n", boundary)
}

func writeQueryError(w http.ResponseWriter, err error, msg string) {
	var cfgErr *services.ConfigError
	if errors.As(err, &cfgErr) {
		http.Error(w, cfgErr.Reason, http.StatusBadRequest)
		return
	}
	log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusBadGateway)
}

func instanceFromRecord(rec models.InstanceRecord) models.Instance {
	return models.Instance{
		SOPInstanceUID:            rec.SOPInstanceUID,
		SOPClassUID:               rec.SOPClassUID,
		InstanceNumber:            rec.InstanceNumber,
		TransferSyntaxUID:         rec.TransferSyntaxUID,
		Rows:                      rec.Rows,
		Columns:                   rec.Columns,
		BitsAllocated:             rec.BitsAllocated,
		BitsStored:                rec.BitsStored,
		HighBit:                   rec.HighBit,
		PixelRepresentation:       rec.PixelRepresentation,
		PhotometricInterpretation: rec.PhotometricInterpretation,
		SamplesPerPixel:           rec.SamplesPerPixel,
		NumberOfFrames:            rec.NumberOfFrames,
	}
}
