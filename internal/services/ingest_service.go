package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/cache"
	"github.com/synapsehealth/dicom-gateway/internal/metrics"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

// IngestNotify is called after an instance lands in the cache, with the
// study it belongs to. Retrieval jobs use it to track C-MOVE progress.
type IngestNotify func(studyUID, sopUID string)

// IngestService persists received instances: Part-10 wrap, disk write,
// index upsert. It backs both C-GET sub-operations and the storage SCP.
type IngestService struct {
	store  *cache.Store
	index  *repository.IndexRepository
	log    zerolog.Logger
	notify IngestNotify
}

// NewIngestService creates a new ingest service
func NewIngestService(store *cache.Store, index *repository.IndexRepository, log zerolog.Logger) *IngestService {
	return &IngestService{
		store: store,
		index: index,
		log:   log.With().Str("component", "ingest_service").Logger(),
	}
}

// SetNotify registers the per-instance ingest callback.
func (s *IngestService) SetNotify(fn IngestNotify) {
	s.notify = fn
}

// IngestInstance stores one received instance and returns the C-STORE
// response status. The object is written verbatim in its negotiated
// transfer syntax; only the header attributes are parsed for indexing.
func (s *IngestService) IngestInstance(ctx context.Context, sourceAE string, inst dimse.InboundInstance) uint16 {
	head, err := dimse.DecodeDatasetHead(inst.Data, inst.TransferSyntax)
	if err != nil {
		s.log.Warn().Err(err).
			Str("sop_instance_uid", inst.SOPInstanceUID).
			Msg("received object could not be parsed")
		return dimse.StatusCannotUnderstand
	}

	studyUID := head.GetString(dimse.TagStudyInstanceUID)
	seriesUID := head.GetString(dimse.TagSeriesInstanceUID)
	sopUID := inst.SOPInstanceUID
	if sopUID == "" {
		sopUID = head.GetString(dimse.TagSOPInstanceUID)
	}
	if studyUID == "" || seriesUID == "" || sopUID == "" {
		s.log.Warn().
			Str("sop_instance_uid", sopUID).
			Msg("received object missing study or series UID")
		return dimse.StatusCannotUnderstand
	}

	fileBytes, err := dimse.EncodeFileFromRaw(inst.SOPClassUID, sopUID, inst.TransferSyntax, inst.Data)
	if err != nil {
		s.log.Error().Err(err).Str("sop_instance_uid", sopUID).Msg("failed to build part-10 file")
		return dimse.StatusProcessingFailure
	}

	path, size, err := s.store.WriteInstance(studyUID, seriesUID, sopUID, fileBytes)
	if err != nil {
		s.log.Error().Err(err).Str("sop_instance_uid", sopUID).Msg("failed to write instance to cache")
		return dimse.StatusProcessingFailure
	}

	patient, study, series, record := s.buildRecords(head, inst, sourceAE)
	record.SOPInstanceUID = sopUID
	record.FilePath = path
	record.FileSize = size
	if err := s.index.UpsertInstance(ctx, patient, study, series, record); err != nil {
		s.log.Error().Err(err).Str("sop_instance_uid", sopUID).Msg("failed to index instance")
		return dimse.StatusProcessingFailure
	}

	metrics.InstancesIngested.Inc()
	metrics.BytesIngested.Add(float64(size))
	if s.notify != nil {
		s.notify(studyUID, sopUID)
	}

	s.log.Debug().
		Str("study_uid", studyUID).
		Str("series_uid", seriesUID).
		Str("sop_instance_uid", sopUID).
		Int64("bytes", size).
		Msg("instance ingested")
	return dimse.StatusSuccess
}

// MarkStudyCached flags a fully retrieved study in the index.
func (s *IngestService) MarkStudyCached(ctx context.Context, studyUID string) error {
	return s.index.MarkStudyCached(ctx, studyUID)
}

func (s *IngestService) buildRecords(head *dimse.Dataset, inst dimse.InboundInstance, sourceAE string) (*models.Patient, *models.StudyRecord, *models.SeriesRecord, *models.InstanceRecord) {
	patient := &models.Patient{
		PatientID: head.GetString(dimse.TagPatientID),
		Name:      head.GetString(dimse.TagPatientName),
		BirthDate: head.GetString(dimse.TagPatientBirthDate),
		Sex:       head.GetString(dimse.TagPatientSex),
	}

	study := &models.StudyRecord{
		StudyInstanceUID:   head.GetString(dimse.TagStudyInstanceUID),
		PatientID:          patient.PatientID,
		StudyDate:          head.GetString(dimse.TagStudyDate),
		StudyTime:          head.GetString(dimse.TagStudyTime),
		StudyID:            head.GetString(dimse.TagStudyID),
		AccessionNumber:    head.GetString(dimse.TagAccessionNumber),
		StudyDescription:   head.GetString(dimse.TagStudyDescription),
		ReferringPhysician: head.GetString(dimse.TagReferringPhysician),
		SourceAETitle:      sourceAE,
	}

	series := &models.SeriesRecord{
		SeriesInstanceUID: head.GetString(dimse.TagSeriesInstanceUID),
		StudyInstanceUID:  study.StudyInstanceUID,
		Modality:          head.GetString(dimse.TagModality),
		SeriesDescription: head.GetString(dimse.TagSeriesDescription),
		BodyPartExamined:  head.GetString(dimse.TagBodyPartExamined),
		ProtocolName:      head.GetString(dimse.TagProtocolName),
	}
	if n, ok := head.GetInt(dimse.TagSeriesNumber); ok {
		series.SeriesNumber = n
	}

	record := &models.InstanceRecord{
		SeriesInstanceUID:         series.SeriesInstanceUID,
		StudyInstanceUID:          study.StudyInstanceUID,
		SOPClassUID:               inst.SOPClassUID,
		TransferSyntaxUID:         inst.TransferSyntax,
		PhotometricInterpretation: head.GetString(dimse.TagPhotometricInterpretation),
		WindowCenter:              joinValues(head.GetStrings(dimse.TagWindowCenter)),
		WindowWidth:               joinValues(head.GetStrings(dimse.TagWindowWidth)),
		ImagePositionPatient:      joinValues(head.GetStrings(dimse.TagImagePositionPatient)),
		ImageOrientationPatient:   joinValues(head.GetStrings(dimse.TagImageOrientationPatient)),
		PixelSpacing:              joinValues(head.GetStrings(dimse.TagPixelSpacing)),
	}
	if record.SOPClassUID == "" {
		record.SOPClassUID = head.GetString(dimse.TagSOPClassUID)
	}
	if n, ok := head.GetInt(dimse.TagInstanceNumber); ok {
		record.InstanceNumber = n
	}
	if n, ok := head.GetInt(dimse.TagRows); ok {
		record.Rows = n
	}
	if n, ok := head.GetInt(dimse.TagColumns); ok {
		record.Columns = n
	}
	if n, ok := head.GetInt(dimse.TagBitsAllocated); ok {
		record.BitsAllocated = n
	}
	if n, ok := head.GetInt(dimse.TagBitsStored); ok {
		record.BitsStored = n
	}
	if n, ok := head.GetInt(dimse.TagHighBit); ok {
		record.HighBit = n
	}
	if n, ok := head.GetInt(dimse.TagPixelRepresentation); ok {
		record.PixelRepresentation = n
	}
	if n, ok := head.GetInt(dimse.TagSamplesPerPixel); ok {
		record.SamplesPerPixel = n
	}
	if n, ok := head.GetInt(dimse.TagNumberOfFrames); ok {
		record.NumberOfFrames = n
	}
	if f, ok := head.GetFloat(dimse.TagRescaleIntercept); ok {
		record.RescaleIntercept = f
	}
	record.RescaleSlope = 1
	if f, ok := head.GetFloat(dimse.TagRescaleSlope); ok && f != 0 {
		record.RescaleSlope = f
	}
	if f, ok := head.GetFloat(dimse.TagSliceThickness); ok {
		record.SliceThickness = f
	}
	if f, ok := head.GetFloat(dimse.TagSliceLocation); ok {
		record.SliceLocation = &f
	}
	return patient, study, series, record
}

func joinValues(vals []string) string {
	return strings.Join(vals, "\\")
}
