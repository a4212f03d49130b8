package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/cache"
	"github.com/synapsehealth/dicom-gateway/internal/config"
	"github.com/synapsehealth/dicom-gateway/internal/metrics"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

const queryCacheTTL = 60 * time.Second

// QueryService translates QIDO searches into upstream C-FIND queries, with a
// short-lived result cache in front. Study rows seen in results are noted in
// the index so viewers can browse known studies before anything is cached.
type QueryService struct {
	pacs    *PACSService
	cache   cache.Cache
	index   *repository.IndexRepository
	baseURL string
	log     zerolog.Logger
}

// NewQueryService creates a new query service
func NewQueryService(pacs *PACSService, queryCache cache.Cache, index *repository.IndexRepository, baseURL string, log zerolog.Logger) *QueryService {
	return &QueryService{
		pacs:    pacs,
		cache:   queryCache,
		index:   index,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With().Str("component", "query_service").Logger(),
	}
}

// FindStudies searches the node for studies matching the query parameters.
func (s *QueryService) FindStudies(ctx context.Context, nodeName string, params *models.QueryParams) ([]models.Study, error) {
	node, err := s.pacs.Node(nodeName)
	if err != nil {
		return nil, err
	}

	key := cache.CacheKey(node.Name, "", "", studyQueryKey(params))
	var cached []models.Study
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	query := dimse.NewDataset()
	query.SetString(dimse.TagQueryRetrieveLevel, "CS", "STUDY")
	setMatchKey(query, dimse.TagStudyInstanceUID, params.StudyInstanceUID)
	setMatchKey(query, dimse.TagPatientID, params.PatientID)
	setMatchKey(query, dimse.TagPatientName, params.PatientName)
	setMatchKey(query, dimse.TagStudyDate, params.StudyDate)
	setMatchKey(query, dimse.TagStudyTime, params.StudyTime)
	setMatchKey(query, dimse.TagAccessionNumber, params.AccessionNumber)
	setMatchKey(query, dimse.TagModalitiesInStudy, params.Modality)
	setMatchKey(query, dimse.TagStudyDescription, params.StudyDescription)
	for _, tag := range []dimse.Tag{
		dimse.TagPatientBirthDate, dimse.TagPatientSex,
		dimse.TagReferringPhysician,
		dimse.TagNumberOfStudyRelatedSeries, dimse.TagNumberOfStudyRelatedInstances,
	} {
		setMatchKey(query, tag, "")
	}

	matches, err := s.find(ctx, node, "STUDY", query)
	if err != nil {
		return nil, err
	}

	studies := make([]models.Study, 0, len(matches))
	for _, m := range matches {
		studies = append(studies, s.toStudy(m))
	}
	s.noteStudies(ctx, studies)
	s.writeCache(ctx, key, studies)
	return studies, nil
}

// noteStudies records result studies in the index, best effort. Existing
// rows are never modified here; only first observations create rows.
func (s *QueryService) noteStudies(ctx context.Context, studies []models.Study) {
	if s.index == nil {
		return
	}
	for _, st := range studies {
		if st.StudyInstanceUID == "" {
			continue
		}
		patient := &models.Patient{
			PatientID: st.PatientID,
			Name:      st.PatientName,
			BirthDate: st.PatientBirthDate,
			Sex:       st.PatientSex,
		}
		record := &models.StudyRecord{
			StudyInstanceUID:   st.StudyInstanceUID,
			PatientID:          st.PatientID,
			StudyDate:          st.StudyDate,
			StudyTime:          st.StudyTime,
			AccessionNumber:    st.AccessionNumber,
			StudyDescription:   st.StudyDescription,
			ReferringPhysician: st.ReferringPhysician,
			ModalitiesInStudy:  strings.Join(st.ModalitiesInStudy, "\\"),
			NumberOfSeries:     st.NumberOfSeries,
			NumberOfInstances:  st.NumberOfInstances,
		}
		if err := s.index.NoteStudySeen(ctx, patient, record); err != nil {
			s.log.Debug().Err(err).
				Str("study_uid", st.StudyInstanceUID).
				Msg("failed to note query result study")
		}
	}
}

// FindSeries lists the series of one study on the node.
func (s *QueryService) FindSeries(ctx context.Context, nodeName, studyUID string) ([]models.Series, error) {
	node, err := s.pacs.Node(nodeName)
	if err != nil {
		return nil, err
	}

	key := cache.CacheKey(node.Name, studyUID, "", "series")
	var cached []models.Series
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	query := dimse.NewDataset()
	query.SetString(dimse.TagQueryRetrieveLevel, "CS", "SERIES")
	query.SetString(dimse.TagStudyInstanceUID, "UI", studyUID)
	for _, tag := range []dimse.Tag{
		dimse.TagSeriesInstanceUID, dimse.TagSeriesNumber, dimse.TagModality,
		dimse.TagSeriesDescription, dimse.TagSeriesDate, dimse.TagSeriesTime,
		dimse.TagBodyPartExamined, dimse.TagProtocolName,
		dimse.TagNumberOfSeriesRelatedInstances,
	} {
		setMatchKey(query, tag, "")
	}

	matches, err := s.find(ctx, node, "SERIES", query)
	if err != nil {
		return nil, err
	}

	series := make([]models.Series, 0, len(matches))
	for _, m := range matches {
		series = append(series, s.toSeries(m, studyUID))
	}
	s.writeCache(ctx, key, series)
	return series, nil
}

// FindInstances lists the instances of one series on the node.
func (s *QueryService) FindInstances(ctx context.Context, nodeName, studyUID, seriesUID string) ([]models.Instance, error) {
	node, err := s.pacs.Node(nodeName)
	if err != nil {
		return nil, err
	}

	key := cache.CacheKey(node.Name, studyUID, seriesUID, "instances")
	var cached []models.Instance
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	query := dimse.NewDataset()
	query.SetString(dimse.TagQueryRetrieveLevel, "CS", "IMAGE")
	query.SetString(dimse.TagStudyInstanceUID, "UI", studyUID)
	query.SetString(dimse.TagSeriesInstanceUID, "UI", seriesUID)
	for _, tag := range []dimse.Tag{
		dimse.TagSOPInstanceUID, dimse.TagSOPClassUID, dimse.TagInstanceNumber,
		dimse.TagRows, dimse.TagColumns, dimse.TagBitsAllocated,
		dimse.TagNumberOfFrames,
	} {
		setMatchKey(query, tag, "")
	}

	matches, err := s.find(ctx, node, "IMAGE", query)
	if err != nil {
		return nil, err
	}

	instances := make([]models.Instance, 0, len(matches))
	for _, m := range matches {
		instances = append(instances, s.toInstance(m, studyUID, seriesUID))
	}
	s.writeCache(ctx, key, instances)
	return instances, nil
}

// InvalidateStudy drops cached upstream results scoped to one study on one
// node. Called once the study lands in the local cache, where the index
// supersedes stale upstream series and instance listings.
func (s *QueryService) InvalidateStudy(nodeName, studyUID string) {
	if s.cache == nil || studyUID == "" {
		return
	}
	prefix := cache.CacheKey(nodeName, studyUID, "", "")
	if err := s.cache.DeletePrefix(context.Background(), prefix); err != nil {
		s.log.Debug().Err(err).Str("study_uid", studyUID).Msg("failed to invalidate query cache")
	}
}

// find runs a C-FIND on a pooled association.
func (s *QueryService) find(ctx context.Context, node config.PACSNode, level string, query *dimse.Dataset) ([]*dimse.Dataset, error) {
	pool, err := s.pacs.Pool(node.Name)
	if err != nil {
		return nil, err
	}
	assoc, err := pool.Get(ctx)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(level, "error").Inc()
		return nil, fmt.Errorf("failed to open association to %s: %w", node.Name, err)
	}
	defer pool.Put(assoc)

	matches, err := assoc.CFind(ctx, findModelFor(node), query)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(level, "error").Inc()
		return nil, fmt.Errorf("C-FIND against %s failed: %w", node.Name, err)
	}
	metrics.QueriesTotal.WithLabelValues(level, "ok").Inc()
	s.log.Debug().
		Str("node", node.Name).
		Str("level", level).
		Int("matches", len(matches)).
		Msg("query complete")
	return matches, nil
}

func findModelFor(node config.PACSNode) string {
	if node.QueryRetrieveRoot == config.RootPatient {
		return dimse.PatientRootFind
	}
	return dimse.StudyRootFind
}

// setMatchKey adds a query key; an empty value requests the attribute
// without constraining the match.
func setMatchKey(ds *dimse.Dataset, tag dimse.Tag, value string) {
	ds.SetString(tag, dimse.LookupVR(tag), value)
}

func studyQueryKey(params *models.QueryParams) string {
	if params == nil {
		return "studies"
	}
	return strings.Join([]string{
		"studies", params.StudyInstanceUID, params.PatientID, params.PatientName,
		params.StudyDate, params.StudyTime, params.AccessionNumber,
		params.Modality, params.StudyDescription,
	}, "|")
}

func (s *QueryService) readCache(ctx context.Context, key string, out interface{}) bool {
	if s.cache == nil {
		return false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

func (s *QueryService) writeCache(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, queryCacheTTL); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("failed to cache query result")
	}
}

func (s *QueryService) toStudy(m *dimse.Dataset) models.Study {
	study := models.Study{
		StudyInstanceUID:   m.GetString(dimse.TagStudyInstanceUID),
		PatientID:          m.GetString(dimse.TagPatientID),
		PatientName:        m.GetString(dimse.TagPatientName),
		PatientBirthDate:   m.GetString(dimse.TagPatientBirthDate),
		PatientSex:         m.GetString(dimse.TagPatientSex),
		StudyDate:          m.GetString(dimse.TagStudyDate),
		StudyTime:          m.GetString(dimse.TagStudyTime),
		StudyDescription:   m.GetString(dimse.TagStudyDescription),
		AccessionNumber:    m.GetString(dimse.TagAccessionNumber),
		ReferringPhysician: m.GetString(dimse.TagReferringPhysician),
		ModalitiesInStudy:  m.GetStrings(dimse.TagModalitiesInStudy),
	}
	if n, ok := m.GetInt(dimse.TagNumberOfStudyRelatedSeries); ok {
		study.NumberOfSeries = n
	}
	if n, ok := m.GetInt(dimse.TagNumberOfStudyRelatedInstances); ok {
		study.NumberOfInstances = n
	}
	if study.StudyInstanceUID != "" && s.baseURL != "" {
		study.RetrieveURL = fmt.Sprintf("%s/dicomweb/studies/%s", s.baseURL, study.StudyInstanceUID)
	}
	return study
}

func (s *QueryService) toSeries(m *dimse.Dataset, studyUID string) models.Series {
	series := models.Series{
		SeriesInstanceUID: m.GetString(dimse.TagSeriesInstanceUID),
		Modality:          m.GetString(dimse.TagModality),
		SeriesDescription: m.GetString(dimse.TagSeriesDescription),
		SeriesDate:        m.GetString(dimse.TagSeriesDate),
		SeriesTime:        m.GetString(dimse.TagSeriesTime),
		BodyPartExamined:  m.GetString(dimse.TagBodyPartExamined),
		ProtocolName:      m.GetString(dimse.TagProtocolName),
	}
	if n, ok := m.GetInt(dimse.TagSeriesNumber); ok {
		series.SeriesNumber = n
	}
	if n, ok := m.GetInt(dimse.TagNumberOfSeriesRelatedInstances); ok {
		series.NumberOfInstances = n
	}
	if series.SeriesInstanceUID != "" && s.baseURL != "" {
		series.RetrieveURL = fmt.Sprintf("%s/dicomweb/studies/%s/series/%s",
			s.baseURL, studyUID, series.SeriesInstanceUID)
	}
	return series
}

func (s *QueryService) toInstance(m *dimse.Dataset, studyUID, seriesUID string) models.Instance {
	inst := models.Instance{
		SOPInstanceUID:            m.GetString(dimse.TagSOPInstanceUID),
		SOPClassUID:               m.GetString(dimse.TagSOPClassUID),
		PhotometricInterpretation: m.GetString(dimse.TagPhotometricInterpretation),
	}
	if n, ok := m.GetInt(dimse.TagInstanceNumber); ok {
		inst.InstanceNumber = n
	}
	if n, ok := m.GetInt(dimse.TagRows); ok {
		inst.Rows = n
	}
	if n, ok := m.GetInt(dimse.TagColumns); ok {
		inst.Columns = n
	}
	if n, ok := m.GetInt(dimse.TagBitsAllocated); ok {
		inst.BitsAllocated = n
	}
	if n, ok := m.GetInt(dimse.TagNumberOfFrames); ok {
		inst.NumberOfFrames = n
	}
	if inst.SOPInstanceUID != "" && s.baseURL != "" {
		inst.RetrieveURL = fmt.Sprintf("%s/dicomweb/studies/%s/series/%s/instances/%s",
			s.baseURL, studyUID, seriesUID, inst.SOPInstanceUID)
	}
	return inst
}
