package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/synapsehealth/dicom-gateway/internal/cache"
	"github.com/synapsehealth/dicom-gateway/internal/config"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

func newQueryHarness(t *testing.T, port int) (*QueryService, *repository.IndexRepository) {
	t.Helper()
	setupServiceDB(t)
	cfg := &config.Config{}
	cfg.Local.AETitle = "GATEWAY_SCU"
	cfg.Nodes = []config.PACSNode{
		{Name: "fake", AETitle: "FAKE_PACS", Hostname: "127.0.0.1", Port: port, ConnectTimeoutMs: 2000, ResponseTimeoutMs: 10000, IsDefault: true},
	}
	pacs := NewPACSService(cfg, repository.NewPACSRepository(), zerolog.Nop())
	t.Cleanup(pacs.Close)
	index := repository.NewIndexRepository()
	return NewQueryService(pacs, cache.NewMemoryCache(), index, "http://gateway:8080", zerolog.Nop()), index
}

func TestFindStudiesMapsMatches(t *testing.T) {
	var mu sync.Mutex
	var findCalls int
	port := startFakePACS(t, dimse.ServerConfig{
		AETitle: "FAKE_PACS",
		OnFind: func(ctx context.Context, modelUID string, query *dimse.Dataset, push func(*dimse.Dataset) error) uint16 {
			mu.Lock()
			findCalls++
			mu.Unlock()
			match := dimse.NewDataset()
			match.SetString(dimse.TagStudyInstanceUID, "UI", "1.2.840.1111.1")
			match.SetString(dimse.TagPatientID, "LO", "PID-55")
			match.SetString(dimse.TagPatientName, "PN", "Roe^Alex")
			match.SetString(dimse.TagStudyDate, "DA", "20260401")
			match.SetString(dimse.TagAccessionNumber, "SH", "ACC-1")
			match.SetStrings(dimse.TagModalitiesInStudy, "CS", []string{"CT", "SR"})
			match.SetString(dimse.TagNumberOfStudyRelatedSeries, "IS", "2")
			match.SetString(dimse.TagNumberOfStudyRelatedInstances, "IS", "120")
			if err := push(match); err != nil {
				return dimse.StatusProcessingFailure
			}
			return dimse.StatusSuccess
		},
	})
	svc, index := newQueryHarness(t, port)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	studies, err := svc.FindStudies(ctx, "", &models.QueryParams{PatientID: "PID-55"})
	if err != nil {
		t.Fatalf("find studies: %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("got %d studies", len(studies))
	}
	got := studies[0]
	if got.StudyInstanceUID != "1.2.840.1111.1" || got.PatientName != "Roe^Alex" {
		t.Errorf("study mapping: %+v", got)
	}
	if got.NumberOfSeries != 2 || got.NumberOfInstances != 120 {
		t.Errorf("related counts: series=%d instances=%d", got.NumberOfSeries, got.NumberOfInstances)
	}
	if len(got.ModalitiesInStudy) != 2 || got.ModalitiesInStudy[0] != "CT" {
		t.Errorf("modalities = %v", got.ModalitiesInStudy)
	}
	if got.RetrieveURL != "http://gateway:8080/dicomweb/studies/1.2.840.1111.1" {
		t.Errorf("RetrieveURL = %q", got.RetrieveURL)
	}

	// The result is noted in the index so later sweeps and lookups see it.
	noted, err := index.GetStudy(ctx, "1.2.840.1111.1")
	if err != nil {
		t.Fatalf("get noted study: %v", err)
	}
	if noted.PatientID != "PID-55" || noted.Cached {
		t.Errorf("noted study: %+v", noted)
	}

	// Same query again is served from the result cache.
	if _, err := svc.FindStudies(ctx, "", &models.QueryParams{PatientID: "PID-55"}); err != nil {
		t.Fatalf("cached find: %v", err)
	}
	mu.Lock()
	if findCalls != 1 {
		t.Errorf("findCalls = %d, want 1 (second query cached)", findCalls)
	}
	mu.Unlock()

	// A different query misses the cache.
	if _, err := svc.FindStudies(ctx, "", &models.QueryParams{PatientID: "PID-56"}); err != nil {
		t.Fatalf("second find: %v", err)
	}
	mu.Lock()
	if findCalls != 2 {
		t.Errorf("findCalls = %d, want 2", findCalls)
	}
	mu.Unlock()
}

func TestFindSeriesAndInstances(t *testing.T) {
	const studyUID = "1.2.840.1111.2"
	const seriesUID = "1.2.840.1111.2.1"
	port := startFakePACS(t, dimse.ServerConfig{
		AETitle: "FAKE_PACS",
		OnFind: func(ctx context.Context, modelUID string, query *dimse.Dataset, push func(*dimse.Dataset) error) uint16 {
			switch query.GetString(dimse.TagQueryRetrieveLevel) {
			case "SERIES":
				match := dimse.NewDataset()
				match.SetString(dimse.TagSeriesInstanceUID, "UI", seriesUID)
				match.SetString(dimse.TagModality, "CS", "CT")
				match.SetString(dimse.TagSeriesNumber, "IS", "3")
				match.SetString(dimse.TagNumberOfSeriesRelatedInstances, "IS", "42")
				_ = push(match)
			case "IMAGE":
				match := dimse.NewDataset()
				match.SetString(dimse.TagSOPInstanceUID, "UI", seriesUID+".7")
				match.SetString(dimse.TagSOPClassUID, "UI", dimse.CTImageStorage)
				match.SetString(dimse.TagInstanceNumber, "IS", "7")
				match.SetInt(dimse.TagRows, "US", 512)
				match.SetInt(dimse.TagColumns, "US", 512)
				_ = push(match)
			}
			return dimse.StatusSuccess
		},
	})
	svc, _ := newQueryHarness(t, port)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	series, err := svc.FindSeries(ctx, "fake", studyUID)
	if err != nil {
		t.Fatalf("find series: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("got %d series", len(series))
	}
	if series[0].SeriesNumber != 3 || series[0].NumberOfInstances != 42 {
		t.Errorf("series mapping: %+v", series[0])
	}

	instances, err := svc.FindInstances(ctx, "fake", studyUID, seriesUID)
	if err != nil {
		t.Fatalf("find instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("got %d instances", len(instances))
	}
	inst := instances[0]
	if inst.SOPInstanceUID != seriesUID+".7" || inst.Rows != 512 {
		t.Errorf("instance mapping: %+v", inst)
	}
	want := "http://gateway:8080/dicomweb/studies/" + studyUID + "/series/" + seriesUID + "/instances/" + inst.SOPInstanceUID
	if inst.RetrieveURL != want {
		t.Errorf("RetrieveURL = %q, want %q", inst.RetrieveURL, want)
	}
}

func TestInvalidateStudyDropsCachedSeries(t *testing.T) {
	const studyUID = "1.2.840.2222.1"
	var mu sync.Mutex
	var findCalls int
	port := startFakePACS(t, dimse.ServerConfig{
		AETitle: "FAKE_PACS",
		OnFind: func(ctx context.Context, modelUID string, query *dimse.Dataset, push func(*dimse.Dataset) error) uint16 {
			mu.Lock()
			findCalls++
			mu.Unlock()
			match := dimse.NewDataset()
			match.SetString(dimse.TagSeriesInstanceUID, "UI", studyUID+".1")
			match.SetString(dimse.TagModality, "CS", "CT")
			if err := push(match); err != nil {
				return dimse.StatusProcessingFailure
			}
			return dimse.StatusSuccess
		},
	})
	svc, _ := newQueryHarness(t, port)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := svc.FindSeries(ctx, "", studyUID); err != nil {
		t.Fatalf("find series: %v", err)
	}
	if _, err := svc.FindSeries(ctx, "", studyUID); err != nil {
		t.Fatalf("repeated find series: %v", err)
	}
	mu.Lock()
	if findCalls != 1 {
		t.Fatalf("findCalls = %d before invalidation, want 1 (second lookup should hit the cache)", findCalls)
	}
	mu.Unlock()

	svc.InvalidateStudy("fake", studyUID)

	if _, err := svc.FindSeries(ctx, "", studyUID); err != nil {
		t.Fatalf("find series after invalidation: %v", err)
	}
	mu.Lock()
	if findCalls != 2 {
		t.Errorf("findCalls = %d after invalidation, want 2", findCalls)
	}
	mu.Unlock()
}

func TestFindStudiesUnknownNode(t *testing.T) {
	svc, _ := newQueryHarness(t, 1)
	if _, err := svc.FindStudies(context.Background(), "nonexistent", &models.QueryParams{}); err == nil {
		t.Fatal("expected error for unknown node")
	}
}
