package repository

import (
	"context"
	"testing"
	"time"

	"github.com/synapsehealth/dicom-gateway/internal/models"
)

func TestPACSNodeUpsertAndGet(t *testing.T) {
	setupTestDB(t)
	r := NewPACSRepository()
	ctx := context.Background()

	node := &models.PACSNode{
		Name:              "orthanc",
		AETitle:           "ORTHANC",
		Hostname:          "pacs.internal",
		Port:              4242,
		QueryRetrieveRoot: "STUDY",
		IsDefault:         true,
	}
	if err := r.Upsert(ctx, node); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.GetByName(ctx, "orthanc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AETitle != "ORTHANC" || got.Port != 4242 {
		t.Errorf("node = %+v", got)
	}

	// Re-seeding with changed settings updates in place.
	node2 := &models.PACSNode{
		Name:              "orthanc",
		AETitle:           "ORTHANC2",
		Hostname:          "pacs.internal",
		Port:              11112,
		QueryRetrieveRoot: "PATIENT",
	}
	if err := r.Upsert(ctx, node2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = r.GetByName(ctx, "orthanc")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.AETitle != "ORTHANC2" || got.Port != 11112 || got.QueryRetrieveRoot != "PATIENT" {
		t.Errorf("updated node = %+v", got)
	}

	if _, err := r.GetByName(ctx, "missing"); err == nil {
		t.Error("unknown node found")
	}
}

func TestPACSNodeGetAllOrdersDefaultFirst(t *testing.T) {
	setupTestDB(t)
	r := NewPACSRepository()
	ctx := context.Background()

	r.Upsert(ctx, &models.PACSNode{Name: "zebra", AETitle: "Z", Hostname: "z", Port: 1})
	r.Upsert(ctx, &models.PACSNode{Name: "main", AETitle: "M", Hostname: "m", Port: 2, IsDefault: true})
	r.Upsert(ctx, &models.PACSNode{Name: "alpha", AETitle: "A", Hostname: "a", Port: 3})

	nodes, err := r.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("node count = %d", len(nodes))
	}
	if nodes[0].Name != "main" {
		t.Errorf("first node = %s, want default", nodes[0].Name)
	}
	if nodes[1].Name != "alpha" || nodes[2].Name != "zebra" {
		t.Errorf("order = %s, %s", nodes[1].Name, nodes[2].Name)
	}
}

func TestUpdateEchoStatus(t *testing.T) {
	setupTestDB(t)
	r := NewPACSRepository()
	ctx := context.Background()

	r.Upsert(ctx, &models.PACSNode{Name: "orthanc", AETitle: "ORTHANC", Hostname: "h", Port: 4242})

	checked := time.Now()
	err := r.UpdateEchoStatus(ctx, "orthanc", &models.EchoResult{
		Node:         "orthanc",
		Success:      false,
		CheckedAt:    checked,
		ErrorMessage: "connection refused",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := r.GetByName(ctx, "orthanc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastEchoSuccess {
		t.Error("echo success = true")
	}
	if got.LastEchoError != "connection refused" {
		t.Errorf("echo error = %q", got.LastEchoError)
	}
	if got.LastEchoAt == nil {
		t.Error("echo timestamp not recorded")
	}
}
