package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synapsehealth/dicom-gateway/internal/database"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IndexRepository maintains the relational index over cached DICOM objects
type IndexRepository struct{}

// NewIndexRepository creates a new index repository
func NewIndexRepository() *IndexRepository {
	return &IndexRepository{}
}

// UpsertInstance records one received instance and its patient/study/series
// ancestry in a single transaction. Aggregate counts and the study modality
// list are recomputed so repeated stores of the same instance stay idempotent.
func (r *IndexRepository) UpsertInstance(ctx context.Context, patient *models.Patient, study *models.StudyRecord, series *models.SeriesRecord, instance *models.InstanceRecord) error {
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if patient != nil && patient.PatientID != "" {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "patient_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "birth_date", "sex", "updated_at",
				}),
			}).Create(patient).Error; err != nil {
				return fmt.Errorf("failed to upsert patient: %w", err)
			}
		}

		var existing models.StudyRecord
		err := tx.Where("study_instance_uid = ?", study.StudyInstanceUID).First(&existing).Error
		switch {
		case err == nil:
			study.ModalitiesInStudy = mergeModality(existing.ModalitiesInStudy, series.Modality)
			study.Cached = existing.Cached
			study.CachedAt = existing.CachedAt
			if err := tx.Model(&models.StudyRecord{}).
				Where("study_instance_uid = ?", study.StudyInstanceUID).
				Updates(map[string]interface{}{
					"patient_id":          study.PatientID,
					"study_date":          study.StudyDate,
					"study_time":          study.StudyTime,
					"study_id":            study.StudyID,
					"accession_number":    study.AccessionNumber,
					"study_description":   study.StudyDescription,
					"referring_physician": study.ReferringPhysician,
					"modalities_in_study": study.ModalitiesInStudy,
					"source_ae_title":     study.SourceAETitle,
					"last_accessed_at":    time.Now(),
				}).Error; err != nil {
				return fmt.Errorf("failed to update study: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			study.ModalitiesInStudy = mergeModality("", series.Modality)
			study.LastAccessedAt = time.Now()
			if err := tx.Create(study).Error; err != nil {
				return fmt.Errorf("failed to create study: %w", err)
			}
		default:
			return fmt.Errorf("failed to load study: %w", err)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "series_instance_uid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"modality", "series_number", "series_description",
				"body_part_examined", "protocol_name", "updated_at",
			}),
		}).Create(series).Error; err != nil {
			return fmt.Errorf("failed to upsert series: %w", err)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sop_instance_uid"}},
			UpdateAll: true,
		}).Create(instance).Error; err != nil {
			return fmt.Errorf("failed to upsert instance: %w", err)
		}

		return recomputeCounts(tx, study.StudyInstanceUID, series.SeriesInstanceUID)
	})
	if err != nil {
		return fmt.Errorf("failed to index instance %s: %w", instance.SOPInstanceUID, err)
	}
	return nil
}

// NoteStudySeen records a study observed in an upstream query result. Rows
// are created on first observation only; existing rows keep their cache
// state and aggregates.
func (r *IndexRepository) NoteStudySeen(ctx context.Context, patient *models.Patient, study *models.StudyRecord) error {
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if patient != nil && patient.PatientID != "" {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "patient_id"}},
				DoNothing: true,
			}).Create(patient).Error; err != nil {
				return fmt.Errorf("failed to upsert patient: %w", err)
			}
		}
		study.LastAccessedAt = time.Now()
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "study_instance_uid"}},
			DoNothing: true,
		}).Create(study).Error; err != nil {
			return fmt.Errorf("failed to record study: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to note study %s: %w", study.StudyInstanceUID, err)
	}
	return nil
}

// mergeModality appends a modality to a backslash-separated list unless it is
// already present, preserving first-seen order.
func mergeModality(list, modality string) string {
	if modality == "" {
		return list
	}
	if list == "" {
		return modality
	}
	for _, m := range strings.Split(list, "\\") {
		if m == modality {
			return list
		}
	}
	return list + "\\" + modality
}

func recomputeCounts(tx *gorm.DB, studyUID, seriesUID string) error {
	var seriesInstances int64
	if err := tx.Model(&models.InstanceRecord{}).
		Where("series_instance_uid = ?", seriesUID).
		Count(&seriesInstances).Error; err != nil {
		return fmt.Errorf("failed to count series instances: %w", err)
	}
	if err := tx.Model(&models.SeriesRecord{}).
		Where("series_instance_uid = ?", seriesUID).
		Update("number_of_instances", seriesInstances).Error; err != nil {
		return fmt.Errorf("failed to update series counts: %w", err)
	}

	var studySeries, studyInstances int64
	if err := tx.Model(&models.SeriesRecord{}).
		Where("study_instance_uid = ?", studyUID).
		Count(&studySeries).Error; err != nil {
		return fmt.Errorf("failed to count study series: %w", err)
	}
	if err := tx.Model(&models.InstanceRecord{}).
		Where("study_instance_uid = ?", studyUID).
		Count(&studyInstances).Error; err != nil {
		return fmt.Errorf("failed to count study instances: %w", err)
	}
	if err := tx.Model(&models.StudyRecord{}).
		Where("study_instance_uid = ?", studyUID).
		Updates(map[string]interface{}{
			"number_of_series":    studySeries,
			"number_of_instances": studyInstances,
		}).Error; err != nil {
		return fmt.Errorf("failed to update study counts: %w", err)
	}
	return nil
}

// MarkStudyCached flags a study as fully resident on disk.
func (r *IndexRepository) MarkStudyCached(ctx context.Context, studyUID string) error {
	now := time.Now()
	if err := database.DB.WithContext(ctx).
		Model(&models.StudyRecord{}).
		Where("study_instance_uid = ?", studyUID).
		Updates(map[string]interface{}{
			"cached":           true,
			"cached_at":        &now,
			"last_accessed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("failed to mark study cached: %w", err)
	}
	return nil
}

// TouchLastAccessed bumps a study's access timestamp for eviction ordering.
func (r *IndexRepository) TouchLastAccessed(ctx context.Context, studyUID string) error {
	if err := database.DB.WithContext(ctx).
		Model(&models.StudyRecord{}).
		Where("study_instance_uid = ?", studyUID).
		Update("last_accessed_at", time.Now()).Error; err != nil {
		return fmt.Errorf("failed to touch study: %w", err)
	}
	return nil
}

// GetStudy loads one study record by UID.
func (r *IndexRepository) GetStudy(ctx context.Context, studyUID string) (*models.StudyRecord, error) {
	var study models.StudyRecord
	if err := database.DB.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).
		First(&study).Error; err != nil {
		return nil, fmt.Errorf("failed to get study %s: %w", studyUID, err)
	}
	return &study, nil
}

// IsStudyCached reports whether a study is indexed and flagged cached.
func (r *IndexRepository) IsStudyCached(ctx context.Context, studyUID string) (bool, error) {
	var count int64
	if err := database.DB.WithContext(ctx).
		Model(&models.StudyRecord{}).
		Where("study_instance_uid = ? AND cached = ?", studyUID, true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check study cache state: %w", err)
	}
	return count > 0, nil
}

// GetSeriesByStudy lists the series of a study in series-number order.
func (r *IndexRepository) GetSeriesByStudy(ctx context.Context, studyUID string) ([]models.SeriesRecord, error) {
	var series []models.SeriesRecord
	if err := database.DB.WithContext(ctx).
		Where("study_instance_uid = ?", studyUID).
		Order("series_number ASC, series_instance_uid ASC").
		Find(&series).Error; err != nil {
		return nil, fmt.Errorf("failed to list series for study %s: %w", studyUID, err)
	}
	return series, nil
}

// GetInstancesBySeries lists a series' instances in instance-number order.
func (r *IndexRepository) GetInstancesBySeries(ctx context.Context, seriesUID string) ([]models.InstanceRecord, error) {
	var instances []models.InstanceRecord
	if err := database.DB.WithContext(ctx).
		Where("series_instance_uid = ?", seriesUID).
		Order("instance_number ASC, sop_instance_uid ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances for series %s: %w", seriesUID, err)
	}
	return instances, nil
}

// GetInstance loads one instance record by SOP instance UID.
func (r *IndexRepository) GetInstance(ctx context.Context, sopUID string) (*models.InstanceRecord, error) {
	var instance models.InstanceRecord
	if err := database.DB.WithContext(ctx).
		Where("sop_instance_uid = ?", sopUID).
		First(&instance).Error; err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", sopUID, err)
	}
	return &instance, nil
}

// GetCachedStudiesOlderThan returns cached studies last accessed before the
// cutoff, oldest first. Used by the retention sweep.
func (r *IndexRepository) GetCachedStudiesOlderThan(ctx context.Context, cutoff time.Time) ([]models.StudyRecord, error) {
	var studies []models.StudyRecord
	if err := database.DB.WithContext(ctx).
		Where("cached = ? AND last_accessed_at < ?", true, cutoff).
		Order("last_accessed_at ASC").
		Find(&studies).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired studies: %w", err)
	}
	return studies, nil
}

// GetCachedStudiesByLastAccess returns all cached studies, least recently
// accessed first. Used by the size-based eviction sweep.
func (r *IndexRepository) GetCachedStudiesByLastAccess(ctx context.Context) ([]models.StudyRecord, error) {
	var studies []models.StudyRecord
	if err := database.DB.WithContext(ctx).
		Where("cached = ?", true).
		Order("last_accessed_at ASC").
		Find(&studies).Error; err != nil {
		return nil, fmt.Errorf("failed to list cached studies: %w", err)
	}
	return studies, nil
}

// DeleteStudyRows removes a study and all of its series and instance rows.
// Returns false when the study was not indexed.
func (r *IndexRepository) DeleteStudyRows(ctx context.Context, studyUID string) (bool, error) {
	existed := false
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("study_instance_uid = ?", studyUID).Delete(&models.StudyRecord{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete study row: %w", res.Error)
		}
		existed = res.RowsAffected > 0
		if err := tx.Where("study_instance_uid = ?", studyUID).
			Delete(&models.SeriesRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete series rows: %w", err)
		}
		if err := tx.Where("study_instance_uid = ?", studyUID).
			Delete(&models.InstanceRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete instance rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete index rows for study %s: %w", studyUID, err)
	}
	return existed, nil
}

// StudySizeBytes sums the on-disk file sizes recorded for a study's instances.
func (r *IndexRepository) StudySizeBytes(ctx context.Context, studyUID string) (int64, error) {
	var total int64
	if err := database.DB.WithContext(ctx).
		Model(&models.InstanceRecord{}).
		Where("study_instance_uid = ?", studyUID).
		Select("COALESCE(SUM(file_size), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to sum study size: %w", err)
	}
	return total, nil
}

// SearchStudies filters indexed studies by the QIDO query parameters.
func (r *IndexRepository) SearchStudies(ctx context.Context, params *models.QueryParams) ([]models.StudyRecord, error) {
	q := database.DB.WithContext(ctx).Model(&models.StudyRecord{})
	if params != nil {
		if params.StudyInstanceUID != "" {
			q = q.Where("study_instance_uid = ?", params.StudyInstanceUID)
		}
		if params.PatientID != "" {
			q = q.Where("patient_id = ?", params.PatientID)
		}
		if params.AccessionNumber != "" {
			q = q.Where("accession_number = ?", params.AccessionNumber)
		}
		if params.StudyDate != "" {
			from, to, ranged := splitDateRange(params.StudyDate)
			if ranged {
				if from != "" {
					q = q.Where("study_date >= ?", from)
				}
				if to != "" {
					q = q.Where("study_date <= ?", to)
				}
			} else {
				q = q.Where("study_date = ?", params.StudyDate)
			}
		}
	}
	var studies []models.StudyRecord
	if err := q.Order("study_date DESC, study_instance_uid ASC").Find(&studies).Error; err != nil {
		return nil, fmt.Errorf("failed to search studies: %w", err)
	}
	return studies, nil
}

// splitDateRange parses DICOM date range matching: "A-B", "A-" or "-B".
func splitDateRange(s string) (from, to string, ranged bool) {
	idx := strings.IndexByte(s, '-')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}
