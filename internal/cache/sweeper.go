package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/metrics"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
)

// SweeperConfig controls the scheduled cache maintenance jobs.
type SweeperConfig struct {
	RetentionDays int
	MaxBytes      int64
	CleanupCron   string
	SizeSweepCron string
}

// Sweeper evicts cached studies on a schedule: a retention sweep drops
// studies idle beyond the retention window, a size sweep evicts least
// recently accessed studies until the cache fits under its byte budget.
type Sweeper struct {
	store *Store
	index *repository.IndexRepository
	cfg   SweeperConfig
	log   zerolog.Logger
	cron  *cron.Cron
}

// NewSweeper wires the sweeper; call Start to begin scheduling.
func NewSweeper(store *Store, index *repository.IndexRepository, cfg SweeperConfig, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		index: index,
		cfg:   cfg,
		log:   log.With().Str("component", "cache_sweeper").Logger(),
	}
}

// Start registers the cron jobs and starts the scheduler.
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.CleanupCron, func() {
		if err := s.RunRetentionSweep(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.SizeSweepCron, func() {
		if err := s.RunSizeSweep(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("size sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule size sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info().
		Str("cleanup_cron", s.cfg.CleanupCron).
		Str("size_sweep_cron", s.cfg.SizeSweepCron).
		Int("retention_days", s.cfg.RetentionDays).
		Int64("max_bytes", s.cfg.MaxBytes).
		Msg("cache sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunRetentionSweep evicts cached studies whose last access is older than the
// retention window.
func (s *Sweeper) RunRetentionSweep(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	studies, err := s.index.GetCachedStudiesOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	evicted := 0
	for _, study := range studies {
		if err := s.EvictStudy(ctx, study.StudyInstanceUID); err != nil {
			s.log.Error().Err(err).
				Str("study_uid", study.StudyInstanceUID).
				Msg("failed to evict expired study")
			continue
		}
		evicted++
		metrics.StudiesEvicted.WithLabelValues("retention").Inc()
	}
	if evicted > 0 {
		s.log.Info().Int("evicted", evicted).Time("cutoff", cutoff).Msg("retention sweep complete")
	}
	if size, err := s.store.SizeBytes(); err == nil {
		metrics.CacheSizeBytes.Set(float64(size))
	}
	return nil
}

// RunSizeSweep evicts least recently accessed studies until the cache is at
// or under 80% of its configured maximum. Cache size is re-measured after
// each eviction rather than estimated.
func (s *Sweeper) RunSizeSweep(ctx context.Context) error {
	if s.cfg.MaxBytes <= 0 {
		return nil
	}
	size, err := s.store.SizeBytes()
	if err != nil {
		return err
	}
	metrics.CacheSizeBytes.Set(float64(size))
	if size <= s.cfg.MaxBytes {
		return nil
	}
	target := s.cfg.MaxBytes * 8 / 10

	studies, err := s.index.GetCachedStudiesByLastAccess(ctx)
	if err != nil {
		return err
	}
	evicted := 0
	for _, study := range studies {
		if size <= target {
			break
		}
		if err := s.EvictStudy(ctx, study.StudyInstanceUID); err != nil {
			s.log.Error().Err(err).
				Str("study_uid", study.StudyInstanceUID).
				Msg("failed to evict study during size sweep")
			continue
		}
		evicted++
		metrics.StudiesEvicted.WithLabelValues("size").Inc()
		if size, err = s.store.SizeBytes(); err != nil {
			return err
		}
	}
	metrics.CacheSizeBytes.Set(float64(size))
	s.log.Info().
		Int("evicted", evicted).
		Int64("cache_bytes", size).
		Int64("target_bytes", target).
		Msg("size sweep complete")
	return nil
}

// EvictStudy removes one study's files and index rows under the study lock,
// so concurrent sweeps or retrievals never race a half-deleted study.
func (s *Sweeper) EvictStudy(ctx context.Context, studyUID string) error {
	unlock := s.store.LockStudy(studyUID)
	defer unlock()

	if _, err := s.store.DeleteStudy(studyUID); err != nil {
		return err
	}
	if _, err := s.index.DeleteStudyRows(ctx, studyUID); err != nil {
		return err
	}
	s.log.Debug().Str("study_uid", studyUID).Msg("study evicted from cache")
	return nil
}
