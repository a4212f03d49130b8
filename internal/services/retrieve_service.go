package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/bus"
	"github.com/synapsehealth/dicom-gateway/internal/cache"
	"github.com/synapsehealth/dicom-gateway/internal/config"
	"github.com/synapsehealth/dicom-gateway/internal/metrics"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

// Statuses after which a failed C-GET is worth retrying as a C-MOVE.
func isRecoverableGetStatus(status uint16) bool {
	switch status {
	case dimse.StatusRefusedOutOfResources,
		dimse.StatusRefusedMoveDestination,
		dimse.StatusSOPClassNotSupported:
		return true
	}
	return false
}

// shouldFallBackToCMove reports whether a failed C-GET attempt is worth
// retrying as a C-MOVE: the peer refused with a recoverable status, or it
// never accepted a Get presentation context at all. Legacy archives often
// negotiate Move but reject every Get context.
func shouldFallBackToCMove(status uint16, err error) bool {
	if err != nil {
		var negErr *dimse.NegotiationError
		return errors.As(err, &negErr)
	}
	return isRecoverableGetStatus(status)
}

const moveDestinationUnknownMsg = "Destination unknown - remote PACS cannot reach this application"

// RetrieveService orchestrates study retrievals: one job per study, C-GET
// first with a single C-MOVE fallback, progress fanned out over the bus.
type RetrieveService struct {
	cfg    *config.Config
	pacs   *PACSService
	ingest *IngestService
	index  *repository.IndexRepository
	store  *cache.Store
	bus    *bus.Bus
	log    zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*retrieveJob

	// jobTTL bounds how long a terminal job stays visible to status polls
	// before its registry entry is dropped. Zero means the default.
	jobTTL time.Duration

	// abortInbound tears down inbound storage associations from a given
	// calling AE; wired to the storage SCP once it exists.
	abortInbound func(callingAE string) int

	// invalidateQuery drops cached upstream query results for a study once
	// it is fully cached locally.
	invalidateQuery func(nodeName, studyUID string)
}

type retrieveJob struct {
	mu       sync.Mutex
	snapshot models.RetrieveJob
	cancel   context.CancelFunc
}

// NewRetrieveService creates a new retrieve service
func NewRetrieveService(cfg *config.Config, pacs *PACSService, ingest *IngestService, index *repository.IndexRepository, store *cache.Store, progressBus *bus.Bus, log zerolog.Logger) *RetrieveService {
	s := &RetrieveService{
		cfg:    cfg,
		pacs:   pacs,
		ingest: ingest,
		index:  index,
		store:  store,
		bus:    progressBus,
		log:    log.With().Str("component", "retrieve_service").Logger(),
		jobs:   make(map[string]*retrieveJob),
	}
	ingest.SetNotify(s.noteIngest)
	return s
}

// SetInboundAborter registers the hook that aborts inbound storage
// associations from a calling AE. The storage SCP is constructed after the
// retrieve service, so the hook is injected rather than taken in the
// constructor.
func (s *RetrieveService) SetInboundAborter(fn func(callingAE string) int) {
	s.abortInbound = fn
}

// SetQueryInvalidator registers the hook that drops cached query results
// for a study after its retrieval completes.
func (s *RetrieveService) SetQueryInvalidator(fn func(nodeName, studyUID string)) {
	s.invalidateQuery = fn
}

// FetchInstance serves an instance from the disk cache. On a miss it starts
// (or joins) a study retrieval and reports the job as pending.
func (s *RetrieveService) FetchInstance(ctx context.Context, nodeName, studyUID, seriesUID, sopUID string) ([]byte, models.RetrieveJob, error) {
	data, err := s.store.ReadInstance(studyUID, seriesUID, sopUID)
	if err == nil {
		metrics.CacheHits.Inc()
		go func() {
			if err := s.index.TouchLastAccessed(context.Background(), studyUID); err != nil {
				s.log.Debug().Err(err).Str("study_uid", studyUID).Msg("failed to touch study")
			}
		}()
		return data, models.RetrieveJob{}, nil
	}
	if !errors.Is(err, cache.ErrNotCached) {
		return nil, models.RetrieveJob{}, err
	}

	metrics.CacheMisses.Inc()
	job, alreadyCached, err := s.StartStudyRetrieve(ctx, nodeName, studyUID)
	if err != nil {
		return nil, models.RetrieveJob{}, err
	}
	if alreadyCached {
		// Index says cached but the file is gone; treat as a plain miss.
		return nil, models.RetrieveJob{}, cache.ErrNotCached
	}
	return nil, job, cache.ErrNotCached
}

// StartStudyRetrieve begins fetching a study from the node, or reports that
// the study is already cached. A retrieval already in flight for the study
// is joined rather than duplicated.
func (s *RetrieveService) StartStudyRetrieve(ctx context.Context, nodeName, studyUID string) (models.RetrieveJob, bool, error) {
	node, err := s.pacs.Node(nodeName)
	if err != nil {
		return models.RetrieveJob{}, false, err
	}

	cached, err := s.index.IsStudyCached(ctx, studyUID)
	if err != nil {
		return models.RetrieveJob{}, false, err
	}
	if cached {
		go func() {
			if err := s.index.TouchLastAccessed(context.Background(), studyUID); err != nil {
				s.log.Debug().Err(err).Str("study_uid", studyUID).Msg("failed to touch study")
			}
		}()
		return models.RetrieveJob{}, true, nil
	}

	s.mu.Lock()
	if existing, ok := s.jobs[studyUID]; ok {
		existing.mu.Lock()
		snap := existing.snapshot
		existing.mu.Unlock()
		if !snap.Status.IsTerminal() {
			s.mu.Unlock()
			return snap, false, nil
		}
	}

	deadline := s.cfg.Retrieve.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(context.Background(), deadline)

	strategy := models.StrategyCMove
	if s.cfg.Retrieve.PreferCGet {
		strategy = models.StrategyCGet
	}
	job := &retrieveJob{
		snapshot: models.RetrieveJob{
			ID:       uuid.NewString(),
			StudyUID: studyUID,
			Level:    models.LevelStudy,
			Remote:   node.Name,
			Strategy: strategy,
			Status:   models.RetrieveStarted,
		},
		cancel: cancel,
	}
	s.jobs[studyUID] = job
	snap := job.snapshot
	s.mu.Unlock()

	s.bus.Publish(snap.Progress())
	go s.run(jobCtx, cancel, node, job)
	return snap, false, nil
}

// Job returns the current snapshot for a study's retrieval, if one exists.
func (s *RetrieveService) Job(studyUID string) (models.RetrieveJob, bool) {
	s.mu.Lock()
	job, ok := s.jobs[studyUID]
	s.mu.Unlock()
	if !ok {
		return models.RetrieveJob{}, false
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.snapshot, true
}

// Cancel aborts an in-flight retrieval. Returns false when no job is
// running for the study.
func (s *RetrieveService) Cancel(studyUID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[studyUID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	job.mu.Lock()
	terminal := job.snapshot.Status.IsTerminal()
	strategy := job.snapshot.Strategy
	remote := job.snapshot.Remote
	job.mu.Unlock()
	if terminal {
		return false
	}
	job.cancel()

	// A cancelled C-MOVE leaves the remote free to keep streaming C-STOREs
	// at our SCP; tear those associations down too.
	if strategy == models.StrategyCMove && s.abortInbound != nil {
		if node, err := s.pacs.Node(remote); err == nil {
			if n := s.abortInbound(node.AETitle); n > 0 {
				s.log.Info().
					Str("study_uid", studyUID).
					Str("calling_ae", node.AETitle).
					Int("aborted", n).
					Msg("aborted inbound store associations after cancel")
			}
		}
	}
	return true
}

func (s *RetrieveService) run(ctx context.Context, cancel context.CancelFunc, node config.PACSNode, job *retrieveJob) {
	defer cancel()
	start := time.Now()
	studyUID := job.snapshot.StudyUID

	unlock := s.store.LockStudy(studyUID)
	defer unlock()

	identifier := dimse.NewDataset()
	identifier.SetString(dimse.TagQueryRetrieveLevel, "CS", "STUDY")
	identifier.SetString(dimse.TagStudyInstanceUID, "UI", studyUID)

	var (
		status uint16
		counts dimse.SubOperationCounts
		err    error
	)

	strategy := job.snapshot.Strategy
	if strategy == models.StrategyCGet {
		status, counts, err = s.runGet(ctx, node, job, identifier)
		if s.cfg.Retrieve.FallbackToCMove && ctx.Err() == nil && shouldFallBackToCMove(status, err) {
			reason := fmt.Sprintf("0x%04X", status)
			if err != nil {
				reason = err.Error()
			}
			s.log.Info().
				Str("study_uid", studyUID).
				Str("reason", reason).
				Msg("C-GET refused, falling back to C-MOVE")
			s.setStrategy(job, models.StrategyCMove)
			strategy = models.StrategyCMove
			status, counts, err = s.runMove(ctx, node, job, identifier)
		}
	} else {
		status, counts, err = s.runMove(ctx, node, job, identifier)
	}

	final := s.finish(ctx, job, strategy, status, counts, err)
	metrics.RetrievesTotal.WithLabelValues(string(strategy), string(final)).Inc()
	metrics.RetrieveDuration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())
	s.scheduleJobEviction(studyUID, job)
}

// scheduleJobEviction drops a terminal job from the registry after a grace
// period, so late status polls still see the outcome without the map growing
// by one entry per study ever retrieved. The index holds the durable record.
func (s *RetrieveService) scheduleJobEviction(studyUID string, job *retrieveJob) {
	ttl := s.jobTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	time.AfterFunc(ttl, func() {
		s.mu.Lock()
		if s.jobs[studyUID] == job {
			delete(s.jobs, studyUID)
		}
		s.mu.Unlock()
	})
}

func (s *RetrieveService) runGet(ctx context.Context, node config.PACSNode, job *retrieveJob, identifier *dimse.Dataset) (uint16, dimse.SubOperationCounts, error) {
	assoc := s.pacs.NewRetrieveAssociation(node)
	metrics.AssociationsOpen.WithLabelValues(node.Name).Inc()
	defer func() {
		_ = assoc.Release()
		metrics.AssociationsOpen.WithLabelValues(node.Name).Dec()
	}()

	onInstance := func(inst dimse.InboundInstance) uint16 {
		return s.ingest.IngestInstance(ctx, node.AETitle, inst)
	}
	result, err := assoc.CGet(ctx, getModelFor(node), identifier, onInstance, func(c dimse.SubOperationCounts) {
		s.applyCounts(job, c)
	})
	if err != nil {
		return 0, dimse.SubOperationCounts{}, err
	}
	return result.Status, result.Counts, nil
}

func (s *RetrieveService) runMove(ctx context.Context, node config.PACSNode, job *retrieveJob, identifier *dimse.Dataset) (uint16, dimse.SubOperationCounts, error) {
	assoc := s.pacs.NewQueryAssociation(node)
	metrics.AssociationsOpen.WithLabelValues(node.Name).Inc()
	defer func() {
		_ = assoc.Release()
		metrics.AssociationsOpen.WithLabelValues(node.Name).Dec()
	}()

	result, err := assoc.CMove(ctx, moveModelFor(node), s.cfg.Local.AETitle, identifier, func(c dimse.SubOperationCounts) {
		s.applyCounts(job, c)
	})
	if err != nil {
		return 0, dimse.SubOperationCounts{}, err
	}
	return result.Status, result.Counts, nil
}

func (s *RetrieveService) setStrategy(job *retrieveJob, strategy models.RetrieveStrategy) {
	job.mu.Lock()
	job.snapshot.Strategy = strategy
	job.mu.Unlock()
}

// applyCounts folds a pending-response counter set into the job. Counters
// only move forward; a response with lower numbers never regresses progress.
func (s *RetrieveService) applyCounts(job *retrieveJob, c dimse.SubOperationCounts) {
	job.mu.Lock()
	snap := &job.snapshot
	if snap.Status == models.RetrieveStarted {
		snap.Status = models.RetrieveRetrieving
	}
	if total := c.Remaining + c.Completed + c.Failed + c.Warning; total > snap.TotalOps {
		snap.TotalOps = total
	}
	if c.Completed > snap.CompletedOps {
		snap.CompletedOps = c.Completed
	}
	if c.Failed > snap.FailedOps {
		snap.FailedOps = c.Failed
	}
	if c.Warning > snap.WarningOps {
		snap.WarningOps = c.Warning
	}
	progress := snap.Progress()
	job.mu.Unlock()

	s.bus.Publish(progress)
}

// noteIngest marks a job active when instances arrive over inbound store
// associations before the first C-MOVE pending response.
func (s *RetrieveService) noteIngest(studyUID, sopUID string) {
	s.mu.Lock()
	job, ok := s.jobs[studyUID]
	s.mu.Unlock()
	if !ok {
		return
	}
	job.mu.Lock()
	changed := job.snapshot.Status == models.RetrieveStarted
	if changed {
		job.snapshot.Status = models.RetrieveRetrieving
	}
	progress := job.snapshot.Progress()
	job.mu.Unlock()
	if changed {
		s.bus.Publish(progress)
	}
}

func (s *RetrieveService) finish(ctx context.Context, job *retrieveJob, strategy models.RetrieveStrategy, status uint16, counts dimse.SubOperationCounts, err error) models.RetrieveStatus {
	job.mu.Lock()
	snap := &job.snapshot
	snap.Strategy = strategy

	switch {
	case err != nil:
		snap.Status = models.RetrieveFailed
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			snap.ErrorMessage = "retrieve deadline exceeded"
		case errors.Is(ctx.Err(), context.Canceled):
			snap.ErrorMessage = "retrieve cancelled"
		default:
			snap.ErrorMessage = err.Error()
		}
	case strategy == models.StrategyCMove && status == dimse.StatusRefusedMoveDestination:
		snap.Status = models.RetrieveFailed
		snap.ErrorMessage = moveDestinationUnknownMsg
	case status == dimse.StatusSuccess || status == dimse.StatusWarningSubOpsFailed:
		if counts.Completed > snap.CompletedOps {
			snap.CompletedOps = counts.Completed
		}
		if counts.Failed > snap.FailedOps {
			snap.FailedOps = counts.Failed
		}
		if counts.Warning > snap.WarningOps {
			snap.WarningOps = counts.Warning
		}
		if total := counts.Completed + counts.Failed + counts.Warning; total > snap.TotalOps {
			snap.TotalOps = total
		}
		if snap.FailedOps > 0 {
			snap.Status = models.RetrieveCompletedWithErrors
		} else {
			snap.Status = models.RetrieveCompleted
		}
	default:
		snap.Status = models.RetrieveFailed
		snap.ErrorMessage = (&dimse.RemoteStatusError{
			Operation: string(strategy),
			Status:    status,
		}).Error()
	}

	final := snap.Status
	progress := snap.Progress()
	studyUID := snap.StudyUID
	remote := snap.Remote
	errMsg := snap.ErrorMessage
	job.mu.Unlock()

	if final == models.RetrieveCompleted || final == models.RetrieveCompletedWithErrors {
		if err := s.ingest.MarkStudyCached(context.Background(), studyUID); err != nil {
			s.log.Error().Err(err).Str("study_uid", studyUID).Msg("failed to mark study cached")
		}
		if s.invalidateQuery != nil {
			s.invalidateQuery(remote, studyUID)
		}
	}

	event := s.log.Info()
	if final == models.RetrieveFailed {
		event = s.log.Error()
	}
	event.
		Str("study_uid", studyUID).
		Str("strategy", string(strategy)).
		Str("final_status", string(final)).
		Int("completed", progress.CompletedInstances).
		Int("total", progress.TotalInstances).
		Str("error", errMsg).
		Msg("retrieve finished")

	s.bus.Publish(progress)
	return final
}

func getModelFor(node config.PACSNode) string {
	if node.QueryRetrieveRoot == config.RootPatient {
		return dimse.PatientRootGet
	}
	return dimse.StudyRootGet
}

func moveModelFor(node config.PACSNode) string {
	if node.QueryRetrieveRoot == config.RootPatient {
		return dimse.PatientRootMove
	}
	return dimse.StudyRootMove
}
