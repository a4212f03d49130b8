package models

// RetrieveLevel is the query/retrieve level of a retrieve job.
type RetrieveLevel string

const (
	LevelStudy  RetrieveLevel = "STUDY"
	LevelSeries RetrieveLevel = "SERIES"
	LevelImage  RetrieveLevel = "IMAGE"
)

// RetrieveStrategy names the DIMSE retrieval mechanism in use.
type RetrieveStrategy string

const (
	StrategyCGet  RetrieveStrategy = "C-GET"
	StrategyCMove RetrieveStrategy = "C-MOVE"
)

// RetrieveStatus is the lifecycle state of a retrieve job.
type RetrieveStatus string

const (
	RetrieveStarted             RetrieveStatus = "STARTED"
	RetrieveRetrieving          RetrieveStatus = "RETRIEVING"
	RetrieveCompleted           RetrieveStatus = "COMPLETED"
	RetrieveCompletedWithErrors RetrieveStatus = "COMPLETED_WITH_ERRORS"
	RetrieveFailed              RetrieveStatus = "FAILED"
)

// IsTerminal reports whether the status ends the job.
func (s RetrieveStatus) IsTerminal() bool {
	switch s {
	case RetrieveCompleted, RetrieveCompletedWithErrors, RetrieveFailed:
		return true
	}
	return false
}

// RetrieveJob is an in-memory snapshot of one running retrieval.
// Snapshots are value copies; the orchestrator owns the live state.
type RetrieveJob struct {
	ID             string           `json:"id"`
	StudyUID       string           `json:"study_instance_uid"`
	SeriesUID      string           `json:"series_instance_uid,omitempty"`
	SOPUID         string           `json:"sop_instance_uid,omitempty"`
	Level          RetrieveLevel    `json:"level"`
	Remote         string           `json:"remote"`
	Strategy       RetrieveStrategy `json:"strategy"`
	TotalOps       int              `json:"total_ops"`
	CompletedOps   int              `json:"completed_ops"`
	FailedOps      int              `json:"failed_ops"`
	WarningOps     int              `json:"warning_ops"`
	Status         RetrieveStatus   `json:"status"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// Progress converts the job snapshot to the wire DTO pushed to
// WebSocket subscribers.
func (j RetrieveJob) Progress() RetrieveProgress {
	total := j.TotalOps
	pct := 0.0
	if total > 0 {
		pct = float64(j.CompletedOps) / float64(total) * 100
	}
	if j.Status == RetrieveCompleted {
		pct = 100
	}
	return RetrieveProgress{
		StudyInstanceUID:   j.StudyUID,
		CompletedInstances: j.CompletedOps,
		TotalInstances:     total,
		PercentComplete:    pct,
		Status:             j.Status,
		ErrorMessage:       j.ErrorMessage,
	}
}

// RetrieveProgress is the progress DTO delivered over WebSockets.
type RetrieveProgress struct {
	StudyInstanceUID   string         `json:"studyInstanceUid"`
	CompletedInstances int            `json:"completedInstances"`
	TotalInstances     int            `json:"totalInstances"`
	PercentComplete    float64        `json:"percentComplete"`
	Status             RetrieveStatus `json:"status"`
	ErrorMessage       string         `json:"errorMessage,omitempty"`
}

// VolumeMetadata describes a packed pixel volume assembled from a
// cached series.
type VolumeMetadata struct {
	StudyInstanceUID  string  `json:"studyInstanceUid"`
	SeriesInstanceUID string  `json:"seriesInstanceUid"`
	Rows              int     `json:"rows"`
	Columns           int     `json:"columns"`
	SliceCount        int     `json:"sliceCount"`
	OriginalSliceCount int    `json:"originalSliceCount"`
	SubsampleFactor   int     `json:"subsampleFactor"`
	PixelSpacingX     float64 `json:"pixelSpacingX"`
	PixelSpacingY     float64 `json:"pixelSpacingY"`
	SpacingBetweenSlices float64 `json:"spacingBetweenSlices"`
	RescaleIntercept  float64 `json:"rescaleIntercept"`
	RescaleSlope      float64 `json:"rescaleSlope"`
	WindowCenter      float64 `json:"windowCenter"`
	WindowWidth       float64 `json:"windowWidth"`
	DataFormat        string  `json:"dataFormat"` // INT16 or UINT16
}
