package models

import "time"

// Patient is the root of the cache index hierarchy, keyed by the DICOM
// patient ID.
type Patient struct {
	PatientID string `gorm:"type:varchar(64);primaryKey" json:"patient_id"`
	Name      string `gorm:"type:varchar(255)" json:"name"`
	BirthDate string `gorm:"type:varchar(8)" json:"birth_date"`
	Sex       string `gorm:"type:varchar(16)" json:"sex"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Patient) TableName() string {
	return "patients"
}

// StudyRecord is one cached or known study.
type StudyRecord struct {
	StudyInstanceUID string `gorm:"type:varchar(64);primaryKey" json:"study_instance_uid"`
	PatientID        string `gorm:"type:varchar(64);not null;index" json:"patient_id"`

	StudyDate          string `gorm:"type:varchar(8)" json:"study_date"`
	StudyTime          string `gorm:"type:varchar(16)" json:"study_time"`
	StudyID            string `gorm:"type:varchar(64)" json:"study_id"`
	AccessionNumber    string `gorm:"type:varchar(64);index" json:"accession_number"`
	StudyDescription   string `gorm:"type:varchar(255)" json:"study_description"`
	ReferringPhysician string `gorm:"type:varchar(255)" json:"referring_physician"`

	// Aggregates maintained by the cache on every insert.
	NumberOfSeries    int    `gorm:"default:0" json:"number_of_series"`
	NumberOfInstances int    `gorm:"default:0" json:"number_of_instances"`
	ModalitiesInStudy string `gorm:"type:varchar(255)" json:"modalities_in_study"`

	Cached         bool       `gorm:"default:false;index" json:"cached"`
	CachedAt       *time.Time `json:"cached_at,omitempty"`
	LastAccessedAt time.Time  `gorm:"index" json:"last_accessed_at"`
	SourceAETitle  string     `gorm:"type:varchar(16)" json:"source_ae_title"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StudyRecord) TableName() string {
	return "studies"
}

// SeriesRecord is one series within a study.
type SeriesRecord struct {
	SeriesInstanceUID string `gorm:"type:varchar(64);primaryKey" json:"series_instance_uid"`
	StudyInstanceUID  string `gorm:"type:varchar(64);not null;index" json:"study_instance_uid"`

	Modality          string `gorm:"type:varchar(16)" json:"modality"`
	SeriesNumber      int    `json:"series_number"`
	SeriesDescription string `gorm:"type:varchar(255)" json:"series_description"`
	BodyPartExamined  string `gorm:"type:varchar(64)" json:"body_part_examined"`
	ProtocolName      string `gorm:"type:varchar(255)" json:"protocol_name"`
	NumberOfInstances int    `gorm:"default:0" json:"number_of_instances"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SeriesRecord) TableName() string {
	return "series"
}

// InstanceRecord is one stored object, including the pixel-geometry
// attributes the volume extractor and viewers need.
type InstanceRecord struct {
	SOPInstanceUID    string `gorm:"type:varchar(64);primaryKey" json:"sop_instance_uid"`
	SeriesInstanceUID string `gorm:"type:varchar(64);not null;index" json:"series_instance_uid"`
	StudyInstanceUID  string `gorm:"type:varchar(64);not null;index" json:"study_instance_uid"`

	SOPClassUID       string `gorm:"type:varchar(64)" json:"sop_class_uid"`
	InstanceNumber    int    `json:"instance_number"`
	TransferSyntaxUID string `gorm:"type:varchar(64)" json:"transfer_syntax_uid"`

	Rows                      int    `json:"rows"`
	Columns                   int    `json:"columns"`
	BitsAllocated             int    `json:"bits_allocated"`
	BitsStored                int    `json:"bits_stored"`
	HighBit                   int    `json:"high_bit"`
	PixelRepresentation       int    `json:"pixel_representation"`
	SamplesPerPixel           int    `json:"samples_per_pixel"`
	PhotometricInterpretation string `gorm:"type:varchar(32)" json:"photometric_interpretation"`
	NumberOfFrames            int    `json:"number_of_frames"`

	WindowCenter            string   `gorm:"type:varchar(64)" json:"window_center"`
	WindowWidth             string   `gorm:"type:varchar(64)" json:"window_width"`
	RescaleIntercept        float64  `json:"rescale_intercept"`
	RescaleSlope            float64  `json:"rescale_slope"`
	SliceThickness          float64  `json:"slice_thickness"`
	SliceLocation           *float64 `json:"slice_location,omitempty"`
	ImagePositionPatient    string   `gorm:"type:varchar(128)" json:"image_position_patient"`
	ImageOrientationPatient string   `gorm:"type:varchar(192)" json:"image_orientation_patient"`
	PixelSpacing            string   `gorm:"type:varchar(64)" json:"pixel_spacing"`

	FilePath string `gorm:"type:varchar(1024);not null" json:"file_path"`
	FileSize int64  `json:"file_size"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (InstanceRecord) TableName() string {
	return "instances"
}
