package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntityStatus tracks the ingest lifecycle of studies and series.
type EntityStatus string

const (
	StatusReceived   EntityStatus = "Received"
	StatusProcessing EntityStatus = "Processing"
	StatusReady      EntityStatus = "Ready"
	StatusFailed     EntityStatus = "Failed"
)

// Patient is created lazily on first instance referencing it. The core
// never deletes patients; retention is external policy.
type Patient struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	PatientID string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"patient_id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	BirthDate string    `gorm:"type:varchar(8)" json:"birth_date"`
	Sex       string    `gorm:"type:varchar(16)" json:"sex"`
	CreatedAt time.Time `json:"created_at"`
}

func (Patient) TableName() string { return "patients" }

// Study belongs to exactly one Patient, identified by its DICOM UID.
type Study struct {
	ID                 uint         `gorm:"primaryKey" json:"-"`
	StudyInstanceUID   string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"study_instance_uid"`
	PatientKey         uint         `gorm:"not null;index" json:"-"`
	Patient            Patient      `gorm:"foreignKey:PatientKey;constraint:OnDelete:RESTRICT" json:"-"`
	AccessionNumber    string       `gorm:"type:varchar(64)" json:"accession_number"`
	StudyDate          string       `gorm:"type:varchar(8)" json:"study_date"`
	StudyTime          string       `gorm:"type:varchar(16)" json:"study_time"`
	ReferringPhysician string       `gorm:"type:varchar(255)" json:"referring_physician"`
	Description        string       `gorm:"type:varchar(255)" json:"description"`
	Modality           string       `gorm:"type:varchar(16)" json:"modality"`
	Status             EntityStatus `gorm:"type:varchar(16);not null;default:'Received'" json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (Study) TableName() string { return "studies" }

// Series belongs to exactly one Study.
type Series struct {
	ID                uint         `gorm:"primaryKey" json:"-"`
	SeriesInstanceUID string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"series_instance_uid"`
	StudyKey          uint         `gorm:"not null;index" json:"-"`
	Study             Study        `gorm:"foreignKey:StudyKey;constraint:OnDelete:RESTRICT" json:"-"`
	SeriesNumber      int          `gorm:"not null;default:0" json:"series_number"`
	Modality          string       `gorm:"type:varchar(16)" json:"modality"`
	Description       string       `gorm:"type:varchar(255)" json:"description"`
	BodyPartExamined  string       `gorm:"type:varchar(64)" json:"body_part_examined"`
	PixelSpacing      string       `gorm:"type:varchar(64)" json:"pixel_spacing"`
	SliceThickness    string       `gorm:"type:varchar(32)" json:"slice_thickness"`
	Status            EntityStatus `gorm:"type:varchar(16);not null;default:'Received'" json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Series) TableName() string { return "series" }

// Instance is immutable after successful ingest. The file at StorageKey is
// owned by the object store; this row is the authority for its existence.
type Instance struct {
	ID                        uint      `gorm:"primaryKey" json:"-"`
	SOPInstanceUID            string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"sop_instance_uid"`
	SeriesKey                 uint      `gorm:"not null;index" json:"-"`
	Series                    Series    `gorm:"foreignKey:SeriesKey;constraint:OnDelete:RESTRICT" json:"-"`
	SOPClassUID               string    `gorm:"type:varchar(64);not null" json:"sop_class_uid"`
	TransferSyntaxUID         string    `gorm:"type:varchar(64)" json:"transfer_syntax_uid"`
	InstanceNumber            int       `gorm:"not null;default:0" json:"instance_number"`
	Rows                      int       `gorm:"not null" json:"rows"`
	Columns                   int       `gorm:"not null" json:"columns"`
	BitsAllocated             int       `json:"bits_allocated"`
	PixelRepresentation       int       `json:"pixel_representation"`
	SamplesPerPixel           int       `gorm:"default:1" json:"samples_per_pixel"`
	PhotometricInterpretation string    `gorm:"type:varchar(32)" json:"photometric_interpretation"`
	WindowCenter              *float64  `json:"window_center,omitempty"`
	WindowWidth               *float64  `json:"window_width,omitempty"`
	RescaleSlope              float64   `gorm:"default:1" json:"rescale_slope"`
	RescaleIntercept          float64   `gorm:"default:0" json:"rescale_intercept"`
	StorageKey                string    `gorm:"type:varchar(512);not null" json:"storage_key"`
	FileSize                  int64     `gorm:"not null" json:"file_size"`
	SHA256                    string    `gorm:"type:char(64);not null" json:"sha256"`
	CreatedAt                 time.Time `json:"created_at"`
}

func (Instance) TableName() string { return "instances" }

// IngestEventResult classifies the outcome of a received instance.
type IngestEventResult string

const (
	IngestStored           IngestEventResult = "Stored"
	IngestDuplicateIgnored IngestEventResult = "DuplicateIgnored"
	IngestRejected         IngestEventResult = "Rejected"
	IngestCorruptArtifact  IngestEventResult = "CorruptArtifact"
)

// IngestEvent is one append-only log row per received instance.
type IngestEvent struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Seq            int64             `gorm:"autoIncrement;uniqueIndex" json:"seq"`
	CallingAETitle string            `gorm:"type:varchar(16)" json:"calling_ae_title"`
	CalledAETitle  string            `gorm:"type:varchar(16)" json:"called_ae_title"`
	PeerAddress    string            `gorm:"type:varchar(64)" json:"peer_address"`
	Result         IngestEventResult `gorm:"type:varchar(24);not null;index" json:"result"`
	RejectReason   string            `gorm:"type:varchar(128)" json:"reject_reason,omitempty"`
	SOPInstanceUID string            `gorm:"type:varchar(64);index" json:"sop_instance_uid,omitempty"`
	CreatedAt      time.Time         `gorm:"index" json:"timestamp"`
}

func (IngestEvent) TableName() string { return "ingest_events" }

// BeforeCreate hook
func (e *IngestEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
