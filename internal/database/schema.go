package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Upload records a batch accepted by the gateway and where its designated
// training archive was stored.
type Upload struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionId string    `gorm:"size:128;not null;index"`

	ArchiveName   string `gorm:"not null"`
	ArchiveBucket string `gorm:"not null"`
	ArchiveKey    string `gorm:"not null"`
	Extracted     bool
	FileCount     int
	EntryCount    int

	CreationTime time.Time
}

type ModelRecord struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Owner       string `gorm:"not null;index:idx_model_owner_name"`
	Name        string `gorm:"not null;index:idx_model_owner_name"`
	Description string
	Visibility  string `gorm:"size:20"`
	Hardware    string `gorm:"size:64"`
	URL         string

	CreationTime time.Time
}

// Training records a training job created with the hosting service. Status is
// the status reported at creation and is never refreshed.
type Training struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExternalId string    `gorm:"not null;uniqueIndex"`

	UploadId uuid.UUID `gorm:"type:uuid"`
	Upload   *Upload   `gorm:"foreignKey:UploadId"`

	Destination string `gorm:"not null;index"`
	TriggerWord string
	Trainer     string
	Status      string `gorm:"size:20"`
	Input       datatypes.JSON

	CreationTime time.Time
}
