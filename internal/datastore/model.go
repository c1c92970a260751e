// model.go defines the persisted data model
package datastore

import (
	"time"

	"gorm.io/datatypes"
)

// VerificationStatus is the review state of a detection
type VerificationStatus string

const (
	StatusUnverified   VerificationStatus = "unverified"
	StatusVerified     VerificationStatus = "verified"
	StatusReclassified VerificationStatus = "reclassified"
	StatusNonEvent     VerificationStatus = "non_event"
)

// Valid reports whether s is a known status.
func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusUnverified, StatusVerified, StatusReclassified, StatusNonEvent:
		return true
	}
	return false
}

// Notification event types and channels
const (
	EventNewDetection = "new_detection"

	ChannelInApp = "in_app"
	ChannelEmail = "email"
)

// Station is a remote recording station.
type Station struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	Latitude    float64   `json:"lat"`
	Longitude   float64   `json:"lon"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Label returns the display name, falling back to the station name.
func (s *Station) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// StationMetadata is what the station reports about itself with each detection.
type StationMetadata struct {
	StationName string  `json:"station_name" validate:"required"`
	Lat         float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon         float64 `json:"lon" validate:"gte=-180,lte=180"`
	Description string  `json:"description,omitempty"`
}

// AudioMetadata describes the recording the detection was made on.
type AudioMetadata struct {
	Duration    float64 `json:"duration" validate:"gte=0"`
	Channels    int     `json:"channels" validate:"gte=1"`
	SampleRate  int     `json:"sample_rate" validate:"gt=0"`
	SampleWidth int     `json:"sample_width" validate:"gte=0"`
	DType       string  `json:"dtype,omitempty"`
}

// ProcessingMetadata describes the analysis run on the station.
type ProcessingMetadata struct {
	ModelName       string  `json:"model_name" validate:"required"`
	MinConfidence   float64 `json:"min_confidence" validate:"gte=0,lte=1"`
	SegmentDuration float64 `json:"segment_duration" validate:"gte=0"`
	SegmentOverlap  float64 `json:"segment_overlap" validate:"gte=0"`
}

// AudioFile is the stored recording a detection was made on.
type AudioFile struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	StationID string    `gorm:"size:64;index;not null" json:"station_id"`
	FileName  string    `gorm:"size:512;not null" json:"file_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Detection is a single species identification reported by a station.
type Detection struct {
	ID                 uint64                                 `gorm:"primaryKey" json:"id"`
	StationID          string                                 `gorm:"size:64;not null;index:idx_detections_station_ts,priority:1" json:"station_id"`
	CommonName         string                                 `gorm:"size:255;not null;index:idx_detections_common_name" json:"common_name"`
	ScientificName     string                                 `gorm:"size:255;not null;index:idx_detections_scientific_name" json:"scientific_name"`
	SpeciesCode        *string                                `gorm:"size:32;index:idx_detections_species_code" json:"species_code"`
	Confidence         float64                                `gorm:"not null;index:idx_detections_confidence" json:"confidence"`
	DetectionTimestamp time.Time                              `gorm:"not null;index:idx_detections_station_ts,priority:2" json:"detection_timestamp"`
	VerificationStatus VerificationStatus                     `gorm:"size:20;not null;default:unverified" json:"verification_status"`
	AudioFileID        uint64                                 `gorm:"not null;index" json:"audio_file_id"`
	AudioFile          *AudioFile                             `gorm:"foreignKey:AudioFileID;constraint:OnDelete:RESTRICT" json:"audio_file,omitempty"`
	Protected          bool                                   `gorm:"not null;default:false" json:"protected"`
	StationMetadata    datatypes.JSONType[StationMetadata]    `json:"station_metadata"`
	AudioMetadata      datatypes.JSONType[AudioMetadata]      `json:"audio_metadata"`
	ProcessingMetadata datatypes.JSONType[ProcessingMetadata] `json:"processing_metadata"`
	CreatedAt          time.Time                              `json:"created_at"`
	UpdatedAt          time.Time                              `json:"updated_at"`

	// Media is attached by the ingestion path and the read API, never stored on the row.
	Media *SpeciesMedia `gorm:"-" json:"media,omitempty"`
}

// Species is one entry of the canonical taxonomy. The *Key columns hold
// case-folded names for case-insensitive lookups.
type Species struct {
	Code              string `gorm:"primaryKey;size:32" json:"code" yaml:"code"`
	CommonName        string `gorm:"size:255;not null" json:"common_name" yaml:"common_name"`
	ScientificName    string `gorm:"size:255;not null" json:"scientific_name" yaml:"scientific_name"`
	CommonNameKey     string `gorm:"size:255;index:idx_species_common_key" json:"-" yaml:"-"`
	ScientificNameKey string `gorm:"size:255;index:idx_species_scientific_key" json:"-" yaml:"-"`
}

// TableName keeps the taxonomy table name stable
func (Species) TableName() string {
	return "species"
}

// SpeciesMedia caches reference image and audio links per species code.
// Fields are only ever filled, never overwritten; see MergeSpeciesMedia.
type SpeciesMedia struct {
	SpeciesCode string    `gorm:"primaryKey;size:32" json:"species_code"`
	ImageURL    *string   `gorm:"size:1024" json:"image_url"`
	ImageRights *string   `gorm:"type:text" json:"image_rights"`
	AudioURL    *string   `gorm:"size:1024" json:"audio_url"`
	AudioRights *string   `gorm:"type:text" json:"audio_rights"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName avoids the inflector's take on "media"
func (SpeciesMedia) TableName() string {
	return "species_media"
}

// HasImage reports whether an image link is cached
func (m *SpeciesMedia) HasImage() bool {
	return m != nil && m.ImageURL != nil && *m.ImageURL != ""
}

// HasAudio reports whether a reference audio link is cached
func (m *SpeciesMedia) HasAudio() bool {
	return m != nil && m.AudioURL != nil && *m.AudioURL != ""
}

// Complete reports whether both links are cached
func (m *SpeciesMedia) Complete() bool {
	return m.HasImage() && m.HasAudio()
}

// User is an account that can receive notifications.
type User struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Email       string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// NotificationPreference enables one event type on one channel for a user and station.
// A nil Threshold matches every detection.
type NotificationPreference struct {
	ID        uint64   `gorm:"primaryKey" json:"id"`
	UserID    uint64   `gorm:"not null;uniqueIndex:idx_pref_unique,priority:1" json:"user_id"`
	User      User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	StationID string   `gorm:"size:64;not null;uniqueIndex:idx_pref_unique,priority:2;index:idx_pref_station_event,priority:1" json:"station_id"`
	EventType string   `gorm:"size:32;not null;uniqueIndex:idx_pref_unique,priority:3;index:idx_pref_station_event,priority:2" json:"event_type"`
	Channel   string   `gorm:"size:16;not null;uniqueIndex:idx_pref_unique,priority:4" json:"channel"`
	Enabled   bool     `gorm:"not null" json:"enabled"`
	Threshold *float64 `json:"threshold"`
}
