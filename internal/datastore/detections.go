package datastore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

// DetectionQuery is a search over detections. Where and OrderBy come from the
// query builder; OrderBy is an allow-listed column expression, never user text.
type DetectionQuery struct {
	Where   Predicate
	OrderBy string
	Limit   int
	Offset  int
}

// VerificationUpdate changes the review state of a detection.
// Corrected names are required for StatusReclassified and ignored otherwise.
type VerificationUpdate struct {
	Status                  VerificationStatus
	CorrectedCommonName     string
	CorrectedScientificName string
	CorrectedSpeciesCode    *string
}

// SaveDetectionWithAudio inserts the audio artifact and then the detection
// referencing it in one transaction. Either both rows exist afterwards or neither.
func (ds *DataStore) SaveDetectionWithAudio(ctx context.Context, detection *Detection, audio *AudioFile) error {
	if detection == nil || audio == nil {
		return validationError("detection and audio file are required", "detection", nil)
	}
	if detection.VerificationStatus == "" {
		detection.VerificationStatus = StatusUnverified
	}

	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(audio).Error; err != nil {
			return dbError(err, "insert_audio_file", errors.PriorityHigh,
				"station_id", audio.StationID)
		}

		detection.AudioFileID = audio.ID
		if err := tx.Omit(clause.Associations).Create(detection).Error; err != nil {
			return dbError(err, "insert_detection", errors.PriorityHigh,
				"station_id", detection.StationID,
				"audio_file_id", audio.ID)
		}
		return nil
	})
	if err != nil {
		// IDs assigned inside the rolled back transaction are meaningless
		audio.ID = 0
		detection.ID = 0
		detection.AudioFileID = 0
		return err
	}

	detection.AudioFile = audio
	ds.Logger.Debug("detection saved",
		logger.Uint64("detection_id", detection.ID),
		logger.Uint64("audio_file_id", audio.ID),
		logger.String("station_id", detection.StationID))
	return nil
}

// GetDetection loads a detection with its audio file
func (ds *DataStore) GetDetection(ctx context.Context, id uint64) (*Detection, error) {
	var det Detection
	err := ds.DB.WithContext(ctx).Preload("AudioFile").First(&det, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(ErrDetectionNotFound, "detection", id)
		}
		return nil, dbError(err, "get_detection", "", "detection_id", id)
	}
	return &det, nil
}

// SearchDetections returns one page of detections matching q and the total match count
func (ds *DataStore) SearchDetections(ctx context.Context, q DetectionQuery) ([]Detection, int64, error) {
	base := ds.DB.WithContext(ctx).Model(&Detection{})
	if q.Where.SQL != "" {
		base = base.Where(q.Where.SQL, q.Where.Params...)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "count_detections", "")
	}

	var detections []Detection
	page := base.Session(&gorm.Session{}).Preload("AudioFile")
	if q.OrderBy != "" {
		// secondary key keeps pagination stable when the sort column has ties
		page = page.Order(q.OrderBy).Order("id DESC")
	}
	if q.Limit > 0 {
		page = page.Limit(q.Limit)
	}
	if q.Offset > 0 {
		page = page.Offset(q.Offset)
	}
	if err := page.Find(&detections).Error; err != nil {
		return nil, 0, dbError(err, "search_detections", "")
	}
	return detections, total, nil
}

// UpdateVerification applies a review decision to a detection
func (ds *DataStore) UpdateVerification(ctx context.Context, id uint64, update VerificationUpdate) (*Detection, error) {
	if !update.Status.Valid() {
		return nil, validationError("unknown verification status", "status", update.Status)
	}

	fields := map[string]any{"verification_status": update.Status}
	if update.Status == StatusReclassified {
		if update.CorrectedCommonName == "" || update.CorrectedScientificName == "" {
			return nil, validationError("reclassification requires corrected common and scientific names",
				"corrected_common_name", update.CorrectedCommonName)
		}
		fields["common_name"] = update.CorrectedCommonName
		fields["scientific_name"] = update.CorrectedScientificName
		fields["species_code"] = update.CorrectedSpeciesCode
	}

	res := ds.DB.WithContext(ctx).Model(&Detection{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, dbError(res.Error, "update_verification", "", "detection_id", id)
	}
	// reload; a missing row surfaces as not found here
	return ds.GetDetection(ctx, id)
}

// SetProtected toggles the protection flag that blocks deletion
func (ds *DataStore) SetProtected(ctx context.Context, id uint64, protected bool) error {
	res := ds.DB.WithContext(ctx).Model(&Detection{}).Where("id = ?", id).Update("protected", protected)
	if res.Error != nil {
		return dbError(res.Error, "set_protected", "", "detection_id", id)
	}
	if res.RowsAffected == 0 {
		// mysql reports zero affected rows when the value is unchanged, so check existence
		if _, err := ds.GetDetection(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDetection removes an unprotected detection and its audio file record
func (ds *DataStore) DeleteDetection(ctx context.Context, id uint64) error {
	return ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var det Detection
		if err := tx.First(&det, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError(ErrDetectionNotFound, "detection", id)
			}
			return dbError(err, "delete_detection", "", "detection_id", id)
		}
		if det.Protected {
			return conflictError(ErrProtected, "delete_detection", id)
		}

		if err := tx.Delete(&Detection{}, id).Error; err != nil {
			return dbError(err, "delete_detection", "", "detection_id", id)
		}

		// the audio row may be shared by a later detection; only drop it when orphaned
		var refs int64
		if err := tx.Model(&Detection{}).Where("audio_file_id = ?", det.AudioFileID).Count(&refs).Error; err != nil {
			return dbError(err, "delete_detection", "", "audio_file_id", det.AudioFileID)
		}
		if refs == 0 {
			if err := tx.Delete(&AudioFile{}, det.AudioFileID).Error; err != nil {
				return dbError(err, "delete_audio_file", "", "audio_file_id", det.AudioFileID)
			}
		}
		return nil
	})
}
