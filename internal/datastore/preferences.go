package datastore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/birdhub/birdhub/internal/errors"
)

// GetStation returns a registered station
func (ds *DataStore) GetStation(ctx context.Context, id string) (*Station, error) {
	var st Station
	err := ds.DB.WithContext(ctx).Where("id = ?", id).First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(ErrStationNotFound, "station", id)
		}
		return nil, dbError(err, "get_station", "", "station_id", id)
	}
	return &st, nil
}

// SaveStation creates or updates a station
func (ds *DataStore) SaveStation(ctx context.Context, station *Station) error {
	if station == nil || station.ID == "" {
		return validationError("station id is required", "id", "")
	}
	if station.Name == "" {
		return validationError("station name is required", "name", station.ID)
	}
	err := ds.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "display_name", "latitude", "longitude", "description", "updated_at"}),
	}).Create(station).Error
	if err != nil {
		return dbError(err, "save_station", "", "station_id", station.ID)
	}
	return nil
}

// SaveUser creates a user; a duplicate email is a conflict
func (ds *DataStore) SaveUser(ctx context.Context, user *User) error {
	if user == nil || user.Email == "" {
		return validationError("user email is required", "email", "")
	}
	if err := ds.DB.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return conflictError(err, "save_user", user.Email)
		}
		return dbError(err, "save_user", "", "email", user.Email)
	}
	return nil
}

// SavePreference creates or updates a preference keyed by user, station, event and channel
func (ds *DataStore) SavePreference(ctx context.Context, pref *NotificationPreference) error {
	if pref == nil || pref.UserID == 0 || pref.StationID == "" {
		return validationError("preference requires user and station", "user_id", "")
	}
	switch pref.Channel {
	case ChannelInApp, ChannelEmail:
	default:
		return validationError("unknown notification channel", "channel", pref.Channel)
	}
	if pref.EventType == "" {
		pref.EventType = EventNewDetection
	}
	if pref.Threshold != nil && (*pref.Threshold < 0 || *pref.Threshold > 1) {
		return validationError("threshold must be between 0 and 1", "threshold", *pref.Threshold)
	}

	err := ds.DB.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "station_id"}, {Name: "event_type"}, {Name: "channel"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "threshold"}),
	}).Create(pref).Error
	if err != nil {
		return dbError(err, "save_preference", "",
			"user_id", pref.UserID,
			"station_id", pref.StationID)
	}
	return nil
}

// GetEnabledPreferences returns the enabled preferences for a station and event
// type with their users loaded, ordered by user then channel
func (ds *DataStore) GetEnabledPreferences(ctx context.Context, stationID, eventType string) ([]NotificationPreference, error) {
	var prefs []NotificationPreference
	err := ds.DB.WithContext(ctx).
		Preload("User").
		Where("station_id = ? AND event_type = ? AND enabled = ?", stationID, eventType, true).
		Order("user_id").Order("channel").
		Find(&prefs).Error
	if err != nil {
		return nil, dbError(err, "get_enabled_preferences", "",
			"station_id", stationID,
			"event_type", eventType)
	}
	return prefs, nil
}
