package fanout

import (
	"math"
	"strconv"
	"time"

	"github.com/birdhub/birdhub/internal/datastore"
)

// EventNewDetection is the realtime event and job event name for a stored detection
const EventNewDetection = "newDetection"

// RoomGlobal receives every detection, for dashboards that are not station scoped
const RoomGlobal = "global"

// StationRoom is the realtime room of one station
func StationRoom(stationID string) string {
	return "station:" + stationID
}

// UserRoom is the realtime room of one user, used for in-app notifications
func UserRoom(userID uint64) string {
	return "user:" + strconv.FormatUint(userID, 10)
}

// NotificationJob is one unit of work for the notification worker.
// RecipientAddress is an email address for email jobs and a user room for in-app jobs.
type NotificationJob struct {
	ID               string     `json:"id"`
	RecipientAddress string     `json:"recipientAddress"`
	Channel          string     `json:"channel"`
	Event            string     `json:"event"`
	Payload          JobPayload `json:"payload"`
	Attempts         int        `json:"attempts"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// JobPayload is the rendered event handed to the channel
type JobPayload struct {
	SpeciesCommonName  string    `json:"speciesCommonName"`
	ScientificName     string    `json:"scientificName"`
	ConfidencePercent  int       `json:"confidencePercent"`
	Timestamp          time.Time `json:"timestamp"`
	StationDisplayName string    `json:"stationDisplayName"`
	StationID          string    `json:"stationId"`
	DetectionID        uint64    `json:"detectionId"`
}

// ConfidencePercent converts a 0..1 confidence to a rounded percentage
func ConfidencePercent(confidence float64) int {
	return int(math.Round(confidence * 100))
}

// newPayload renders the job payload for a detection
func newPayload(det *datastore.Detection, stationName string) JobPayload {
	return JobPayload{
		SpeciesCommonName:  det.CommonName,
		ScientificName:     det.ScientificName,
		ConfidencePercent:  ConfidencePercent(det.Confidence),
		Timestamp:          det.DetectionTimestamp,
		StationDisplayName: stationName,
		StationID:          det.StationID,
		DetectionID:        det.ID,
	}
}
