// Package ingest validates, enriches and stores detections reported by stations.
package ingest

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/events"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/observability/metrics"
)

// DefaultClockSkew is how far into the future a station clock may drift
const DefaultClockSkew = 2 * time.Minute

// Store is the storage the service writes through
type Store interface {
	GetStation(ctx context.Context, id string) (*datastore.Station, error)
	SaveDetectionWithAudio(ctx context.Context, detection *datastore.Detection, audio *datastore.AudioFile) error
}

// SpeciesResolver maps reported names to a taxonomy code
type SpeciesResolver interface {
	ResolveSpeciesCode(ctx context.Context, commonName, scientificName string) (*string, error)
}

// MediaResolver returns cached or freshly fetched media for a species code
type MediaResolver interface {
	GetMedia(ctx context.Context, code string) (*datastore.SpeciesMedia, error)
}

// Service runs the ingestion pipeline
type Service struct {
	store     Store
	species   SpeciesResolver
	media     MediaResolver
	publisher events.Publisher
	clockSkew time.Duration
	now       func() time.Time
	metrics   *metrics.IngestMetrics
	log       logger.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClockSkew sets the accepted future drift of detection timestamps
func WithClockSkew(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.clockSkew = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records ingestion metrics
func WithMetrics(m *metrics.IngestMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMediaResolver enables media enrichment
func WithMediaResolver(m MediaResolver) Option {
	return func(s *Service) { s.media = m }
}

// WithPublisher hands committed detections to the fan-out
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// NewService creates the ingestion service
func NewService(store Store, species SpeciesResolver, log logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Global().Module("ingest")
	}
	s := &Service{
		store:     store,
		species:   species,
		clockSkew: DefaultClockSkew,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates the payload, resolves the species code and media outside
// of any transaction, stores the audio file and detection atomically and
// publishes the committed detection for fan-out.
//
// Errors are *ValidationError (nothing stored) or *PersistenceError (rolled
// back). Fan-out problems after the commit are logged only.
func (s *Service) Ingest(ctx context.Context, stationID string, p Payload) (*datastore.Detection, error) {
	start := s.now()
	correlationID := uuid.New().String()
	log := s.log.With(
		logger.String("correlation_id", correlationID),
		logger.String("station_id", stationID))

	ts, fields := s.validate(stationID, &p, start)
	if len(fields) > 0 {
		return nil, s.reject(log, fields, start)
	}

	station, err := s.store.GetStation(ctx, stationID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, s.reject(log, map[string]string{"station_id": "is not a registered station"}, start)
		}
		s.metrics.RecordIngest(metrics.OutcomePersistFailed, time.Since(start))
		log.Error("station lookup failed", logger.Error(err))
		return nil, &PersistenceError{Err: err}
	}

	code := s.resolveSpecies(ctx, log, p.CommonName, p.ScientificName)
	media := s.resolveMedia(ctx, log, code)

	detection := &datastore.Detection{
		StationID:          station.ID,
		CommonName:         strings.TrimSpace(p.CommonName),
		ScientificName:     strings.TrimSpace(p.ScientificName),
		SpeciesCode:        code,
		Confidence:         *p.Confidence,
		DetectionTimestamp: ts,
		VerificationStatus: datastore.StatusUnverified,
		StationMetadata:    datatypes.NewJSONType(*p.StationMetadata),
		AudioMetadata:      datatypes.NewJSONType(*p.AudioMetadata),
		ProcessingMetadata: datatypes.NewJSONType(*p.ProcessingMetadata),
	}
	audio := &datastore.AudioFile{
		StationID: station.ID,
		FileName:  strings.TrimSpace(p.RecordingFileName),
	}

	if err := s.store.SaveDetectionWithAudio(ctx, detection, audio); err != nil {
		s.metrics.RecordIngest(metrics.OutcomePersistFailed, time.Since(start))
		log.Error("failed to persist detection", logger.Error(err))
		return nil, &PersistenceError{Err: err}
	}
	detection.Media = media

	s.publish(log, detection, correlationID)

	s.metrics.RecordIngest(metrics.OutcomeAccepted, time.Since(start))
	log.Info("detection ingested",
		logger.Uint64("detection_id", detection.ID),
		logger.String("common_name", detection.CommonName),
		logger.Float64("confidence", detection.Confidence),
		logger.Bool("species_resolved", code != nil),
		logger.Bool("media_attached", media != nil))
	return detection, nil
}

// validate checks the payload and returns the effective detection timestamp
func (s *Service) validate(stationID string, p *Payload, now time.Time) (time.Time, map[string]string) {
	fields := make(map[string]string)

	if strings.TrimSpace(stationID) == "" {
		fields["station_id"] = "is required"
	}

	if err := getValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fieldPath(fe)] = fieldMessage(fe)
			}
		} else {
			fields["payload"] = err.Error()
		}
	}
	for name, v := range map[string]string{
		"common_name":         p.CommonName,
		"scientific_name":     p.ScientificName,
		"recording_file_name": p.RecordingFileName,
	} {
		if _, reported := fields[name]; !reported && v != "" && strings.TrimSpace(v) == "" {
			fields[name] = "is required"
		}
	}
	if p.Confidence != nil && (math.IsNaN(*p.Confidence) || math.IsInf(*p.Confidence, 0)) {
		fields["confidence"] = "must be a finite number"
	}

	ts := now.UTC()
	if p.DetectionTimestamp != "" {
		parsed, ok := parseTimestamp(p.DetectionTimestamp)
		switch {
		case !ok:
			fields["detection_timestamp"] = "must be an ISO8601 timestamp"
		case parsed.After(now.Add(s.clockSkew)):
			fields["detection_timestamp"] = "is in the future"
		default:
			ts = parsed
		}
	}
	return ts, fields
}

// reject counts and logs a validation failure
func (s *Service) reject(log logger.Logger, fields map[string]string, start time.Time) error {
	for field := range fields {
		s.metrics.RecordValidationFailure(field)
	}
	s.metrics.RecordIngest(metrics.OutcomeValidationFailed, time.Since(start))
	ve := newValidationError(fields)
	log.Debug("detection rejected", logger.String("reason", ve.Error()))
	return ve
}

// resolveSpecies never fails ingestion; store errors leave the code empty
func (s *Service) resolveSpecies(ctx context.Context, log logger.Logger, common, scientific string) *string {
	if s.species == nil {
		return nil
	}
	code, err := s.species.ResolveSpeciesCode(ctx, common, scientific)
	switch {
	case err != nil:
		s.metrics.RecordSpeciesResolution("error")
		log.Warn("species resolution failed, storing without code", logger.Error(err))
		return nil
	case code == nil:
		s.metrics.RecordSpeciesResolution("miss")
	default:
		s.metrics.RecordSpeciesResolution("hit")
	}
	return code
}

// resolveMedia is bounded by the media resolver's fetch timeout and never fails ingestion
func (s *Service) resolveMedia(ctx context.Context, log logger.Logger, code *string) *datastore.SpeciesMedia {
	if s.media == nil || code == nil {
		return nil
	}
	m, err := s.media.GetMedia(ctx, *code)
	if err != nil {
		log.Warn("media resolution failed", logger.String("species_code", *code), logger.Error(err))
		return nil
	}
	return m
}

// publish hands the committed detection to the bus without waiting on it
func (s *Service) publish(log logger.Logger, detection *datastore.Detection, correlationID string) {
	if s.publisher == nil {
		return
	}
	ok := s.publisher.TryPublish(events.DetectionEvent{
		Detection:     detection,
		CorrelationID: correlationID,
		CommittedAt:   s.now(),
	})
	if !ok {
		log.Warn("detection committed but not dispatched",
			logger.Uint64("detection_id", detection.ID))
	}
}
