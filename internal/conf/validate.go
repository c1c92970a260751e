// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/birdhub/birdhub/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		validateDatabaseSettings,
		validateIngestSettings,
		validateMediaSettings,
		validateRealtimeSettings,
		validateQueueSettings,
	}
	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func validateDatabaseSettings(s *Settings) error {
	switch s.Database.Type {
	case DatabaseSQLite:
		if s.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case DatabaseMySQL:
		m := s.Database.MySQL
		if m.Host == "" || m.Database == "" || m.Username == "" {
			return fmt.Errorf("database.mysql requires host, database and username")
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("database.mysql.port %d is out of range", m.Port)
		}
	default:
		return fmt.Errorf("database.type %q must be %q or %q", s.Database.Type, DatabaseSQLite, DatabaseMySQL)
	}
	return nil
}

func validateIngestSettings(s *Settings) error {
	if s.Ingest.ClockSkew < 0 {
		return fmt.Errorf("ingest.clockskew must not be negative")
	}
	if s.Ingest.DispatchWorkers <= 0 || s.Ingest.DispatchBuffer <= 0 {
		return fmt.Errorf("ingest.dispatchworkers and ingest.dispatchbuffer must be positive")
	}
	return nil
}

func validateMediaSettings(s *Settings) error {
	switch s.Media.Provider {
	case "wikimedia", "none", "":
	default:
		return fmt.Errorf("media.provider %q is not supported", s.Media.Provider)
	}
	if s.Media.FetchTimeout <= 0 {
		return fmt.Errorf("media.fetchtimeout must be positive")
	}
	if s.Media.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(s.Media.RefreshSchedule); err != nil {
			return fmt.Errorf("media.refreshschedule %q: %w", s.Media.RefreshSchedule, err)
		}
	}
	return nil
}

func validateRealtimeSettings(s *Settings) error {
	if s.Realtime.MQTT.Enabled {
		if _, err := url.Parse(s.Realtime.MQTT.Broker); err != nil || s.Realtime.MQTT.Broker == "" {
			return fmt.Errorf("realtime.mqtt.broker %q is not a valid URL", s.Realtime.MQTT.Broker)
		}
		if s.Realtime.MQTT.QoS > 2 {
			return fmt.Errorf("realtime.mqtt.qos must be 0, 1 or 2")
		}
	}
	if s.Realtime.Redis.Enabled && !strings.HasPrefix(s.Realtime.Redis.URL, "redis") {
		return fmt.Errorf("realtime.redis.url %q must use the redis:// or rediss:// scheme", s.Realtime.Redis.URL)
	}
	return nil
}

func validateQueueSettings(s *Settings) error {
	switch s.Queue.Type {
	case QueueMemory:
		if s.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be positive")
		}
	case QueueRedis:
		if !strings.HasPrefix(s.Queue.RedisURL, "redis") {
			return fmt.Errorf("queue.redisurl %q must use the redis:// or rediss:// scheme", s.Queue.RedisURL)
		}
	default:
		return fmt.Errorf("queue.type %q must be %q or %q", s.Queue.Type, QueueMemory, QueueRedis)
	}
	if s.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.maxattempts must be positive")
	}
	return nil
}
