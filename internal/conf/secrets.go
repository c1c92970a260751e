package conf

import (
	"github.com/birdhub/birdhub/internal/secrets"
)

// resolveSecrets expands ${VAR} references in credential settings and reads
// the *File variants. It runs before validation so that validation sees the
// final values.
func resolveSecrets(s *Settings) error {
	fields := []struct {
		target *string
		file   string
	}{
		{&s.Database.MySQL.Password, s.Database.MySQL.PasswordFile},
		{&s.Realtime.MQTT.Password, s.Realtime.MQTT.PasswordFile},
		{&s.Realtime.Redis.URL, ""},
		{&s.Queue.RedisURL, ""},
		{&s.Notification.EmailURL, ""},
		{&s.Taxonomy.EBird.APIKey, s.Taxonomy.EBird.APIKeyFile},
		{&s.Sentry.DSN, s.Sentry.DSNFile},
	}
	for _, f := range fields {
		value, err := secrets.Resolve(f.file, *f.target)
		if err != nil {
			return err
		}
		*f.target = value
	}
	return nil
}
