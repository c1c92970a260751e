package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	settings, err := Load(writeConfig(t, "main:\n  name: test-hub\n"))
	require.NoError(t, err)

	assert.Equal(t, "test-hub", settings.Main.Name)
	assert.Equal(t, DatabaseSQLite, settings.Database.Type)
	assert.Equal(t, 2*time.Minute, settings.Ingest.ClockSkew)
	assert.Equal(t, 3*time.Second, settings.Media.FetchTimeout)
	assert.Equal(t, QueueMemory, settings.Queue.Type)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
	assert.Same(t, settings, GetSettings())
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	body := `
database:
  type: mysql
  mysql:
    host: db.local
    port: 3307
    username: hub
    password: secret
    database: hub
media:
  fetchtimeout: 1500ms
  refreshschedule: "0 */2 * * *"
queue:
  type: redis
  redisurl: redis://queue.local:6379/1
realtime:
  mqtt:
    enabled: true
    broker: tcp://mqtt.local:1883
    qos: 1
`
	settings, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, DatabaseMySQL, settings.Database.Type)
	assert.Equal(t, "db.local:3307", settings.Database.MySQL.Address())
	assert.Equal(t, 1500*time.Millisecond, settings.Media.FetchTimeout)
	assert.Equal(t, QueueRedis, settings.Queue.Type)
	assert.Equal(t, byte(1), settings.Realtime.MQTT.QoS)
}

func TestLoadEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BIRDHUB_SERVER_LISTEN", ":9999")

	settings, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", settings.Server.Listen)
}

func TestValidateSettingsCollectsErrors(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	body := `
database:
  type: postgres
queue:
  type: kafka
media:
  refreshschedule: "not a schedule"
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors, 3)
}

func TestLoadResolvesSecrets(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BIRDHUB_TEST_REDIS_PASS", "cachepass")

	keyFile := filepath.Join(t.TempDir(), "ebird-key")
	require.NoError(t, os.WriteFile(keyFile, []byte("abc123\n"), 0o600))

	settings, err := Load(writeConfig(t, `queue:
  redisurl: redis://:${BIRDHUB_TEST_REDIS_PASS}@cache:6379/0
taxonomy:
  ebird:
    apikey: ignored
    apikeyfile: `+keyFile+`
`))
	require.NoError(t, err)
	assert.Equal(t, "redis://:cachepass@cache:6379/0", settings.Queue.RedisURL)
	assert.Equal(t, "abc123", settings.Taxonomy.EBird.APIKey)
}

func TestLoadMissingSecretVariable(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	_, err := Load(writeConfig(t, "sentry:\n  dsn: ${BIRDHUB_TEST_UNSET_DSN}\n"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
