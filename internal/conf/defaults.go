// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers default values for every setting.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "birdhub")

	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.ratelimit", 20.0)
	viper.SetDefault("server.rateburst", 40)
	viper.SetDefault("server.allowedorigins", []string{"*"})
	viper.SetDefault("server.shutdowngrace", 10*time.Second)

	viper.SetDefault("database.type", DatabaseSQLite)
	viper.SetDefault("database.slowthreshold", 200*time.Millisecond)
	viper.SetDefault("database.sqlite.path", "birdhub.db")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", 3306)
	viper.SetDefault("database.mysql.username", "birdhub")
	viper.SetDefault("database.mysql.password", "")
	viper.SetDefault("database.mysql.database", "birdhub")

	viper.SetDefault("ingest.clockskew", 2*time.Minute)
	viper.SetDefault("ingest.dispatchbuffer", 1000)
	viper.SetDefault("ingest.dispatchworkers", 4)
	viper.SetDefault("ingest.dispatchdeadline", 15*time.Second)

	viper.SetDefault("media.provider", "wikimedia")
	viper.SetDefault("media.fetchtimeout", 3*time.Second)
	viper.SetDefault("media.ratelimit", 1.0)
	viper.SetDefault("media.useragent", "birdhub/1.0 (species media resolver)")
	viper.SetDefault("media.refreshschedule", "@every 6h")
	viper.SetDefault("media.refreshbatch", 50)
	viper.SetDefault("media.breaker.enabled", true)
	viper.SetDefault("media.breaker.consecutivefailures", 5)
	viper.SetDefault("media.breaker.opentimeout", time.Minute)
	viper.SetDefault("media.breaker.halfopenrequests", 1)

	viper.SetDefault("realtime.sse.heartbeat", 30*time.Second)
	viper.SetDefault("realtime.sse.maxclients", 500)
	viper.SetDefault("realtime.mqtt.enabled", false)
	viper.SetDefault("realtime.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("realtime.mqtt.topicprefix", "birdhub")
	viper.SetDefault("realtime.mqtt.qos", 0)
	viper.SetDefault("realtime.mqtt.retain", false)
	viper.SetDefault("realtime.redis.enabled", false)
	viper.SetDefault("realtime.redis.url", "redis://localhost:6379/0")
	viper.SetDefault("realtime.redis.channel", "birdhub:realtime")

	viper.SetDefault("queue.type", QueueMemory)
	viper.SetDefault("queue.capacity", 1000)
	viper.SetDefault("queue.redisurl", "redis://localhost:6379/0")
	viper.SetDefault("queue.key", "birdhub:notifications")
	viper.SetDefault("queue.consumer", "")
	viper.SetDefault("queue.concurrency", 2)
	viper.SetDefault("queue.maxattempts", 3)
	viper.SetDefault("queue.polltimeout", 5*time.Second)

	viper.SetDefault("notification.emailurl", "")
	viper.SetDefault("notification.titleprefix", "birdhub")
	viper.SetDefault("notification.sendtimeout", 10*time.Second)

	viper.SetDefault("taxonomy.ebird.apikey", "")
	viper.SetDefault("taxonomy.ebird.baseurl", "https://api.ebird.org/v2")
	viper.SetDefault("taxonomy.ebird.timeout", 30*time.Second)
	viper.SetDefault("taxonomy.ebird.locale", "en")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.listen", "")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")
	viper.SetDefault("sentry.samplerate", 1.0)

	viper.SetDefault("logging.defaultlevel", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.fileoutput.enabled", false)
	viper.SetDefault("logging.fileoutput.path", "logs/birdhub.log")
	viper.SetDefault("logging.fileoutput.level", "info")
}
