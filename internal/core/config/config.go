package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
	Queue   int
}

// SecondaryCfg selects the store for results of overridden reads:
// "lru" (in-process), "redis" or "none". A result is only kept once its
// decayed request score reaches AdmitThreshold; zero keeps every result.
type SecondaryCfg struct {
	Mode           string
	Size           int
	TTL            time.Duration
	AdmitThreshold float64
	HalfLife       time.Duration
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	MetricsAddr    string
	DBDriver       string
	DBDSN          string
	RedisAddr      string
	Secondary      SecondaryCfg
	CacheOpTimeout time.Duration

	RemoteTimeout time.Duration
	PollBase      time.Duration
	PollMax       time.Duration
	PollDeadline  time.Duration
	PollAttempts  int

	CronSecret        string
	SchedulerInterval time.Duration
	Timezone          string

	SeedFile     string
	Invalidation InvalidationCfg
}

func FromEnv() Config {
	pollBase := getduration("POLL_BASE", 200*time.Millisecond)
	pollMax := getduration("POLL_MAX", 5*time.Second)
	if pollMax < pollBase {
		pollMax = pollBase
	}

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		MetricsAddr:    getenv("METRICS_ADDR", ""),
		DBDriver:       getenv("DB_DRIVER", "sqlite"),
		DBDSN:          getenv("DB_DSN", "dashboard.db"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		Secondary: SecondaryCfg{
			Mode: strings.ToLower(getenv("SECONDARY_CACHE", "lru")),
			Size: getint("SECONDARY_CACHE_SIZE", 1024),
			TTL:  getduration("SECONDARY_CACHE_TTL", 24*time.Hour),

			AdmitThreshold: getfloat("SECONDARY_ADMIT_THRESHOLD", 0),
			HalfLife:       getduration("SECONDARY_ADMIT_HALF_LIFE", 10*time.Minute),
		},

		RemoteTimeout: getduration("REMOTE_TIMEOUT", 30*time.Second),
		PollBase:      pollBase,
		PollMax:       pollMax,
		PollDeadline:  getduration("POLL_DEADLINE", 5*time.Minute),
		PollAttempts:  getint("POLL_ATTEMPTS", 0),

		CronSecret:        getenv("CRON_SECRET", ""),
		SchedulerInterval: getduration("SCHEDULER_INTERVAL", 0),
		Timezone:          getenv("SCHEDULE_TZ", "UTC"),

		SeedFile: getenv("DASHBOARD_SEED", ""),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "dashboard-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "dashboard-cache"),
			Queue:   getint("INVALIDATION_QUEUE", 1024),
		},
	}
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// BrokerList splits the comma-separated broker list.
func (c InvalidationCfg) BrokerList() []string {
	var out []string
	for p := range strings.SplitSeq(c.Brokers, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
