package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string
	HistoryDBPath string

	NATSURL           string
	NATSSubjectPrefix string

	ListenAddr  string
	MetricsAddr string

	SchoolName    string
	SchoolAddress string
	GeocoderURL   string

	StartDebounce    time.Duration
	StaleAfter       time.Duration
	LivenessInterval time.Duration
	RefreshInterval  time.Duration
	RecalcInterval   time.Duration
	Heartbeat        time.Duration

	MaxAccuracyMeters float64
	MaxSpeedKmh       float64
	MinDistanceMeters float64
	AverageSpeedKmh   float64

	Location *time.Location
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Postgres DSN: prefer DATABASE_URL / PG_DSN, else build from PG* vars.
	// Empty means no Postgres; state is kept in memory only.
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	// SQLite trip archive. Empty falls back to log-only history.
	cfg.HistoryDBPath = getenvDefault("HISTORY_DB_PATH", "vantrack_history.db")

	// NATS is optional; empty disables snapshot/event publication.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "vantrack")

	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.SchoolName = getenvDefault("SCHOOL_NAME", "School")
	cfg.SchoolAddress = os.Getenv("SCHOOL_ADDRESS")
	cfg.GeocoderURL = getenvDefault("GEOCODER_URL", "https://nominatim.openstreetmap.org")

	var err error
	if cfg.StartDebounce, err = durationEnv("START_DEBOUNCE_MS", time.Millisecond, 2000*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = durationEnv("ROUTE_STALE_HOURS", time.Hour, 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LivenessInterval, err = durationEnv("LIVENESS_INTERVAL_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = durationEnv("REFRESH_INTERVAL_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RecalcInterval, err = durationEnv("RECALC_INTERVAL_SEC", time.Second, 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Heartbeat, err = durationEnv("HEARTBEAT_MS", time.Millisecond, 3000*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.MaxAccuracyMeters, err = floatEnv("MAX_ACCURACY_METERS", 100); err != nil {
		return nil, err
	}
	if cfg.MaxSpeedKmh, err = floatEnv("MAX_SPEED_KMH", 120); err != nil {
		return nil, err
	}
	if cfg.MinDistanceMeters, err = floatEnv("MIN_DISTANCE_METERS", 5); err != nil {
		return nil, err
	}
	if cfg.AverageSpeedKmh, err = floatEnv("AVERAGE_SPEED_KMH", 30); err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))

	// Time zone
	tzName := os.Getenv("TZ")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
