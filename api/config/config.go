package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	BindAddr    string
	DatabaseURL string // empty runs without persistence
	UIDir       string

	DockerBinary string
	PublishAddr  string // host address published ports bind to
	ProbeHost    string // where published ports are reachable from the server

	StepTimeout     time.Duration
	CleanupTimeout  time.Duration
	ShutdownTimeout time.Duration // how long in-flight runs get to tear down on exit

	JanitorSchedule string
	JanitorTTL      time.Duration
	WatchInterval   time.Duration // how often managed containers are checked for exits

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string
	S3UseSSL    bool

	APIToken       string
	JWTSecret      string
	AllowedOrigins []string

	BrowserEngine string // chromium, firefox, webkit; empty disables browser checks
	BrowserPath   string // optional browser executable instead of the bundled one
}

func Load() *Config {
	return &Config{
		Port:        envOr("SKIFF_PORT", "8900"),
		BindAddr:    envOr("SKIFF_BIND_ADDR", "127.0.0.1"),
		DatabaseURL: os.Getenv("SKIFF_DATABASE_URL"),
		UIDir:       os.Getenv("SKIFF_UI_DIR"),

		DockerBinary: envOr("SKIFF_DOCKER", "docker"),
		PublishAddr:  envOr("SKIFF_PUBLISH_ADDR", "127.0.0.1"),
		ProbeHost:    envOr("SKIFF_PROBE_HOST", "127.0.0.1"),

		StepTimeout:     durationOr("SKIFF_STEP_TIMEOUT", 120*time.Second),
		CleanupTimeout:  durationOr("SKIFF_CLEANUP_TIMEOUT", 30*time.Second),
		ShutdownTimeout: durationOr("SKIFF_SHUTDOWN_TIMEOUT", 45*time.Second),

		JanitorSchedule: envOr("SKIFF_JANITOR_SCHEDULE", "@every 10m"),
		JanitorTTL:      durationOr("SKIFF_JANITOR_TTL", 2*time.Hour),
		WatchInterval:   durationOr("SKIFF_WATCH_INTERVAL", 30*time.Second),

		S3Endpoint:  os.Getenv("SKIFF_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("SKIFF_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("SKIFF_S3_SECRET_KEY"),
		S3Region:    os.Getenv("SKIFF_S3_REGION"),
		S3Bucket:    envOr("SKIFF_S3_BUCKET", "skiff-artifacts"),
		S3UseSSL:    boolOr("SKIFF_S3_USE_SSL", false),

		APIToken:       os.Getenv("SKIFF_API_TOKEN"),
		JWTSecret:      os.Getenv("SKIFF_JWT_SECRET"),
		AllowedOrigins: origins(os.Getenv("SKIFF_ALLOWED_ORIGINS")),

		BrowserEngine: os.Getenv("SKIFF_BROWSER"),
		BrowserPath:   os.Getenv("SKIFF_BROWSER_PATH"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// durationOr reads "90s"-style values or a bare number of seconds.
func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func boolOr(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

// origins always allows the local dev servers plus any configured extras.
func origins(extra string) []string {
	out := []string{"http://localhost:5173", "http://localhost:3000"}
	for _, o := range strings.Split(extra, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
