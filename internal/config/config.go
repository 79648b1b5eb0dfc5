// internal/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string

	// DB
	DBHost    string
	DBPort    string
	DBUser    string
	DBPass    string
	DBName    string
	DBSSLMode string

	// Auth
	ServiceExpectedToken string

	// Remote source (system of record)
	SourceAPIURL   string
	SourceAPIToken string

	// Refresh cadence
	RefreshInterval  time.Duration
	FailsafeInterval time.Duration
	LockTTL          time.Duration
	WriteBatchSize   int

	// Attachments
	AttachmentsEnabled  bool
	StorageRoot         string
	DownloadConcurrency int

	// R2 mirror (optional)
	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2BucketName      string
	R2PublicURL       string

	// SMTP alerts (optional)
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPass     string
	SMTPFrom     string
	SMTPFromName string
	AlertEmail   string

	// CORS
	AllowedOrigins string
}

func Load() *Config {
	if os.Getenv("ENV") != "production" {
		_ = godotenv.Load() // optional .env for local
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	smtpPort := 0
	if v := os.Getenv("SMTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("❌ Invalid SMTP_PORT: %v", err)
		}
		smtpPort = p
	}

	return &Config{
		ServerPort: port,

		DBHost:    getEnv("DB_HOST", "localhost"),
		DBPort:    getEnv("DB_PORT", "5432"),
		DBUser:    getEnv("DB_USER", "postgres"),
		DBPass:    getEnv("DB_PASS", "postgres"),
		DBName:    getEnv("DB_NAME", "mirror_db"),
		DBSSLMode: getEnv("DB_SSLMODE", "disable"),

		ServiceExpectedToken: getEnv("SERVICE_TOKEN", "your-secret-service-token"),

		SourceAPIURL:   getEnv("SOURCE_API_URL", "http://localhost:4000"),
		SourceAPIToken: os.Getenv("SOURCE_API_TOKEN"),

		RefreshInterval:  getEnvDuration("REFRESH_INTERVAL", 30*time.Minute),
		FailsafeInterval: getEnvDuration("FAILSAFE_REFRESH_INTERVAL", 24*time.Hour),
		LockTTL:          getEnvDuration("LOCK_TTL", 15*time.Minute),
		WriteBatchSize:   getEnvInt("WRITE_BATCH_SIZE", 50),

		AttachmentsEnabled:  getEnvBool("ATTACHMENTS_ENABLED", true),
		StorageRoot:         getEnv("STORAGE_ROOT", "./data/attachments"),
		DownloadConcurrency: getEnvInt("DOWNLOAD_CONCURRENCY", 5),

		// R2 Configuration
		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
		R2BucketName:      os.Getenv("R2_BUCKET_NAME"),
		R2PublicURL:       os.Getenv("R2_PUBLIC_URL"),

		// SMTP alert configuration (alerts disabled when host is empty)
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     smtpPort,
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPass:     os.Getenv("SMTP_PASS"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		SMTPFromName: "Mirror Service",
		AlertEmail:   os.Getenv("ALERT_EMAIL"),

		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
	}
}

// AlertsEnabled reports whether refresh-failure emails can be sent.
func (c *Config) AlertsEnabled() bool {
	return c.SMTPHost != "" && c.AlertEmail != ""
}

// R2Enabled reports whether downloaded attachments are mirrored to R2.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2BucketName != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("❌ Invalid %s: %v", key, err)
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("❌ Invalid %s: %v", key, err)
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("❌ Invalid %s (expected Go duration, e.g. 30m): %v", key, err)
	}
	return d
}
