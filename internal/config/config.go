package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultDevDatabaseURL = "sqlite://data/n8nadmin.db"

type Common struct {
	DatabaseURL string
	LogLevel    string
	MetricsAddr string
	MasterKey   string
	LicenseKey  string
}

type APIConfig struct {
	Common
	HTTPAddr               string
	JWTSecret              string
	SessionTTL             time.Duration
	ResetTokenTTL          time.Duration
	RemoteTimeout          time.Duration
	RemoteCacheTTL         time.Duration
	HealthLivenessEndpoint string
	SMTP                   SMTPConfig
	AppBaseURL             string
}

type MonitorConfig struct {
	Common
	CheckInterval time.Duration
	RemoteTimeout time.Duration
	BackupDir     string
	SMTP          SMTPConfig
}

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func LoadAPI() (APIConfig, error) {
	common, err := loadCommon()
	if err != nil {
		return APIConfig{}, err
	}

	cfg := APIConfig{
		Common:                 common,
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		SessionTTL:             getDuration("SESSION_TTL", 7*24*time.Hour),
		ResetTokenTTL:          getDuration("RESET_TOKEN_TTL", time.Hour),
		RemoteTimeout:          getDuration("N8N_REMOTE_TIMEOUT", 10*time.Second),
		RemoteCacheTTL:         getDuration("N8N_REMOTE_CACHE_TTL", 30*time.Second),
		HealthLivenessEndpoint: getEnv("HEALTH_LIVENESS_PATH", "/healthz"),
		SMTP:                   loadSMTP(),
		AppBaseURL:             getEnv("APP_BASE_URL", "http://localhost:3000"),
	}

	if cfg.JWTSecret == "" {
		return APIConfig{}, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

func LoadMonitor() (MonitorConfig, error) {
	common, err := loadCommon()
	if err != nil {
		return MonitorConfig{}, err
	}

	cfg := MonitorConfig{
		Common:        common,
		CheckInterval: getDuration("MONITOR_INTERVAL", time.Minute),
		RemoteTimeout: getDuration("N8N_REMOTE_TIMEOUT", 10*time.Second),
		BackupDir:     getEnv("BACKUP_DIR", "data/backups"),
		SMTP:          loadSMTP(),
	}

	return cfg, nil
}

func loadCommon() (Common, error) {
	dbURL := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("CONNECTIONSTRINGS__DATABASE"),
	)
	if dbURL == "" {
		dbURL = defaultDevDatabaseURL
	}

	masterKey := os.Getenv("MASTER_KEY")
	if masterKey == "" {
		return Common{}, errors.New("MASTER_KEY is required")
	}

	common := Common{
		DatabaseURL: dbURL,
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		MasterKey:   masterKey,
		LicenseKey:  os.Getenv("LICENSE_KEY"),
	}

	return common, nil
}

func loadSMTP() SMTPConfig {
	return SMTPConfig{
		Host: os.Getenv("SMTP_HOST"),
		Port: getInt("SMTP_PORT", 587),
		User: os.Getenv("SMTP_USER"),
		Pass: os.Getenv("SMTP_PASS"),
		From: getEnv("SMTP_FROM", "n8nadmin@localhost"),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
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
