package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv         string
	Port           string
	AllowedOrigins string

	DatabaseURL string
	RedisURL    string

	MeiliSearchHost string
	MeiliMasterKey  string

	JWTSecret     string
	JWTTTLMinutes int

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadPreset string
	CloudinaryUploadFolder string

	// Upload pipeline knobs. MaxFileBytes is the hard ceiling for any
	// attachment; DirectUploadThreshold is the cutover between the direct
	// (signed, client-to-store) and chunked (through this server) strategies.
	MaxFileBytes          int64
	DirectUploadThreshold int64
	UploadChunkSize       int64
	UploadTimeout         time.Duration

	RateLimitUpload time.Duration
	RateLimitGist   time.Duration
}

func Load() (*Config, error) {
	// Don't fail if .env doesn't exist (might be prod env vars)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		MeiliSearchHost: getEnv("MEILISEARCH_HOST", "http://localhost:7700"),
		MeiliMasterKey:  os.Getenv("MEILI_MASTER_KEY"),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),

		CloudinaryCloudName:    os.Getenv("CLOUDINARY_CLOUD_NAME"),
		CloudinaryAPIKey:       os.Getenv("CLOUDINARY_API_KEY"),
		CloudinaryAPISecret:    os.Getenv("CLOUDINARY_API_SECRET"),
		CloudinaryUploadPreset: getEnv("CLOUDINARY_UPLOAD_PRESET", "ml_default"),
		CloudinaryUploadFolder: getEnv("CLOUDINARY_UPLOAD_FOLDER", "gist-files"),
	}

	var err error
	cfg.JWTTTLMinutes, err = parseInt(getEnv("JWT_TTL_MINUTES", "1440"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_TTL_MINUTES: %w", err)
	}

	cfg.MaxFileBytes, err = parseBytes(getEnv("MAX_FILE_BYTES", "104857600")) // 100 MB
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_FILE_BYTES: %w", err)
	}
	cfg.DirectUploadThreshold, err = parseBytes(getEnv("DIRECT_UPLOAD_THRESHOLD", "8388608")) // 8 MB
	if err != nil {
		return nil, fmt.Errorf("invalid DIRECT_UPLOAD_THRESHOLD: %w", err)
	}
	cfg.UploadChunkSize, err = parseBytes(getEnv("UPLOAD_CHUNK_SIZE", "20971520")) // 20 MB
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_CHUNK_SIZE: %w", err)
	}

	cfg.UploadTimeout, err = time.ParseDuration(getEnv("UPLOAD_TIMEOUT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_TIMEOUT: %w", err)
	}
	cfg.RateLimitUpload, err = time.ParseDuration(getEnv("RATE_LIMIT_UPLOAD", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_UPLOAD: %w", err)
	}
	cfg.RateLimitGist, err = time.ParseDuration(getEnv("RATE_LIMIT_GIST", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_GIST: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func parseBytes(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
