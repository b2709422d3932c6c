package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
// It follows the 12-factor app methodology by prioritizing environment variables.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Call     CallConfig
	Storage  StorageConfig
	Keystore KeystoreConfig
}

type ServerConfig struct {
	Port        string
	Environment string
	JWTSecret   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CallConfig struct {
	// ICEServers are the STUN/TURN URLs handed to every peer transport.
	ICEServers []string
}

type StorageConfig struct {
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
	PresignTTL time.Duration
	// BlobCacheDir holds decrypted attachment blobs on the local device.
	BlobCacheDir string
}

type KeystoreConfig struct {
	Dir        string
	Passphrase string
}

// LoadConfig loads configuration from environment variables.
// Defaults can be set here if needed.
func LoadConfig() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Environment: getEnv("APP_ENV", "development"),
			JWTSecret:   getEnv("JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Call: CallConfig{
			ICEServers: getEnvAsSlice("ICE_SERVERS", []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			}),
		},
		Storage: StorageConfig{
			Region:       getEnv("S3_REGION", ""),
			Bucket:       getEnv("S3_BUCKET", ""),
			AccessKey:    getEnv("S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("S3_SECRET_KEY", ""),
			Endpoint:     getEnv("S3_ENDPOINT", ""),
			PublicBase:   getEnv("S3_PUBLIC_BASE", ""),
			PresignTTL:   time.Duration(getEnvAsInt("S3_PRESIGN_TTL_SECONDS", 900)) * time.Second,
			BlobCacheDir: getEnv("BLOB_CACHE_DIR", ""),
		},
		Keystore: KeystoreConfig{
			Dir:        getEnv("KEYSTORE_DIR", ".zychat/keys"),
			Passphrase: getEnv("KEYSTORE_PASSPHRASE", ""),
		},
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsSlice(key string, fallback []string) []string {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	parts := strings.Split(strValue, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
