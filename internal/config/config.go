package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	CallTimeout    time.Duration
	ResyncInterval time.Duration
	WriteTimeout   time.Duration
	HistorySize    int
	MaxPartySize   int
	TimeZone       string

	RestaurantLat        float64
	RestaurantLng        float64
	GeofenceRadiusMeters float64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheKey      string
	CacheTTL      time.Duration

	NATSURL string

	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string
	NotifyLanguage     string

	AdminUsername     string
	AdminPasswordHash string
	JWTSecret         string
	JWTTTL            time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
}

// LoadDotEnv reads the given env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		LogLevel:    readString("LOG_LEVEL", "info"),
		LogFormat:   readString("LOG_FORMAT", "json"),

		CallTimeout:    readDurationSeconds("CALL_TIMEOUT_SECONDS", 300),
		ResyncInterval: readDurationSeconds("RESYNC_INTERVAL_SECONDS", 30),
		WriteTimeout:   readDurationSeconds("BACKEND_WRITE_TIMEOUT_SECONDS", 5),
		HistorySize:    readInt("HISTORY_SIZE", 50),
		MaxPartySize:   readInt("MAX_PARTY_SIZE", 20),
		TimeZone:       readString("RESTAURANT_TIMEZONE", "UTC"),

		RestaurantLat:        readFloat("RESTAURANT_LAT", 0),
		RestaurantLng:        readFloat("RESTAURANT_LNG", 0),
		GeofenceRadiusMeters: readFloat("GEOFENCE_RADIUS_METERS", 0),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		CacheKey:      readString("SNAPSHOT_CACHE_KEY", "waitlist:snapshot"),
		CacheTTL:      readDurationSeconds("SNAPSHOT_CACHE_TTL_SECONDS", 86400),

		NATSURL: os.Getenv("NATS_URL"),

		NotifyProvider:     readString("NOTIFY_PROVIDER", "log"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		NotifyLanguage:     readString("NOTIFY_LANGUAGE", "id"),

		AdminUsername:     readString("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTTTL:            readDurationSeconds("JWT_TTL_SECONDS", 43200),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

// Location resolves TimeZone, falling back to UTC when it is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
