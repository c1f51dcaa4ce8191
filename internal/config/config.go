package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // Tariff time zones must resolve without a system zoneinfo

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Maps     MapsConfig
	NewRelic NewRelicConfig
	Log      LogConfig
	Intake   IntakeConfig
	Drivers  DriverConfig
	Locks    LockConfig
	Fares    FareConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig holds the event bus configuration.
// An empty URL disables the broker and events are only logged.
type RabbitMQConfig struct {
	URL              string
	Exchange         string
	AssignmentQueue  string
	PublishQueueSize int
}

// MapsConfig holds the geocoding/routing provider configuration.
// Without an API key, routes fall back to straight-line estimates.
type MapsConfig struct {
	APIKey   string
	Language string
	Region   string
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  slog.Level
	Format string // text or json
}

// IntakeConfig holds rider intake settings.
type IntakeConfig struct {
	SessionTTL      time.Duration
	AverageSpeedKmh float64
}

// DriverConfig holds driver tracking settings.
type DriverConfig struct {
	// LocationMaxAge hides drivers from nearby searches once their last
	// position report is older than this.
	LocationMaxAge time.Duration
}

// LockConfig holds distributed per-trip lock settings.
type LockConfig struct {
	Distributed bool
	TTL         time.Duration
}

// FareConfig is the tariff used by the fare calculator.
type FareConfig struct {
	BaseFareFirst5Km     float64 `yaml:"base_fare_first_5km"`
	FarePerKmAfter5      float64 `yaml:"fare_per_km_after_5"`
	PickupFreeDistanceKm float64 `yaml:"pickup_free_distance_km"`
	PickupFarePerKm      float64 `yaml:"pickup_fare_per_km"`
	NightFee             float64 `yaml:"night_fee"`
	NightStartHour       int     `yaml:"night_start_hour"`
	NightEndHour         int     `yaml:"night_end_hour"`
	WaitingFreeMinutes   float64 `yaml:"waiting_free_minutes"`
	WaitingFarePerMinute float64 `yaml:"waiting_fare_per_minute"`
	Currency             string  `yaml:"currency"`
	Timezone             string  `yaml:"timezone"`

	location *time.Location
}

// DefaultFareConfig returns the stock tariff.
func DefaultFareConfig() FareConfig {
	return FareConfig{
		BaseFareFirst5Km:     10.0,
		FarePerKmAfter5:      1.0,
		PickupFreeDistanceKm: 5.0,
		PickupFarePerKm:      0.5,
		NightFee:             5.0,
		NightStartHour:       23,
		NightEndHour:         6,
		WaitingFreeMinutes:   5,
		WaitingFarePerMinute: 0.25,
		Currency:             "EUR",
		Timezone:             "Europe/Berlin",
	}
}

// Location returns the tariff time zone, UTC if unset.
func (f FareConfig) Location() *time.Location {
	if f.location != nil {
		return f.location
	}
	return time.UTC
}

// IsNight reports whether t falls inside the night window of the tariff.
// Windows may wrap midnight (23 -> 6) or not (1 -> 5).
func (f FareConfig) IsNight(t time.Time) bool {
	hour := t.In(f.Location()).Hour()
	start, end := f.NightStartHour, f.NightEndHour
	switch {
	case start == end:
		return false
	case start > end:
		return hour >= start || hour < end
	default:
		return hour >= start && hour < end
	}
}

// Validate checks the tariff and resolves its time zone.
func (f *FareConfig) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"base_fare_first_5km":     f.BaseFareFirst5Km,
		"fare_per_km_after_5":     f.FarePerKmAfter5,
		"pickup_free_distance_km": f.PickupFreeDistanceKm,
		"pickup_fare_per_km":      f.PickupFarePerKm,
		"night_fee":               f.NightFee,
		"waiting_free_minutes":    f.WaitingFreeMinutes,
		"waiting_fare_per_minute": f.WaitingFarePerMinute,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if f.NightStartHour < 0 || f.NightStartHour > 23 || f.NightEndHour < 0 || f.NightEndHour > 23 {
		errs = append(errs, errors.New("night hours must be within 0..23"))
	}
	if f.Currency == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if f.Timezone != "" {
		loc, err := time.LoadLocation(f.Timezone)
		if err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		} else {
			f.location = loc
		}
	}
	return errors.Join(errs...)
}

// Load loads configuration from environment variables. A .env file in the
// working directory is applied first; variables already set take precedence.
func Load() (*Config, error) {
	fares, err := LoadFares()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "ridecore"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 50),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			Exchange:         getEnv("RABBITMQ_EXCHANGE", "taxi.events"),
			AssignmentQueue:  getEnv("RABBITMQ_ASSIGNMENT_QUEUE", "ridecore.driver_assigned"),
			PublishQueueSize: getIntEnv("EVENT_QUEUE_SIZE", 1024),
		},
		Maps: MapsConfig{
			APIKey:   getEnv("GOOGLE_MAPS_API_KEY", ""),
			Language: getEnv("GEOCODING_LANGUAGE", "en"),
			Region:   getEnv("GEOCODING_REGION", ""),
		},
		NewRelic: NewRelicConfig{
			AppName:    getEnv("NEW_RELIC_APP_NAME", "ridecore"),
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			Enabled:    getBoolEnv("NEW_RELIC_ENABLED", false),
		},
		Log: LogConfig{
			Level:  getLevelEnv("LOG_LEVEL", slog.LevelInfo),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Intake: IntakeConfig{
			SessionTTL:      getDurationEnv("INTAKE_SESSION_TTL", 30*time.Minute),
			AverageSpeedKmh: getFloatEnv("AVERAGE_SPEED_KMH", 30),
		},
		Drivers: DriverConfig{
			LocationMaxAge: getDurationEnv("DRIVER_LOCATION_MAX_AGE", 2*time.Minute),
		},
		Locks: LockConfig{
			Distributed: getBoolEnv("TRIP_LOCK_DISTRIBUTED", true),
			TTL:         getDurationEnv("TRIP_LOCK_TTL", 5*time.Second),
		},
		Fares: fares,
	}, nil
}

var dotenv = sync.OnceValue(func() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
})

// LoadFares builds the tariff from defaults, then FARES_FILE (YAML), then env overrides.
func LoadFares() (FareConfig, error) {
	if err := dotenv(); err != nil {
		return FareConfig{}, fmt.Errorf("load .env: %w", err)
	}

	fares := DefaultFareConfig()

	if path := os.Getenv("FARES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return FareConfig{}, fmt.Errorf("read fares file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fares); err != nil {
			return FareConfig{}, fmt.Errorf("parse fares file %s: %w", path, err)
		}
	}

	fares.BaseFareFirst5Km = getFloatEnv("BASE_FARE_FIRST_5KM", fares.BaseFareFirst5Km)
	fares.FarePerKmAfter5 = getFloatEnv("FARE_PER_KM_AFTER_5", fares.FarePerKmAfter5)
	fares.PickupFreeDistanceKm = getFloatEnv("PICKUP_FREE_DISTANCE_KM", fares.PickupFreeDistanceKm)
	fares.PickupFarePerKm = getFloatEnv("PICKUP_FARE_PER_KM", fares.PickupFarePerKm)
	fares.NightFee = getFloatEnv("NIGHT_FEE", fares.NightFee)
	fares.NightStartHour = getIntEnv("NIGHT_START_HOUR", fares.NightStartHour)
	fares.NightEndHour = getIntEnv("NIGHT_END_HOUR", fares.NightEndHour)
	fares.WaitingFreeMinutes = getFloatEnv("WAITING_FREE_MINUTES", fares.WaitingFreeMinutes)
	fares.WaitingFarePerMinute = getFloatEnv("WAITING_FARE_PER_MINUTE", fares.WaitingFarePerMinute)
	fares.Currency = getEnv("CURRENCY", fares.Currency)
	fares.Timezone = getEnv("FARE_TIMEZONE", fares.Timezone)

	if err := fares.Validate(); err != nil {
		return FareConfig{}, fmt.Errorf("invalid fare config: %w", err)
	}
	return fares, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getLevelEnv(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.ToUpper(value))); err == nil {
			return level
		}
	}
	return defaultValue
}
