package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"syncfm/core/room"

	"github.com/joho/godotenv"
)

// Config stores the server configuration.
type Config struct {
	ListenAddr string

	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// Redis presence mirror
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// EnvFile is the dotenv file Load read from, watched when WatchConfig is set.
	EnvFile     string
	WatchConfig bool

	Policy room.Policy
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// Load reads .env (if present), then the environment, then defaults.
// godotenv.Load never overrides variables that are already set.
func Load() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		EnvFile:       envFile,
		WatchConfig:   getEnvBool("CONFIG_WATCH", false),
		Policy:        loadPolicy(),
	}
}

// loadPolicy applies environment overrides on top of room.DefaultPolicy.
func loadPolicy() room.Policy {
	return policyFrom(os.LookupEnv)
}

func policyFrom(lookup func(string) (string, bool)) room.Policy {
	millis := func(key string, fallback time.Duration) time.Duration {
		if value, ok := lookup(key); ok {
			if ms, err := strconv.Atoi(value); err == nil {
				return time.Duration(ms) * time.Millisecond
			}
		}
		return fallback
	}

	p := room.DefaultPolicy()
	p.PlayLead = millis("PLAY_LEAD_MS", p.PlayLead)
	p.LateJoinLead = millis("LATE_JOIN_LEAD_MS", p.LateJoinLead)
	p.PauseResumeLead = millis("PAUSE_RESUME_LEAD_MS", p.PauseResumeLead)
	p.SeekLead = millis("SEEK_LEAD_MS", p.SeekLead)
	p.MaxStartDelay = millis("MAX_START_DELAY_MS", p.MaxStartDelay)
	p.HandshakeCleanMargin = millis("HANDSHAKE_CLEAN_MARGIN_MS", p.HandshakeCleanMargin)
	p.HandshakeForcedMargin = millis("HANDSHAKE_FORCED_MARGIN_MS", p.HandshakeForcedMargin)
	p.HandshakeFirstCheck = millis("HANDSHAKE_FIRST_CHECK_MS", p.HandshakeFirstCheck)
	p.HandshakeSoftTimeout = millis("HANDSHAKE_SOFT_TIMEOUT_MS", p.HandshakeSoftTimeout)
	p.HandshakeHardTimeout = millis("HANDSHAKE_HARD_TIMEOUT_MS", p.HandshakeHardTimeout)
	p.PlayDebounce = millis("PLAY_DEBOUNCE_MS", p.PlayDebounce)
	p.ResyncThreshold = millis("SERVER_RESYNC_THRESHOLD_MS", p.ResyncThreshold)
	return p
}
