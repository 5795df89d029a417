// Package config reads the debate core's environment-driven configuration
// once at startup into a frozen snapshot, passed by reference thereafter.
// Modeled on the teacher's server.Config plus cmd/main.go's env-loading
// sequence (godotenv.Load then os.Getenv with typed defaults).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the immutable snapshot of spec.md §6's environment variables.
// Nothing in the core may mutate a *Config after Load returns it; threshold
// overrides triggered by moderation signals are local scratch copies (see
// internal/arbitration) and never touch this struct.
type Config struct {
	RedisHost string
	RedisPort int

	TopicModeration  string
	TopicResponses   string
	TopicArbitration string

	WSURI string

	HeartbeatInterval time.Duration
	HeartbeatExpiry   time.Duration

	APIURL string
	Model  string

	ConfidenceThreshold float64
	ConsensusThreshold  float64
	MinDebateRounds     int
	MaxDebateRounds     int

	CachingEnabled          bool
	CacheTTL                time.Duration
	TopicExtractionEnabled  bool
	EnableDeadlockDetection bool

	DebateTimeout  time.Duration
	MaxHistorySize int

	// DataDir is where internal/history stores its SQLite-backed
	// arbitration outcome log.
	DataDir string

	LogLevel string

	// Responder role count (R in spec.md); three by default: moderator,
	// arbiter, refiner each publish one response envelope per round.
	Responders int
}

// Load reads a .env file if present (ignored if absent, matching the
// teacher's tolerant startup) and then the process environment into a
// frozen Config. Required per-role model secrets are validated by the
// caller (cmd/debate-agent), not here: this package only owns the shared
// orchestration knobs listed in spec.md §6.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		RedisHost: getString("REDIS_HOST", "localhost"),
		RedisPort: getInt("REDIS_PORT", 6379),

		TopicModeration:  getString("REDIS_CHANNEL_MOD", "moderation_channel"),
		TopicResponses:   getString("REDIS_CHANNEL_RES", "responses_channel"),
		TopicArbitration: getString("REDIS_CHANNEL_ARB", "arbitration_channel"),

		WSURI: getString("WS_URI", "ws://localhost:8000/ws/moderation"),

		HeartbeatInterval: time.Duration(getInt("HEARTBEAT_INTERVAL", 10)) * time.Second,
		HeartbeatExpiry:   time.Duration(getInt("HEARTBEAT_EXPIRY", 15)) * time.Second,

		APIURL: getString("API_URL", "https://api.openai.com/v1/chat/completions"),
		Model:  getString("MODEL", "gpt-4o-mini"),

		ConfidenceThreshold: getFloat("CONFIDENCE_THRESHOLD", 0.25),
		ConsensusThreshold:  getFloat("CONSENSUS_THRESHOLD", 0.15),
		MinDebateRounds:     getInt("MIN_DEBATE_ROUNDS", 2),
		MaxDebateRounds:     getInt("MAX_DEBATE_ROUNDS", 4),

		CachingEnabled:          getBool("CACHING_ENABLED", true),
		CacheTTL:                time.Duration(getInt("CACHE_TTL", 300)) * time.Second,
		TopicExtractionEnabled:  getBool("TOPIC_EXTRACTION_ENABLED", true),
		EnableDeadlockDetection: getBool("ENABLE_DEADLOCK_DETECTION", true),

		DebateTimeout:  time.Duration(getInt("DEBATE_TIMEOUT", 30)) * time.Second,
		MaxHistorySize: getInt("MAX_HISTORY_SIZE", 10),

		DataDir: getString("DATA_DIR", "./data"),

		LogLevel: getString("LOG_LEVEL", "INFO"),

		Responders: 3,
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.ToLower(v) == "true"
}
