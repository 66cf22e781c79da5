package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	FundBotToken string
	ModBotToken  string
	AdminIDs     []int64

	LogLevel string
	LogFile  string

	StatusAddr      string
	StatusAllowedIP []string

	// Defaults written to the settings table when a key is missing.
	DefaultMemberPrice    int64
	DefaultReferralReward int64
	DefaultVIPPrice       int64

	FundingWorkers   int
	AddMemberDelay   time.Duration
	PaceMin          time.Duration
	PaceMax          time.Duration
	BroadcastPerSec  float64
	TrialDays        int
	MaxFreeChannels  int
	MaxVIPChannels   int
	SessionTTL       time.Duration
	ExpiryCheckEvery time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "fundbot"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		FundBotToken: getEnv("FUND_BOT_TOKEN", ""),
		ModBotToken:  getEnv("MOD_BOT_TOKEN", ""),
		AdminIDs:     parseIDs(getEnv("ADMIN_IDS", "")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		StatusAddr:      getEnv("STATUS_ADDR", ":8080"),
		StatusAllowedIP: splitList(getEnv("STATUS_ALLOWED_CIDRS", "127.0.0.0/8,::1/128")),

		DefaultMemberPrice:    int64(getEnvInt("MEMBER_PRICE", 8)),
		DefaultReferralReward: int64(getEnvInt("REFERRAL_REWARD", 10)),
		DefaultVIPPrice:       int64(getEnvInt("VIP_PRICE", 25)),

		FundingWorkers:   getEnvInt("FUNDING_WORKERS", 4),
		AddMemberDelay:   getEnvDuration("ADD_MEMBER_DELAY", time.Second),
		PaceMin:          getEnvDuration("PACE_MIN", 2*time.Second),
		PaceMax:          getEnvDuration("PACE_MAX", 5*time.Second),
		BroadcastPerSec:  float64(getEnvInt("BROADCAST_PER_SEC", 20)),
		TrialDays:        getEnvInt("TRIAL_DAYS", 14),
		MaxFreeChannels:  getEnvInt("MAX_FREE_CHANNELS", 2),
		MaxVIPChannels:   getEnvInt("MAX_VIP_CHANNELS", 10),
		SessionTTL:       getEnvDuration("SESSION_TTL", 30*time.Minute),
		ExpiryCheckEvery: getEnvDuration("EXPIRY_CHECK_EVERY", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Invalid duration for %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(s string) []int64 {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("Skipping invalid admin id %q", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
