package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultSetupTimeout = 45 * time.Second

// Default STUN servers used when CALL_STUN_SERVERS is not set.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Config holds the application configuration.
type Config struct {
	Identity     string
	PeerIdentity string

	// Exactly one relay transport is used: RelayURL when set, otherwise Redis.
	RelayURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	STUNServers  []string
	SetupTimeout time.Duration
	LogLevel     string
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	identity := os.Getenv("CALL_IDENTITY")
	if identity == "" {
		return nil, fmt.Errorf("CALL_IDENTITY environment variable is required")
	}

	peer := os.Getenv("CALL_PEER")
	if peer == "" {
		return nil, fmt.Errorf("CALL_PEER environment variable is required")
	}
	if peer == identity {
		return nil, fmt.Errorf("CALL_PEER must differ from CALL_IDENTITY")
	}

	cfg := &Config{
		Identity:      identity,
		PeerIdentity:  peer,
		RelayURL:      os.Getenv("CALL_RELAY_URL"),
		RedisAddr:     os.Getenv("CALL_REDIS_ADDR"),
		RedisPassword: os.Getenv("CALL_REDIS_PASSWORD"),
		STUNServers:   defaultSTUNServers,
		SetupTimeout:  defaultSetupTimeout,
		LogLevel:      "info",
	}

	if cfg.RelayURL == "" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("CALL_RELAY_URL or CALL_REDIS_ADDR environment variable is required")
	}

	if v := os.Getenv("CALL_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse CALL_REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}

	if v := os.Getenv("CALL_STUN_SERVERS"); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("CALL_STUN_SERVERS is set but empty")
		}
		cfg.STUNServers = servers
	}

	if v := os.Getenv("CALL_SETUP_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("CALL_SETUP_TIMEOUT must be a positive number of seconds")
		}
		cfg.SetupTimeout = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("CALL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
