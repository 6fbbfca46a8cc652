package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

const (
	DefaultPort = 24680
	DefaultPath = "/rt"
)

// Config is read from the environment; a .env file in the working directory
// is loaded first when present.
type Config struct {
	Host     string
	Port     int
	Path     string
	LogLevel log.Level

	SweepInterval time.Duration
	PresenceTTL   time.Duration

	// client side
	RelayURL string
	DataDir  string
	Nickname string
}

func Load() (Config, error) {
	// missing .env is fine
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset keys.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Config{
		Host:     strings.TrimSpace(getenv("RT_HOST")),
		Port:     DefaultPort,
		Path:     DefaultPath,
		LogLevel: log.LevelInfo,
		DataDir:  getenv("VOICE_DATA_DIR"),
		Nickname: strings.TrimSpace(getenv("VOICE_NICKNAME")),
	}

	if s := strings.TrimSpace(getenv("RT_PORT")); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil || p <= 0 || p > 65535 {
			return c, fmt.Errorf("RT_PORT %q: invalid port", s)
		}
		c.Port = p
	}
	if s := strings.TrimSpace(getenv("RT_PATH")); s != "" {
		if !strings.HasPrefix(s, "/") {
			s = "/" + s
		}
		c.Path = s
	}
	lvl, err := parseLevel(getenv("RT_LOG_LEVEL"))
	if err != nil {
		return c, err
	}
	c.LogLevel = lvl

	if c.SweepInterval, err = parseDuration(getenv, "RT_SWEEP_INTERVAL"); err != nil {
		return c, err
	}
	if c.PresenceTTL, err = parseDuration(getenv, "RT_PRESENCE_TTL"); err != nil {
		return c, err
	}

	c.RelayURL = strings.TrimSpace(getenv("RT_URL"))
	if c.RelayURL == "" {
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		c.RelayURL = fmt.Sprintf("ws://%s:%d%s", host, c.Port, c.Path)
	}
	return c, nil
}

// Addr is the relay listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return log.LevelInfo, nil
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	default:
		return log.LevelInfo, fmt.Errorf("RT_LOG_LEVEL %q: unknown level", s)
	}
}

// parseDuration returns zero for an unset key so callers keep their defaults.
func parseDuration(getenv func(string) string, key string) (time.Duration, error) {
	s := strings.TrimSpace(getenv(key))
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s %q: invalid duration", key, s)
	}
	return d, nil
}
