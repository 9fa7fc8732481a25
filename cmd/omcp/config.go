package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// config holds the settings shared by every command. Values come from the environment,
// optionally loaded from a .env file, and are overridden by flags.
type config struct {
	// Server is the URL of the SSE stream. ENV: OMCP_SERVER
	Server string `env:"OMCP_SERVER"`
	// Bearer token sent as Authorization header. ENV: OMCP_BEARER
	Bearer string `env:"OMCP_BEARER"`
	// Headers as comma-separated name=value pairs. ENV: OMCP_HEADERS
	Headers string `env:"OMCP_HEADERS"`
	// Command runs a stdio provider instead of connecting to Server. ENV: OMCP_COMMAND
	Command string `env:"OMCP_COMMAND"`
	// ReconnectDelay between attempts to reopen a dropped stream. ENV: OMCP_RECONNECT_DELAY
	ReconnectDelay time.Duration `env:"OMCP_RECONNECT_DELAY,default=1s"`
	// LogLevel is one of debug, info, warn or error. ENV: OMCP_LOG_LEVEL
	LogLevel string `env:"OMCP_LOG_LEVEL,default=info"`
}

// loadConfig reads .env if present, then decodes the environment.
func loadConfig() (config, error) {
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}

// headers parses Headers into name/value pairs.
func (c config) headers() ([][2]string, error) {
	if strings.TrimSpace(c.Headers) == "" {
		return nil, nil
	}

	var pairs [][2]string
	for _, kv := range strings.Split(c.Headers, ",") {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected name=value", kv)
		}
		pairs = append(pairs, [2]string{name, strings.TrimSpace(value)})
	}
	return pairs, nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// setupLogger installs a tint handler writing to w as the default logger.
func setupLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "[15:04:05.000]",
	})))
}
