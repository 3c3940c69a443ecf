package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	modeSSE       = "sse"
	modeStateless = "stateless"
	modeStateful  = "stateful"
)

// Config is read from the environment first; command line flags override
// it.
type Config struct {
	Addr             string        `env:"MCP_ADDR,default=127.0.0.1:3000"`
	Mode             string        `env:"MCP_MODE,default=stateful"`
	Endpoint         string        `env:"MCP_ENDPOINT,default=/mcp"`
	SSEEndpoint      string        `env:"MCP_SSE_ENDPOINT,default=/sse"`
	MessagesEndpoint string        `env:"MCP_MESSAGES_ENDPOINT,default=/messages"`
	KeepAlive        time.Duration `env:"MCP_KEEPALIVE,default=15s"`
	JSONResponse     bool          `env:"MCP_JSON_RESPONSE"`
	ShutdownTimeout  time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s"`

	// OIDCIssuer enables bearer verification on the streamable endpoint.
	OIDCIssuer string `env:"OIDC_ISSUER"`
	Audience   string `env:"MCP_AUDIENCE"`
	// PublicURL is the externally visible endpoint URL advertised in
	// protected resource metadata.
	PublicURL string `env:"MCP_PUBLIC_URL"`

	RedisMirror bool `env:"MCP_REDIS_MIRROR"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogJSON  bool   `env:"LOG_JSON"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Mode {
	case modeSSE, modeStateless, modeStateful:
	default:
		return fmt.Errorf("unknown mode %q: want one of %s, %s, %s", c.Mode, modeSSE, modeStateless, modeStateful)
	}
	if c.OIDCIssuer != "" && c.Mode == modeSSE {
		return errors.New("bearer verification is not available in sse mode")
	}
	if c.OIDCIssuer != "" && c.Audience == "" {
		return errors.New("an audience is required with an OIDC issuer")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
