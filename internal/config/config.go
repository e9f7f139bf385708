// Package config loads the call service's runtime configuration from
// environment variables with optional flag overrides, and constructs the
// process logger.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvListenAddr      = "HEARTBEAM_CALLING_LISTEN_ADDR"
	EnvMode            = "HEARTBEAM_CALLING_MODE"
	EnvLogFormat       = "HEARTBEAM_CALLING_LOG_FORMAT"
	EnvLogLevel        = "HEARTBEAM_CALLING_LOG_LEVEL"
	EnvShutdownTimeout = "HEARTBEAM_CALLING_SHUTDOWN_TIMEOUT"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"

	EnvAuthMode  = "AUTH_MODE"
	EnvAPIKey    = "API_KEY"
	EnvJWTSecret = "JWT_SECRET"

	// Signaling WebSocket hardening.
	EnvSignalingAuthTimeout    = "SIGNALING_AUTH_TIMEOUT"
	EnvSignalingIdleTimeout    = "SIGNALING_IDLE_TIMEOUT"
	EnvSignalingPingInterval   = "SIGNALING_PING_INTERVAL"
	EnvMaxSignalMessageBytes   = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalMessagesPerSec = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Call lifecycle knobs.
	EnvRingTimeout = "CALL_RING_TIMEOUT"

	// Call record store / notification fan-out.
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"

	// TURN REST credential minting for /webrtc/ice.
	EnvTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

const (
	DefaultListenAddr      = "127.0.0.1:8443"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 10 * time.Second

	DefaultAuthMode = AuthModeJWT

	DefaultSignalingAuthTimeout    = 2 * time.Second
	DefaultSignalingIdleTimeout    = 60 * time.Second
	DefaultSignalingPingInterval   = 20 * time.Second
	DefaultMaxSignalMessageBytes   = 64 * 1024
	DefaultMaxSignalMessagesPerSec = 50

	DefaultRingTimeout = 30 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "heartbeam"
)

type TURNRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

// Enabled reports whether TURN REST credential injection is configured.
func (c TURNRESTConfig) Enabled() bool { return c.SharedSecret != "" }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis-backed store/notifier should be used.
// When disabled the service falls back to in-memory implementations
// (single-node dev only).
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AllowedOrigins []string

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingAuthTimeout    time.Duration
	SignalingIdleTimeout    time.Duration
	SignalingPingInterval   time.Duration
	MaxSignalMessageBytes   int64
	MaxSignalMessagesPerSec int

	RingTimeout time.Duration

	ICEServers ICEServers
	TURNREST   TURNRESTConfig
	Redis      RedisConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load is the testable seam: lookup replaces os.LookupEnv, args replaces
// os.Args[1:]. Flags override env, env overrides defaults.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode := string(DefaultMode)
	if raw, ok := lookup(EnvMode); ok && strings.TrimSpace(raw) != "" {
		mode = strings.TrimSpace(raw)
	}

	logFormat := envOrDefault(lookup, EnvLogFormat, defaultLogFormatForMode(mode))
	logLevel := envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(mode))

	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	allowedOrigins := envOrDefault(lookup, EnvAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	authMode := envOrDefault(lookup, EnvAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, EnvAPIKey, "")
	jwtSecret := envOrDefault(lookup, EnvJWTSecret, "")

	signalingAuthTimeout, err := envDurationOrDefault(lookup, EnvSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingIdleTimeout, err := envDurationOrDefault(lookup, EnvSignalingIdleTimeout, DefaultSignalingIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingPingInterval, err := envDurationOrDefault(lookup, EnvSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalMessageBytes, err := envIntOrDefault(lookup, EnvMaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalMessagesPerSec, err := envIntOrDefault(lookup, EnvMaxSignalMessagesPerSec, DefaultMaxSignalMessagesPerSec)
	if err != nil {
		return Config{}, err
	}

	ringTimeout, err := envDurationOrDefault(lookup, EnvRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, EnvICEServersJSON, "")
	stunURLs := envOrDefault(lookup, EnvSTUNURLs, "")
	turnURLs := envOrDefault(lookup, EnvTURNURLs, "")
	turnUsername := envOrDefault(lookup, EnvTURNUsername, "")
	turnCredential := envOrDefault(lookup, EnvTURNCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, EnvTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(EnvTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	redisAddr := envOrDefault(lookup, EnvRedisAddr, "")
	redisPassword := envOrDefault(lookup, EnvRedisPassword, "")
	redisDB, err := envIntOrDefault(lookup, EnvRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("heartbeam-calling", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address ("+EnvListenAddr+")")
	fs.StringVar(&mode, "mode", mode, "dev or prod ("+EnvMode+")")
	fs.StringVar(&logFormat, "log-format", logFormat, "text or json ("+EnvLogFormat+")")
	fs.StringVar(&logLevel, "log-level", logLevel, "debug, info, warn or error ("+EnvLogLevel+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "comma-separated origin allow list ("+EnvAllowedOrigins+")")
	fs.StringVar(&authMode, "auth-mode", authMode, "none, api_key or jwt ("+EnvAuthMode+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "advisory no-answer timeout ("+EnvRingTimeout+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for call records and notifications ("+EnvRedisAddr+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(allowedOrigins),
		APIKey:          apiKey,
		JWTSecret:       jwtSecret,

		SignalingAuthTimeout:    signalingAuthTimeout,
		SignalingIdleTimeout:    signalingIdleTimeout,
		SignalingPingInterval:   signalingPingInterval,
		MaxSignalMessageBytes:   int64(maxSignalMessageBytes),
		MaxSignalMessagesPerSec: maxSignalMessagesPerSec,

		RingTimeout: ringTimeout,

		TURNREST: TURNRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
		Redis: RedisConfig{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		},
	}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeDev), "development":
		cfg.Mode = ModeDev
	case string(ModeProd), "production":
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev or prod)", EnvMode, mode)
	}

	switch strings.ToLower(strings.TrimSpace(logFormat)) {
	case string(LogFormatText):
		cfg.LogFormat = LogFormatText
	case string(LogFormatJSON):
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", EnvLogFormat, logFormat)
	}

	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return Config{}, fmt.Errorf("invalid %s %q", EnvLogLevel, logLevel)
	}

	switch strings.ToLower(strings.TrimSpace(authMode)) {
	case string(AuthModeNone):
		cfg.AuthMode = AuthModeNone
	case string(AuthModeAPIKey):
		cfg.AuthMode = AuthModeAPIKey
	case string(AuthModeJWT):
		cfg.AuthMode = AuthModeJWT
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want none, api_key or jwt)", EnvAuthMode, authMode)
	}
	if cfg.AuthMode == AuthModeAPIKey && cfg.APIKey == "" {
		return Config{}, fmt.Errorf("%s=api_key requires %s", EnvAuthMode, EnvAPIKey)
	}
	if cfg.AuthMode == AuthModeJWT && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s=jwt requires %s", EnvAuthMode, EnvJWTSecret)
	}

	if cfg.MaxSignalMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", EnvMaxSignalMessageBytes)
	}
	if cfg.MaxSignalMessagesPerSec <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", EnvMaxSignalMessagesPerSec)
	}
	if cfg.RingTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", EnvRingTimeout)
	}
	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", EnvTURNRESTTTLSeconds)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
