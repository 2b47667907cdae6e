package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultSilenceTimeout  = 120 * time.Second
	defaultAckTimeout      = 10 * time.Second
	defaultReaperInterval  = 10 * time.Second
	defaultReconnectDelay  = 5 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultMaxBodyBuffer   = 10 * 1024 * 1024
	defaultMaxWSMessage    = 64 * 1024 * 1024
	defaultRetentionWindow = 5 * time.Minute
)

// Config is the process-wide gateway configuration. Every field can be set
// through a NETSLEUTH_* environment variable; zero-config startup uses the
// defaults above.
type Config struct {
	HTTPAddr  string
	HTTPSAddr string

	// RemoteInspection enables the /.well-known/netsleuth binding endpoint
	// for inbound target connections.
	RemoteInspection bool
	ForwardProxy     bool
	NoForwardedHeader bool

	SilenceTimeout time.Duration
	AckTimeout     time.Duration
	ReaperInterval time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration

	MaxBodyBuffer int64
	MaxWSMessage  int64

	RetentionWindow time.Duration

	StoreDSN    string
	StorePrefix string

	LogLevel   string
	LogWriters []string
	LogFile    string
}

// FromEnv loads the configuration from the environment.
func FromEnv() Config {
	return Config{
		HTTPAddr:          envString("NETSLEUTH_HTTP_ADDR", defaultHTTPAddr),
		HTTPSAddr:         envString("NETSLEUTH_HTTPS_ADDR", ""),
		RemoteInspection:  envBool("NETSLEUTH_REMOTE_INSPECTION", true),
		ForwardProxy:      envBool("NETSLEUTH_FORWARD_PROXY", false),
		NoForwardedHeader: envBool("NETSLEUTH_NO_FORWARDED_HEADER", false),
		SilenceTimeout:    envDuration("NETSLEUTH_SILENCE_TIMEOUT_SECONDS", defaultSilenceTimeout),
		AckTimeout:        envDuration("NETSLEUTH_ACK_TIMEOUT_SECONDS", defaultAckTimeout),
		ReaperInterval:    envDuration("NETSLEUTH_REAPER_INTERVAL_SECONDS", defaultReaperInterval),
		ReconnectDelay:    envDuration("NETSLEUTH_RECONNECT_DELAY_SECONDS", defaultReconnectDelay),
		PingInterval:      envDuration("NETSLEUTH_PING_INTERVAL_SECONDS", defaultPingInterval),
		MaxBodyBuffer:     int64(envInt("NETSLEUTH_MAX_BODY_BUFFER_BYTES", defaultMaxBodyBuffer)),
		MaxWSMessage:      int64(envInt("NETSLEUTH_MAX_WS_MESSAGE_BYTES", defaultMaxWSMessage)),
		RetentionWindow:   envDuration("NETSLEUTH_RETENTION_SECONDS", defaultRetentionWindow),
		StoreDSN:          envString("NETSLEUTH_STORE_DSN", ""),
		StorePrefix:       envString("NETSLEUTH_STORE_PREFIX", "netsleuth_"),
		LogLevel:          envString("NETSLEUTH_LOG_LEVEL", "info"),
		LogWriters:        envList("NETSLEUTH_LOG_WRITERS", []string{"console"}),
		LogFile:           envString("NETSLEUTH_LOG_FILE", ""),
	}
}

func envString(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
