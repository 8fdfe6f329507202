package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	SignalURL   string
	UserID      string
	DisplayName string
	Token       string
	APIURL      string
	LogLevel    string
	Timings     Timings
}

// Timings are the call and negotiation timer durations.
type Timings struct {
	// DialTimeout ends an unanswered outgoing call.
	DialTimeout time.Duration
	// RingTimeout expires an unanswered incoming call.
	RingTimeout time.Duration
	// EndGrace is how long an ended session stays visible before idle.
	EndGrace time.Duration
	// DisconnectGrace delays ICE restart after a disconnected state.
	DisconnectGrace time.Duration
	// VideoWatchdog forces an offer when remote video never shows up.
	VideoWatchdog time.Duration
	// MediaCheck forces an offer when local video is missing from the SDP.
	MediaCheck time.Duration
	// GlareRetry is the first delay before replaying an ignored offer.
	GlareRetry time.Duration
	// OfferTimeout rolls back a local offer that was never answered.
	OfferTimeout time.Duration
	// NotifyTimeout bounds each collaborator REST call.
	NotifyTimeout time.Duration
}

// DefaultTimings returns the production timer values.
func DefaultTimings() Timings {
	return Timings{
		DialTimeout:     30 * time.Second,
		RingTimeout:     45 * time.Second,
		EndGrace:        1500 * time.Millisecond,
		DisconnectGrace: 2 * time.Second,
		VideoWatchdog:   1200 * time.Millisecond,
		MediaCheck:      450 * time.Millisecond,
		GlareRetry:      150 * time.Millisecond,
		OfferTimeout:    10 * time.Second,
		NotifyTimeout:   5 * time.Second,
	}
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	signalURL := os.Getenv("DUOCALL_SIGNAL_URL")
	if signalURL == "" {
		return nil, fmt.Errorf("DUOCALL_SIGNAL_URL environment variable is required")
	}

	userID := os.Getenv("DUOCALL_USER_ID")
	if userID == "" {
		return nil, fmt.Errorf("DUOCALL_USER_ID environment variable is required")
	}

	cfg := &Config{
		SignalURL:   signalURL,
		UserID:      userID,
		DisplayName: envOr("DUOCALL_DISPLAY_NAME", userID),
		Token:       os.Getenv("DUOCALL_TOKEN"),
		APIURL:      os.Getenv("DUOCALL_API_URL"),
		LogLevel:    envOr("DUOCALL_LOG_LEVEL", "info"),
		Timings:     DefaultTimings(),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DUOCALL_DIAL_TIMEOUT", &cfg.Timings.DialTimeout},
		{"DUOCALL_RING_TIMEOUT", &cfg.Timings.RingTimeout},
		{"DUOCALL_END_GRACE", &cfg.Timings.EndGrace},
		{"DUOCALL_DISCONNECT_GRACE", &cfg.Timings.DisconnectGrace},
		{"DUOCALL_VIDEO_WATCHDOG", &cfg.Timings.VideoWatchdog},
		{"DUOCALL_MEDIA_CHECK", &cfg.Timings.MediaCheck},
		{"DUOCALL_GLARE_RETRY", &cfg.Timings.GlareRetry},
		{"DUOCALL_OFFER_TIMEOUT", &cfg.Timings.OfferTimeout},
		{"DUOCALL_NOTIFY_TIMEOUT", &cfg.Timings.NotifyTimeout},
	}
	for _, d := range durations {
		raw := os.Getenv(d.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", d.key, raw)
		}
		*d.dst = v
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
