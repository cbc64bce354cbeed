// Package config provides the environment-derived configuration for the
// voicebridge server.
//
// All settings come from environment variables (the deployment targets are
// container platforms where env injection is the norm). [Load] validates the
// full set and returns a joined error listing every problem found, so a
// misconfigured deployment fails fast at startup with a complete report
// instead of dying one variable at a time.
package config

import "time"

// LogLevel controls log verbosity for the voicebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults for optional settings.
const (
	DefaultModel           = "gpt-4o-mini-realtime-preview-2024-12-17"
	DefaultVoice           = "alloy"
	DefaultSpaName         = "Santa Caterina Beauty Farm"
	DefaultSessionHours    = 2
	DefaultMaxCapacity     = 14
	DefaultPort            = 8080
	DefaultToolTimeout     = 15 * time.Second
	DefaultLogLevel        = LogInfo
)

// Config is the root configuration for voicebridge, loaded once at startup
// and treated as an immutable snapshot afterwards.
type Config struct {
	// OpenAIAPIKey authenticates the realtime WebSocket. Required.
	OpenAIAPIKey string

	// OpenAIModel is the realtime model id used for every call session.
	OpenAIModel string

	// Voice is the synthesised voice requested in session.update.
	Voice string

	// BookingStoreURL is the base URL of the booking backend's REST surface.
	// Required.
	BookingStoreURL string

	// BookingStoreKey is the API key sent with every booking RPC. Required.
	BookingStoreKey string

	// DatabaseURL is the PostgreSQL DSN for the conversation-log store.
	// Required.
	DatabaseURL string

	// SpaName is the display name spoken to callers and rendered into the
	// assistant instructions.
	SpaName string

	// SessionDurationHours is the length of one spa session; booking end
	// times are derived from it.
	SessionDurationHours int

	// MaxCapacityPerSlot is rendered into the assistant instructions. The
	// booking store enforces the real capacity limit.
	MaxCapacityPerSlot int

	// Port is the TCP port the HTTP server listens on.
	Port int

	// ExternalHostname is the public hostname used to compose the media
	// WebSocket URL returned to the carrier (wss://<host>/media-stream).
	// Required: the carrier cannot reach us without it.
	ExternalHostname string

	// LogLevel controls slog verbosity.
	LogLevel LogLevel

	// ToolTimeout bounds a single tool dispatch against the booking store.
	ToolTimeout time.Duration

	// AIKeepalive is the interval between no-op commit events sent to the AI
	// while the carrier is silent. Zero disables the keepalive.
	AIKeepalive time.Duration

	// SMS holds the optional carrier REST credentials for booking
	// confirmation texts. The feature is disabled when AccountSID is empty.
	SMS SMSConfig
}

// SMSConfig configures the optional SMS confirmation sender.
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Enabled reports whether SMS confirmations are configured.
func (s SMSConfig) Enabled() bool {
	return s.AccountSID != "" && s.AuthToken != "" && s.FromNumber != ""
}
