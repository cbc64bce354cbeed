package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// requiredVars are the environment variables without which the server cannot
// operate. Their absence aborts startup.
var requiredVars = []string{
	"OPENAI_API_KEY",
	"BOOKING_STORE_URL",
	"BOOKING_STORE_KEY",
	"DATABASE_URL",
	"EXTERNAL_HOSTNAME",
}

// Load reads the configuration from the process environment and validates it.
// It is a convenience wrapper around [LoadFromEnv].
func Load() (*Config, error) {
	return LoadFromEnv(os.Getenv)
}

// LoadFromEnv builds a [Config] using getenv as the variable source. Useful in
// tests where the environment is simulated with a map lookup.
//
// The returned error joins every validation failure found.
func LoadFromEnv(getenv func(string) string) (*Config, error) {
	var errs []error

	for _, name := range requiredVars {
		if getenv(name) == "" {
			errs = append(errs, fmt.Errorf("config: %s is required", name))
		}
	}

	cfg := &Config{
		OpenAIAPIKey:     getenv("OPENAI_API_KEY"),
		OpenAIModel:      orDefault(getenv("OPENAI_MODEL"), DefaultModel),
		Voice:            orDefault(getenv("VOICE"), DefaultVoice),
		BookingStoreURL:  getenv("BOOKING_STORE_URL"),
		BookingStoreKey:  getenv("BOOKING_STORE_KEY"),
		DatabaseURL:      getenv("DATABASE_URL"),
		SpaName:          orDefault(getenv("SPA_NAME"), DefaultSpaName),
		ExternalHostname: getenv("EXTERNAL_HOSTNAME"),
		LogLevel:         LogLevel(orDefault(getenv("LOG_LEVEL"), string(DefaultLogLevel))),
		SMS: SMSConfig{
			AccountSID: getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:  getenv("TWILIO_AUTH_TOKEN"),
			FromNumber: getenv("TWILIO_PHONE_NUMBER"),
		},
	}

	var err error
	if cfg.SessionDurationHours, err = intVar(getenv, "SESSION_DURATION_HOURS", DefaultSessionHours); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxCapacityPerSlot, err = intVar(getenv, "MAX_CAPACITY_PER_SLOT", DefaultMaxCapacity); err != nil {
		errs = append(errs, err)
	}
	if cfg.Port, err = intVar(getenv, "PORT", DefaultPort); err != nil {
		errs = append(errs, err)
	}

	toolSeconds, err := intVar(getenv, "TOOL_TIMEOUT_SECONDS", int(DefaultToolTimeout/time.Second))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ToolTimeout = time.Duration(toolSeconds) * time.Second

	keepaliveSeconds, err := intVar(getenv, "AI_KEEPALIVE_SECONDS", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AIKeepalive = time.Duration(keepaliveSeconds) * time.Second

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.SessionDurationHours <= 0 {
		errs = append(errs, fmt.Errorf("config: SESSION_DURATION_HOURS must be positive, got %d", cfg.SessionDurationHours))
	}
	if cfg.MaxCapacityPerSlot <= 0 {
		errs = append(errs, fmt.Errorf("config: MAX_CAPACITY_PER_SLOT must be positive, got %d", cfg.MaxCapacityPerSlot))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %d is out of range", cfg.Port))
	}
	if cfg.ToolTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: TOOL_TIMEOUT_SECONDS must be positive"))
	}
	if cfg.AIKeepalive < 0 {
		errs = append(errs, fmt.Errorf("config: AI_KEEPALIVE_SECONDS must not be negative"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// intVar parses an integer environment variable, falling back to def when the
// variable is unset.
func intVar(getenv func(string) string, name string, def int) (int, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q is not an integer", name, raw)
	}
	return v, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
