package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfigSettings identifies an AWS AppConfig configuration profile.
type AppConfigSettings struct {
	ApplicationID string
	EnvironmentID string
	ProfileID     string
	PollInterval  time.Duration
}

// Env holds process settings taken from environment variables.
type Env struct {
	TargetConfig  string
	PollInterval  time.Duration
	UseAppConfig  bool
	AppConfig     AppConfigSettings
	MetricsListen string
}

// FromEnv reads the environment, falling back to defaults for unset or
// unparsable values.
func FromEnv() Env {
	path := os.Getenv("TARGET_CONFIG")
	if path == "" {
		path = "targets.json"
	}

	listen := os.Getenv("METRICS_LISTEN")
	if listen == "" {
		listen = ":9100"
	}

	useAppConfig, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("USE_APP_CONFIG")))
	if err != nil {
		useAppConfig = false
	}

	return Env{
		TargetConfig: path,
		PollInterval: secondsFromEnv("CONFIG_POLL_INTERVAL_SECONDS", 30*time.Second),
		UseAppConfig: useAppConfig,
		AppConfig: AppConfigSettings{
			ApplicationID: os.Getenv("APP_CONFIG_APPLICATION_ID"),
			EnvironmentID: os.Getenv("APP_CONFIG_ENVIRONMENT_ID"),
			ProfileID:     os.Getenv("APP_CONFIG_PROFILE_ID"),
			PollInterval:  secondsFromEnv("APP_CONFIG_POLL_INTERVAL_SECONDS", 60*time.Second),
		},
		MetricsListen: listen,
	}
}

func secondsFromEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
