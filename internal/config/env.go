package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ApplyEnv overlays CALSYNC_* environment variables on cfg.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("CALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("listen", "CALSYNC_LISTEN")
	_ = v.BindEnv("data_dir", "CALSYNC_DATA_DIR")
	_ = v.BindEnv("cache", "CALSYNC_CACHE")
	_ = v.BindEnv("log_level", "CALSYNC_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("timezone", "CALSYNC_TIMEZONE")
	_ = v.BindEnv("refresh_interval", "CALSYNC_REFRESH_INTERVAL")
	_ = v.BindEnv("password_program", "CALSYNC_PASSWORD_PROGRAM")

	if s := strings.TrimSpace(v.GetString("listen")); s != "" {
		cfg.Listen = s
	}
	if s := strings.TrimSpace(v.GetString("data_dir")); s != "" {
		cfg.DataDir = s
	}
	if s := strings.TrimSpace(v.GetString("cache")); s != "" {
		cfg.Cache = s
	}
	if s := strings.TrimSpace(v.GetString("log_level")); s != "" {
		cfg.LogLevel = s
	}
	if s := strings.TrimSpace(v.GetString("timezone")); s != "" {
		cfg.Timezone = s
	}
	if s := strings.TrimSpace(v.GetString("password_program")); s != "" {
		cfg.PasswordProgram = s
	}
	if s := strings.TrimSpace(v.GetString("refresh_interval")); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("CALSYNC_REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = &d
	}
	cfg.Normalize()
	return nil
}
