package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr       string
	CORSOrigin string
	LogLevel   string
	LogFormat  string

	// Session
	Room       string
	Role       string
	Callsign   string
	UnitType   string
	OperatorID string
	Mode       string

	// Transports
	BusRedisURL    string
	Relays         []string
	JoinTimeout    time.Duration
	PublishTimeout time.Duration

	// Optional collaborators; empty disables them
	DatabaseURL  string
	MeiliURL     string
	MeiliKey     string
	AssistURL    string
	AssistAPIKey string
	AssistModel  string
	ProfilePath  string
}

// Load reads defaults, then an optional TOML file named by DISPATCH_CONFIG,
// then DISPATCH_* environment variables.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("addr", ":8790")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("room", "")
	// role and unit_type stay blank so a remembered profile can fill them
	v.SetDefault("role", "")
	v.SetDefault("callsign", "")
	v.SetDefault("unit_type", "")
	v.SetDefault("operator_id", "")
	v.SetDefault("mode", "")
	v.SetDefault("bus_redis_url", "")
	v.SetDefault("relays", "redis://localhost:6379/0")
	v.SetDefault("join_timeout", "5s")
	v.SetDefault("publish_timeout", "5s")
	v.SetDefault("database_url", "")
	v.SetDefault("meili_url", "")
	v.SetDefault("meili_key", "")
	v.SetDefault("assist_url", "")
	v.SetDefault("assist_api_key", "")
	v.SetDefault("assist_model", "")
	v.SetDefault("profile_path", defaultProfilePath())

	v.SetConfigType("toml")
	if path := os.Getenv("DISPATCH_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Addr:           v.GetString("addr"),
		CORSOrigin:     v.GetString("cors_origin"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		Room:           strings.TrimSpace(v.GetString("room")),
		Role:           strings.ToLower(strings.TrimSpace(v.GetString("role"))),
		Callsign:       strings.TrimSpace(v.GetString("callsign")),
		UnitType:       strings.ToUpper(strings.TrimSpace(v.GetString("unit_type"))),
		OperatorID:     strings.TrimSpace(v.GetString("operator_id")),
		Mode:           strings.ToLower(strings.TrimSpace(v.GetString("mode"))),
		BusRedisURL:    v.GetString("bus_redis_url"),
		Relays:         splitList(v.GetString("relays")),
		JoinTimeout:    v.GetDuration("join_timeout"),
		PublishTimeout: v.GetDuration("publish_timeout"),
		DatabaseURL:    v.GetString("database_url"),
		MeiliURL:       v.GetString("meili_url"),
		MeiliKey:       v.GetString("meili_key"),
		AssistURL:      v.GetString("assist_url"),
		AssistAPIKey:   v.GetString("assist_api_key"),
		AssistModel:    v.GetString("assist_model"),
		ProfilePath:    v.GetString("profile_path"),
	}
	if cfg.JoinTimeout <= 0 {
		return Config{}, fmt.Errorf("join_timeout must be positive, got %s", v.GetString("join_timeout"))
	}
	if cfg.PublishTimeout <= 0 {
		return Config{}, fmt.Errorf("publish_timeout must be positive, got %s", v.GetString("publish_timeout"))
	}
	return cfg, nil
}

// splitList accepts "a,b" from env and TOML alike.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultProfilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".dispatchsync-profile.json"
	}
	return dir + string(os.PathSeparator) + "dispatchsync" + string(os.PathSeparator) + "profile.json"
}
