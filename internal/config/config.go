package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string       `mapstructure:"log_level"`
	Server   ServerConfig `mapstructure:"server"`
	Client   ClientConfig `mapstructure:"client"`
}

// ServerConfig drives the relay hub.
type ServerConfig struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	Secret        string        `mapstructure:"secret"`
	CallStartRate int           `mapstructure:"call_start_rate"`
	CallStartSpan time.Duration `mapstructure:"call_start_span"`
}

// ClientConfig drives a call participant.
type ClientConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	APIURL            string        `mapstructure:"api_url"`
	Token             string        `mapstructure:"token"`
	UserID            string        `mapstructure:"user_id"`
	DisplayName       string        `mapstructure:"display_name"`
	GroupID           string        `mapstructure:"group_id"`
	CallType          string        `mapstructure:"call_type"`
	Answer            bool          `mapstructure:"answer"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	OfferStagger      time.Duration `mapstructure:"offer_stagger"`
	OfferTimeout      time.Duration `mapstructure:"offer_timeout"`
	ICEServers        []string      `mapstructure:"ice_servers"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 65536)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.secret", "circlechat-dev-secret")
	v.SetDefault("server.call_start_rate", 3)
	v.SetDefault("server.call_start_span", "10s")

	v.SetDefault("client.server_url", "ws://localhost:8080/ws")
	v.SetDefault("client.api_url", "http://localhost:8000")
	v.SetDefault("client.call_type", "audio")
	v.SetDefault("client.answer", true)
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.reconnect_base", "1s")
	v.SetDefault("client.offer_stagger", "100ms")
	v.SetDefault("client.offer_timeout", "15s")
	v.SetDefault("client.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
}

// New returns a viper instance with defaults, env overrides and the
// environment-specific config file path set.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("circlechat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

func Load() (*Config, error) {
	return LoadFrom(New())
}

// LoadFrom reads the configured file (if any) and unmarshals v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Server.Mode).Int("port", cfg.Server.Port).Msg("config ready")
	return &cfg, nil
}
