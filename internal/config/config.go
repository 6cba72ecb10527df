package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DRIFT"
	defaultDatabasePath  = "drift.db"
	defaultRemoteBaseURL = "http://localhost:8080"
	defaultLogLevel      = "info"
	defaultSessionIssuer = "drift-auth"
)

// AppConfig captures runtime configuration for the sync engine CLI.
type AppConfig struct {
	DatabasePath         string
	RemoteBaseURL        string
	RemoteToken          string
	SessionToken         string
	SessionSigningSecret string
	SessionIssuer        string
	Principal            string
	LogLevel             string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:         configViper.GetString("database.path"),
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		RemoteToken:          configViper.GetString("remote.token"),
		SessionToken:         configViper.GetString("session.token"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		Principal:            configViper.GetString("session.principal"),
		LogLevel:             configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.SessionToken) != "" && strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required when session.token is set")
	}
	return nil
}
