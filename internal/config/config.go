// Package config layers a dotenv file, environment variables, and CLI flags
// into the options the tunnel session needs, and manages the small
// persisted identity file used only for support/debugging logs.
package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ProductionServerURL and DevelopmentServerURL back the NODE_ENV switch:
// NODE_ENV=development selects TUNNEL_SERVER_URL when it is set and
// DevelopmentServerURL when it is not; otherwise the production default
// applies.
const (
	ProductionServerURL  = "https://tunnl.fit"
	DevelopmentServerURL = "http://localhost:8787"
)

// Config is the fully resolved set of values the CLI hands to session.Options.
type Config struct {
	ServerURL     string `mapstructure:"server"`
	LocalPort     int    `mapstructure:"port"`
	Subdomain     string `mapstructure:"subdomain"`
	Token         string `mapstructure:"token"`
	NoReconnect   bool   `mapstructure:"no-reconnect"`
	DashboardPort int    `mapstructure:"dashboard-port"`
}

// Loader binds environment variables (TUNNEL_AGENT_-prefixed) and CLI flags
// onto a Config using viper, with an explicit flag always beating the
// environment and the environment beating the NODE_ENV-derived default.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a Loader with defaults set for the given NODE_ENV.
func NewLoader(nodeEnv string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("TUNNEL_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv alone only resolves keys viper already knows, so every
	// Config key is bound explicitly for Unmarshal to see its env var.
	for _, key := range []string{"server", "port", "subdomain", "token", "no-reconnect", "dashboard-port"} {
		_ = v.BindEnv(key)
	}

	defaultServerURL := ProductionServerURL
	if nodeEnv == "development" {
		defaultServerURL = DevelopmentServerURL
		if u := os.Getenv("TUNNEL_SERVER_URL"); u != "" {
			defaultServerURL = u
		}
	}
	v.SetDefault("server", defaultServerURL)
	v.SetDefault("no-reconnect", false)
	v.SetDefault("dashboard-port", 0)

	return &Loader{v: v}
}

// BindFlags binds a cobra command's flags so an explicit flag always wins
// over the environment, which in turn wins over the NODE_ENV-derived default.
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	return l.v.BindPFlags(flags)
}

// Load unmarshals the layered configuration into a Config.
func (l *Loader) Load() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
