package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	HealthPath string        `mapstructure:"health_path"`
	WSPath     string        `mapstructure:"ws_path"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	EchoToSender bool          `mapstructure:"echo_to_sender"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`

	Swarm SwarmConfig `mapstructure:"swarm"`
}

type SwarmConfig struct {
	ListenAddrs    []string      `mapstructure:"listen_addrs"`
	BootstrapPeers []string      `mapstructure:"bootstrap_peers"`
	LookupInterval time.Duration `mapstructure:"lookup_interval"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// Flags returns the command-line flags Load understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.String("config-env", "", "config file suffix, overrides CONFIG_ENV")
	fs.Int("port", 0, "http listen port")
	fs.String("log-level", "", "log level")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("health_path", "/health")
	v.SetDefault("ws_path", "/")
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 100<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "swarm-relay-session")
	v.SetDefault("log_level", "info")

	v.SetDefault("echo_to_sender", true)
	v.SetDefault("join_limit", 5)
	v.SetDefault("join_interval", "10s")

	v.SetDefault("swarm.listen_addrs", []string{
		"/ip4/0.0.0.0/tcp/0",
		"/ip4/0.0.0.0/udp/0/quic-v1",
	})
	v.SetDefault("swarm.bootstrap_peers", []string{})
	v.SetDefault("swarm.lookup_interval", "30s")
	v.SetDefault("swarm.dial_timeout", "15s")
	v.SetDefault("swarm.max_message_size", 100<<20)
	v.SetDefault("swarm.send_buffer", 64)
}

// Load reads config/config.<env>.yaml, then environment, then flags.
// fs may be nil or already parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the bare PORT variable is what hosting platforms set
	if err := v.BindEnv("port", "RELAY_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("bind port env: %w", err)
	}

	env := os.Getenv("CONFIG_ENV")
	if fs != nil {
		for flag, key := range map[string]string{"port": "port", "log-level": "log_level"} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
		if f := fs.Lookup("config-env"); f != nil && f.Changed {
			env = f.Value.String()
		}
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Strs("swarm_listen", cfg.Swarm.ListenAddrs).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.HealthPath, "/") || !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("paths must start with '/': health=%q ws=%q", c.HealthPath, c.WSPath)
	}
	if c.HealthPath == c.WSPath {
		return fmt.Errorf("health and ws paths collide: %q", c.WSPath)
	}
	// a client frame that fits read_limit must also fit a peer frame
	if c.Swarm.MaxMessageSize < int(c.ReadLimit) {
		return fmt.Errorf("swarm.max_message_size %d is below read_limit %d", c.Swarm.MaxMessageSize, c.ReadLimit)
	}
	return nil
}
