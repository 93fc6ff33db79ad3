// Package config loads process configuration in three layers: built-in
// defaults, an optional YAML file, then TRIPMATE_ environment variables.
// Nested keys use a double underscore in env names:
// TRIPMATE_REDIS__ADDR sets redis.addr.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tripmate/realtime/internal/auth"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/discovery"
	"github.com/tripmate/realtime/internal/logging"
	"github.com/tripmate/realtime/internal/match"
	"github.com/tripmate/realtime/internal/messaging"
	"github.com/tripmate/realtime/internal/moderation"
	"github.com/tripmate/realtime/internal/ratelimit"
	"github.com/tripmate/realtime/internal/storage/postgres"
	"github.com/tripmate/realtime/internal/suggest"
	"github.com/tripmate/realtime/internal/ws"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// EnvPrefix marks environment variables read by Load.
const EnvPrefix = "TRIPMATE_"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tripmate/config.yaml",
}

// Config is the full process configuration.
type Config struct {
	Server     ws.ServerConfig      `koanf:"server"`
	Log        logging.Config       `koanf:"log"`
	Postgres   postgres.Config      `koanf:"postgres"`
	Redis      RedisConfig          `koanf:"redis"`
	NATS       messaging.NATSConfig `koanf:"nats"`
	Auth       auth.Config          `koanf:"auth"`
	Match      match.Config         `koanf:"match"`
	Chat       chat.Config          `koanf:"chat"`
	Moderation moderation.Config    `koanf:"moderation"`
	Discovery  discovery.Config     `koanf:"discovery"`
	RateLimit  ratelimit.Config     `koanf:"ratelimit"`
	Suggest    suggest.Config       `koanf:"suggest"`
}

// RedisConfig locates the Redis server backing rate limits and the
// suggestion lock. An empty Addr disables both.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:     ws.DefaultServerConfig(),
		Log:        logging.DefaultConfig(),
		Postgres:   postgres.DefaultConfig(),
		Redis:      RedisConfig{Addr: "localhost:6379"},
		NATS:       messaging.DefaultNATSConfig(),
		Match:      match.DefaultConfig(),
		Chat:       chat.DefaultConfig(),
		Moderation: moderation.DefaultConfig(),
		Discovery:  discovery.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Suggest:    suggest.DefaultConfig(),
	}
}

// Load reads defaults, the config file and the environment, then validates
// the result.
func Load() (*Config, error) {
	return LoadFile(findFile())
}

// LoadFile is Load with an explicit file path. An empty path skips the file
// layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Log.Output = os.Stderr
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps TRIPMATE_SUGGEST__CALL_TIMEOUT to suggest.call_timeout.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// listKeys hold string lists that arrive from env as comma separated text.
var listKeys = []string{
	"suggest.keywords",
	"moderation.blocked_terms",
	"moderation.spam_checks",
}

func splitLists(k *koanf.Koanf) error {
	for _, key := range listKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.Suggest.Enabled && c.Suggest.Places.APIKey == "" {
		return errors.New("config: invalid: suggest.places.api_key is required when suggest is enabled")
	}
	if c.RateLimit.Enabled && c.Redis.Addr == "" {
		return errors.New("config: invalid: ratelimit requires redis.addr")
	}
	return nil
}
