package chatter

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is read from ./config.yaml and the environment. Nested keys map to
// upper case variables joined by underscores, so chat.history_limit is
// CHAT_HISTORY_LIMIT.
type Config struct {
	Port           int            `mapstructure:"port" validate:"required,port"`
	Hostname       string         `mapstructure:"hostname" validate:"required"`
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	Auth           AuthConfig     `mapstructure:"auth"`
	SQLite         DatabaseConfig `mapstructure:"sqlite"`
	Chat           ChatConfig     `mapstructure:"chat"`
	Cache          CacheConfig    `mapstructure:"cache"`
	Log            struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`
}

type AuthConfig struct {
	// Secret signs and verifies identity tokens. It is given base64 encoded;
	// a random one is generated when unset.
	Secret   Base64Encoded `mapstructure:"secret" validate:"required,min=16"`
	TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	// Timeout bounds authentication of a websocket upgrade.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	File         string `mapstructure:"file" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"min=0"`
}

type ChatConfig struct {
	HistoryLimit       int           `mapstructure:"history_limit" validate:"min=1,max=500"`
	MaxMessageLength   int           `mapstructure:"max_message_length" validate:"min=1"`
	TypingQuietPeriod  time.Duration `mapstructure:"typing_quiet_period" validate:"gt=0"`
	OutboundBufferSize int           `mapstructure:"outbound_buffer" validate:"min=1"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// RedisAddr selects the redis backend; empty keeps the cache in process.
	RedisAddr string `mapstructure:"redis_addr" validate:"omitempty,hostname_port"`
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

var configDefaults = map[string]any{
	"port":                     8080,
	"hostname":                 "0.0.0.0",
	"allowed_origins":          []string{"*"},
	"auth.token_ttl":           "168h",
	"auth.timeout":             "10s",
	"sqlite.file":              "./chatrooms.db",
	"sqlite.max_open_conns":    0,
	"chat.history_limit":       50,
	"chat.max_message_length":  1000,
	"chat.typing_quiet_period": "5s",
	"chat.outbound_buffer":     256,
	"cache.ttl":                "5m",
	"cache.redis_addr":         "",
	"log.level":                "info",
}

// LoadConfig reads .env, then config.yaml and the environment. Values that
// fail to decode are left zero and reported by Validate.
func LoadConfig() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	v.SetDefault("auth.secret", secret)

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	// decode failures surface through Validate
	_ = v.Unmarshal(config, viper.DecodeHook(hook))
	return config, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (c *Config) Validate() error {
	return getConfigValidator().v.Struct(c)
}

// FormatValidationErrors renders one line per failed field, sorted.
func FormatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	trans := getConfigValidator().trans
	lines := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		lines = append(lines, fe.Translate(trans))
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n") + "\n"
}
