package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath         = "config.toml"
	DefaultWebhookPort        = 9000
	DefaultMediaDir           = "media"
	DefaultPlaceholderDelayMS = 3000
	DefaultGatewayAgentID     = "main"
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	App     AppConfig     `toml:"app"`
	Webhook WebhookConfig `toml:"webhook"`
	Gateway GatewayConfig `toml:"gateway"`
	Media   MediaConfig   `toml:"media"`
	Bridge  BridgeConfig  `toml:"bridge"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AppConfig carries the Feishu application identity. Secret may be given
// inline or as a file path; SecretValue resolves whichever is set.
type AppConfig struct {
	ID         string `toml:"id" validate:"required"`
	Secret     string `toml:"secret"`
	SecretFile string `toml:"secret_file"`
	// Region selects the open-platform endpoint: feishu (default) or lark.
	Region string `toml:"region"`
}

// WebhookConfig configures the Feishu event callback. EncryptKey is
// optional; without it the callback is authenticated by the
// verification token alone.
type WebhookConfig struct {
	Port              int    `toml:"port" validate:"required"`
	EncryptKey        string `toml:"encrypt_key"`
	VerificationToken string `toml:"verification_token" validate:"required"`
}

type GatewayConfig struct {
	ConfigPath string `toml:"config_path" validate:"required"`
	AgentID    string `toml:"agent_id" validate:"required"`
	// Token overrides the auth token from the gateway config file when set.
	Token string `toml:"token"`
}

type MediaConfig struct {
	Dir string `toml:"dir" validate:"required"`
}

type BridgeConfig struct {
	PlaceholderDelayMS int `toml:"placeholder_delay_ms" validate:"required"`
}

// SecretValue returns the app secret, reading it from SecretFile when no
// inline value is configured.
func (c AppConfig) SecretValue() (string, error) {
	if secret := strings.TrimSpace(c.Secret); secret != "" {
		return secret, nil
	}
	if path := strings.TrimSpace(c.SecretFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read app secret file: %w", err)
		}
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return "", fmt.Errorf("app secret file %s is empty", path)
		}
		return secret, nil
	}
	return "", fmt.Errorf("app secret not configured")
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		App: AppConfig{
			Region: "feishu",
		},
		Webhook: WebhookConfig{
			Port: DefaultWebhookPort,
		},
		Gateway: GatewayConfig{
			AgentID: DefaultGatewayAgentID,
		},
		Media: MediaConfig{
			Dir: DefaultMediaDir,
		},
		Bridge: BridgeConfig{
			PlaceholderDelayMS: DefaultPlaceholderDelayMS,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the required option set. A missing required option is a
// startup-fatal condition; the process must not come up partially configured.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			fields := make([]string, 0, len(errs))
			for _, fe := range errs {
				fields = append(fields, fe.Namespace())
			}
			return fmt.Errorf("missing required config options: %s", strings.Join(fields, ", "))
		}
		return err
	}
	if _, err := c.App.SecretValue(); err != nil {
		return err
	}
	return nil
}
