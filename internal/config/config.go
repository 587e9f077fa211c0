// Package config loads process configuration from the environment and an optional file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "FLOWBIT"

// DefaultWebhookSecret is the shared callback secret used when none is configured.
const DefaultWebhookSecret = "flowbit-webhook-secret-2025"

// Config is the immutable runtime configuration handed to every component.
type Config struct {
	HTTPAddr       string
	TrustedProxies []string
	GRPCAddr       string
	DatabaseDSN    string
	RedisAddr      string
	LogLevel       string

	Auth      Auth
	Webhook   Webhook
	Workflow  Workflow
	Registry  Registry
	RateLimit RateLimit
	Login     Login
}

type Auth struct {
	JWTSecret        string
	JWTRefreshSecret string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	MaxRefreshTokens int
}

type Webhook struct {
	Secret string
}

type Workflow struct {
	EngineURL       string
	APIKey          string
	CallbackURL     string
	Timeout         time.Duration
	CallbackTimeout time.Duration
	MaxAttempts     int
	WatchdogSpec    string
}

type Registry struct {
	Path string
}

type RateLimit struct {
	Burst     int
	PerSecond int
}

type Login struct {
	MaxFailures int
	Window      time.Duration
	BlockFor    time.Duration
}

// legacyEnv maps keys to the unprefixed variable names deployments already use.
var legacyEnv = map[string]string{
	"auth.jwt_secret":         "JWT_SECRET",
	"auth.jwt_refresh_secret": "JWT_REFRESH_SECRET",
	"webhook.secret":          "WEBHOOK_SECRET",
	"workflow.engine_url":     "N8N_URL",
	"workflow.api_key":        "N8N_API_KEY",
	"workflow.callback_url":   "WEBHOOK_CALLBACK_URL",
	"database.dsn":            "DATABASE_URL",
	"redis.addr":              "REDIS_ADDR",
	"http.addr":               "ADDR",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":3001")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("auth.max_refresh_tokens", 5)
	v.SetDefault("webhook.secret", DefaultWebhookSecret)
	v.SetDefault("workflow.engine_url", "http://localhost:5678")
	v.SetDefault("workflow.callback_url", "http://api:3001/webhook/ticket-done")
	v.SetDefault("workflow.timeout", 10*time.Second)
	v.SetDefault("workflow.callback_timeout", 5*time.Minute)
	v.SetDefault("workflow.max_attempts", 3)
	v.SetDefault("workflow.watchdog_spec", "@every 1m")
	v.SetDefault("registry.path", "registry.json")
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.per_second", 10)
	v.SetDefault("login.max_failures", 5)
	v.SetDefault("login.window", 15*time.Minute)
	v.SetDefault("login.block_for", 15*time.Minute)
}

// Load reads configuration. path may be empty; env vars always win over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddr:       v.GetString("http.addr"),
		TrustedProxies: splitList(v.GetStringSlice("http.trusted_proxies")),
		GRPCAddr:       v.GetString("grpc.addr"),
		DatabaseDSN:    v.GetString("database.dsn"),
		RedisAddr:      v.GetString("redis.addr"),
		LogLevel:       v.GetString("log.level"),
		Auth: Auth{
			JWTSecret:        v.GetString("auth.jwt_secret"),
			JWTRefreshSecret: v.GetString("auth.jwt_refresh_secret"),
			AccessTTL:        v.GetDuration("auth.access_ttl"),
			RefreshTTL:       v.GetDuration("auth.refresh_ttl"),
			MaxRefreshTokens: v.GetInt("auth.max_refresh_tokens"),
		},
		Webhook: Webhook{Secret: v.GetString("webhook.secret")},
		Workflow: Workflow{
			EngineURL:       strings.TrimRight(v.GetString("workflow.engine_url"), "/"),
			APIKey:          v.GetString("workflow.api_key"),
			CallbackURL:     v.GetString("workflow.callback_url"),
			Timeout:         v.GetDuration("workflow.timeout"),
			CallbackTimeout: v.GetDuration("workflow.callback_timeout"),
			MaxAttempts:     v.GetInt("workflow.max_attempts"),
			WatchdogSpec:    v.GetString("workflow.watchdog_spec"),
		},
		Registry: Registry{Path: v.GetString("registry.path")},
		RateLimit: RateLimit{
			Burst:     v.GetInt("ratelimit.burst"),
			PerSecond: v.GetInt("ratelimit.per_second"),
		},
		Login: Login{
			MaxFailures: v.GetInt("login.max_failures"),
			Window:      v.GetDuration("login.window"),
			BlockFor:    v.GetDuration("login.block_for"),
		},
	}
	if cfg.Auth.JWTRefreshSecret == "" {
		cfg.Auth.JWTRefreshSecret = cfg.Auth.JWTSecret
	}
	return cfg, nil
}

// splitList accepts both list values from files and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// UsesDefaultWebhookSecret reports whether the callback secret was left unset.
func (c Config) UsesDefaultWebhookSecret() bool {
	return c.Webhook.Secret == DefaultWebhookSecret
}

// Validate reports every missing or out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		errs = append(errs, errors.New("webhook.secret (WEBHOOK_SECRET) is required"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token ttls must be positive"))
	}
	if c.Auth.MaxRefreshTokens < 1 {
		errs = append(errs, errors.New("auth.max_refresh_tokens must be at least 1"))
	}
	if c.Workflow.Timeout <= 0 {
		errs = append(errs, errors.New("workflow.timeout must be positive"))
	}
	if c.Workflow.MaxAttempts < 1 {
		errs = append(errs, errors.New("workflow.max_attempts must be at least 1"))
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("http.trusted_proxies: %q is not an address or CIDR", p))
		}
	}
	return errors.Join(errs...)
}
