// Package config はGatewayサービスの設定を環境変数から読み込む。
//
// 値は環境変数、設定ファイル（CONFIG_FILE で指定したYAML）、デフォルト値の順に優先される。
// JWT_SECRET が空でも読み込みは失敗しない。シークレットの不備は最初のトークン操作で
// 設定エラーとして扱う。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid は設定値が不正であることを表す。
var ErrInvalid = errors.New("config: invalid value")

// ServiceURLs は下流サービスのベースURL。
type ServiceURLs struct {
	Auth   string
	Cards  string
	Upload string
}

// RateLimit はレート制限の設定。
type RateLimit struct {
	// UserLimit は認証済みユーザーごとのウィンドウあたり上限。
	UserLimit int
	// UserWindow は認証済みユーザー向けのウィンドウ長。
	UserWindow time.Duration
	// IPLimit は未認証リクエストのIPアドレスごとの上限。
	IPLimit int
	// IPWindow は未認証リクエスト向けのウィンドウ長。
	IPWindow time.Duration
	// CleanupInterval は期限切れエントリを掃除する間隔。
	CleanupInterval time.Duration
	// TrustForwardedFor がtrueの場合はX-Forwarded-ForからクライアントIPを決定する。
	TrustForwardedFor bool
}

// Health はヘルスチェックの設定。
type Health struct {
	// ProbeTimeout はサービスごとの問い合わせのタイムアウト。
	ProbeTimeout time.Duration
	// RefreshRPS は実際に問い合わせを行う1秒あたりの上限。0の場合は制限しない。
	RefreshRPS float64
	// RefreshBurst はRefreshRPSのバースト。
	RefreshBurst int
	// DBPath はヘルスチェック履歴を保存するSQLiteのパス。空の場合は保存しない。
	DBPath string
}

// Config はGatewayサービスの設定。
type Config struct {
	Port            string
	JWTSecret       string
	TokenTTL        time.Duration
	Services        ServiceURLs
	RateLimit       RateLimit
	Health          Health
	RedisURL        string
	AllowedOrigins  []string
	LogLevel        string
	DevTokenEnabled bool
	ProxyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// setDefaults はデフォルト値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", "24h")

	v.SetDefault("auth_service_url", "http://localhost:8081")
	v.SetDefault("cards_service_url", "http://localhost:8082")
	v.SetDefault("upload_service_url", "http://localhost:8083")

	v.SetDefault("rate_user_limit", 100)
	v.SetDefault("rate_user_window", "1m")
	v.SetDefault("rate_ip_limit", 20)
	v.SetDefault("rate_ip_window", "1m")
	v.SetDefault("rate_cleanup_interval", "1m")
	v.SetDefault("trust_forwarded_for", false)

	v.SetDefault("health_probe_timeout", "1s")
	v.SetDefault("health_refresh_rps", 0)
	v.SetDefault("health_refresh_burst", 1)
	v.SetDefault("health_db_path", "")

	v.SetDefault("redis_url", "")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("log_level", "info")
	v.SetDefault("dev_token_enabled", false)
	v.SetDefault("proxy_timeout", "30s")
	v.SetDefault("shutdown_timeout", "10s")
}

// Load は環境変数とデフォルト値から設定を読み込み、検証する。
// 環境変数 CONFIG_FILE が設定されている場合はそのYAMLファイルも読み込む。
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper はviperに設定済みの値から設定を組み立てて検証する。
// 未設定のキーにはデフォルト値を補う。
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		Port:      strings.TrimSpace(v.GetString("port")),
		JWTSecret: v.GetString("jwt_secret"),
		TokenTTL:  v.GetDuration("token_ttl"),
		Services: ServiceURLs{
			Auth:   strings.TrimSpace(v.GetString("auth_service_url")),
			Cards:  strings.TrimSpace(v.GetString("cards_service_url")),
			Upload: strings.TrimSpace(v.GetString("upload_service_url")),
		},
		RateLimit: RateLimit{
			UserLimit:         v.GetInt("rate_user_limit"),
			UserWindow:        v.GetDuration("rate_user_window"),
			IPLimit:           v.GetInt("rate_ip_limit"),
			IPWindow:          v.GetDuration("rate_ip_window"),
			CleanupInterval:   v.GetDuration("rate_cleanup_interval"),
			TrustForwardedFor: v.GetBool("trust_forwarded_for"),
		},
		Health: Health{
			ProbeTimeout: v.GetDuration("health_probe_timeout"),
			RefreshRPS:   v.GetFloat64("health_refresh_rps"),
			RefreshBurst: v.GetInt("health_refresh_burst"),
			DBPath:       strings.TrimSpace(v.GetString("health_db_path")),
		},
		RedisURL:        strings.TrimSpace(v.GetString("redis_url")),
		AllowedOrigins:  splitList(v.GetString("frontend_url")),
		LogLevel:        v.GetString("log_level"),
		DevTokenEnabled: v.GetBool("dev_token_enabled"),
		ProxyTimeout:    v.GetDuration("proxy_timeout"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値を検証する。JWTSecretが空であることはエラーにしない。
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, fmt.Errorf("PORT が空です: %w", ErrInvalid))
	}
	for name, raw := range map[string]string{
		"AUTH_SERVICE_URL":   c.Services.Auth,
		"CARDS_SERVICE_URL":  c.Services.Cards,
		"UPLOAD_SERVICE_URL": c.Services.Upload,
	} {
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s が不正です: %w", name, err))
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"TOKEN_TTL", c.TokenTTL},
		{"RATE_USER_WINDOW", c.RateLimit.UserWindow},
		{"RATE_IP_WINDOW", c.RateLimit.IPWindow},
		{"RATE_CLEANUP_INTERVAL", c.RateLimit.CleanupInterval},
		{"HEALTH_PROBE_TIMEOUT", c.Health.ProbeTimeout},
		{"PROXY_TIMEOUT", c.ProxyTimeout},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s は正の時間である必要があります: %w", d.name, ErrInvalid))
		}
	}

	if c.RateLimit.UserLimit <= 0 {
		errs = append(errs, fmt.Errorf("RATE_USER_LIMIT は正の整数である必要があります: %w", ErrInvalid))
	}
	if c.RateLimit.IPLimit <= 0 {
		errs = append(errs, fmt.Errorf("RATE_IP_LIMIT は正の整数である必要があります: %w", ErrInvalid))
	}
	if c.Health.RefreshRPS < 0 {
		errs = append(errs, fmt.Errorf("HEALTH_REFRESH_RPS は0以上である必要があります: %w", ErrInvalid))
	}
	if c.Health.RefreshRPS > 0 && c.Health.RefreshBurst <= 0 {
		errs = append(errs, fmt.Errorf("HEALTH_REFRESH_BURST は正の整数である必要があります: %w", ErrInvalid))
	}

	return errors.Join(errs...)
}

// validateURL はスキームとホストを持つURLであることを確認する。
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("スキームはhttpまたはhttpsである必要があります: %w", ErrInvalid)
	}
	if u.Host == "" {
		return fmt.Errorf("ホストが空です: %w", ErrInvalid)
	}
	return nil
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
