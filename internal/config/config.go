package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

const (
	defaultAccessTTLMinutes = 15
	defaultRefreshTTLDays   = 7
	defaultSendBuffer       = 256
	defaultRatePerSecond    = 20
	defaultRateBurst        = 40
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	// ChatFramePolicy 决定格式错误的帧如何处理：drop | close。
	ChatFramePolicy string
	// ChatStorePolicy 决定消息落库失败时的策略：best_effort | strict。
	ChatStorePolicy string
	ChatSendBuffer  int
	// CORSOrigins 是非 dev 环境额外放行的来源，逗号分隔。
	CORSOrigins   []string
	RatePerSecond int
	RateBurst     int
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=library port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", defaultAccessTTLMinutes)
	v.SetDefault("REFRESH_TOKEN_TTL_DAYS", defaultRefreshTTLDays)
	v.SetDefault("CHAT_FRAME_POLICY", "drop")
	v.SetDefault("CHAT_STORE_POLICY", "best_effort")
	v.SetDefault("CHAT_SEND_BUFFER", defaultSendBuffer)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("RATE_LIMIT_PER_SECOND", defaultRatePerSecond)
	v.SetDefault("RATE_LIMIT_BURST", defaultRateBurst)
	return v
}

// Load 从环境变量读取配置，非法的数值项回退到默认值。
func Load() Config {
	cfg, _ := LoadFile("")
	return cfg
}

// LoadFile 先读取可选的配置文件，再由同名环境变量覆盖。
func LoadFile(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fromViper(newViper()), fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Port:                  v.GetString("APP_PORT"),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		Env:                   v.GetString("APP_ENV"),
		AccessTokenTTLMinutes: positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), defaultAccessTTLMinutes),
		RefreshTokenTTLDays:   positive(v.GetInt("REFRESH_TOKEN_TTL_DAYS"), defaultRefreshTTLDays),
		ChatFramePolicy:       v.GetString("CHAT_FRAME_POLICY"),
		ChatStorePolicy:       v.GetString("CHAT_STORE_POLICY"),
		ChatSendBuffer:        positive(v.GetInt("CHAT_SEND_BUFFER"), defaultSendBuffer),
		CORSOrigins:           splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		RatePerSecond:         positive(v.GetInt("RATE_LIMIT_PER_SECOND"), defaultRatePerSecond),
		RateBurst:             positive(v.GetInt("RATE_LIMIT_BURST"), defaultRateBurst),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Validate 拒绝无法启动服务的配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed for env %q", cfg.Env)
	}
	switch cfg.ChatFramePolicy {
	case "", "drop", "close":
	default:
		return fmt.Errorf("unknown CHAT_FRAME_POLICY %q", cfg.ChatFramePolicy)
	}
	switch cfg.ChatStorePolicy {
	case "", "best_effort", "strict":
	default:
		return fmt.Errorf("unknown CHAT_STORE_POLICY %q", cfg.ChatStorePolicy)
	}
	return nil
}
