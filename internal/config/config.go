package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/youjin-ai/payflow/internal/logger"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Auth         AuthConfig         `mapstructure:"auth"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Security     SecurityConfig     `mapstructure:"security"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	OrderService OrderServiceConfig `mapstructure:"order_service"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release
}

// LogConfig 日志配置
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN    string             `mapstructure:"dsn"`    // 数据库连接串
	Pool   DatabasePoolConfig `mapstructure:"pool"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// AuthConfig 鉴权配置。认证本身由外部服务签发 token，这里只做校验。
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// PaymentConfig 支付会话配置
type PaymentConfig struct {
	PollIntervalSeconds    int  `mapstructure:"poll_interval_seconds"`
	WechatTimeoutMinutes   int  `mapstructure:"wechat_timeout_minutes"`
	AlipayTimeoutMinutes   int  `mapstructure:"alipay_timeout_minutes"`
	SuccessDelayMS         int  `mapstructure:"success_delay_ms"`
	JSAPIBridgeWaitMS      int  `mapstructure:"jsapi_bridge_wait_ms"`
	MiniProgramWaitMS      int  `mapstructure:"miniprogram_wait_ms"`
	HostIdentityWaitMS     int  `mapstructure:"host_identity_wait_ms"`
	AlipayCountdownSeconds int  `mapstructure:"alipay_countdown_seconds"`
	AlipayEnabled          bool `mapstructure:"alipay_enabled"`
	IdentityCacheTTLHours  int  `mapstructure:"identity_cache_ttl_hours"`
	GuestClaimTTLHours     int  `mapstructure:"guest_claim_ttl_hours"`
	SessionSweepMinutes    int  `mapstructure:"session_sweep_minutes"`
}

// PollInterval 轮询间隔
func (c PaymentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SessionTimeout 按渠道返回会话超时时长
func (c PaymentConfig) SessionTimeout(channel string) time.Duration {
	if channel == "alipay_h5" {
		return time.Duration(c.AlipayTimeoutMinutes) * time.Minute
	}
	return time.Duration(c.WechatTimeoutMinutes) * time.Minute
}

// SuccessDelay 成功动画延迟
func (c PaymentConfig) SuccessDelay() time.Duration {
	return time.Duration(c.SuccessDelayMS) * time.Millisecond
}

// JSAPIBridgeWait JSAPI 桥接等待上限
func (c PaymentConfig) JSAPIBridgeWait() time.Duration {
	return time.Duration(c.JSAPIBridgeWaitMS) * time.Millisecond
}

// MiniProgramWait 小程序宿主就绪等待上限
func (c PaymentConfig) MiniProgramWait() time.Duration {
	return time.Duration(c.MiniProgramWaitMS) * time.Millisecond
}

// HostIdentityWait 宿主身份消息等待上限
func (c PaymentConfig) HostIdentityWait() time.Duration {
	return time.Duration(c.HostIdentityWaitMS) * time.Millisecond
}

// AlipayCountdown 支付宝自动跳转倒计时
func (c PaymentConfig) AlipayCountdown() time.Duration {
	return time.Duration(c.AlipayCountdownSeconds) * time.Second
}

// RateLimitConfig 窗口限流配置
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxRequests   int `mapstructure:"max_requests"`
}

// SecurityConfig 接口防护配置
type SecurityConfig struct {
	SessionRateLimit RateLimitConfig `mapstructure:"session_rate_limit"`
}

// OrderServiceConfig 外部订单服务配置
type OrderServiceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// Load 从 config.yml 加载配置
func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./")
	viper.AddConfigPath("../")   // 如果从 cmd/server 运行
	viper.AddConfigPath("./etc") // etc 文件夹

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("log.dir", "")
	viper.SetDefault("log.filename", "app.log")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 7)
	viper.SetDefault("log.max_age_days", 30)
	viper.SetDefault("log.compress", true)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "./db/payflow.db")
	viper.SetDefault("database.pool.max_open_conns", 1)
	viper.SetDefault("database.pool.max_idle_conns", 1)
	viper.SetDefault("database.pool.conn_max_lifetime_seconds", 0)
	viper.SetDefault("database.pool.conn_max_idle_time_seconds", 0)
	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "127.0.0.1")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "pf")
	viper.SetDefault("queue.enabled", true)
	viper.SetDefault("queue.host", "127.0.0.1")
	viper.SetDefault("queue.port", 6379)
	viper.SetDefault("queue.password", "")
	viper.SetDefault("queue.db", 1)
	viper.SetDefault("queue.concurrency", 10)
	viper.SetDefault("queue.queues", map[string]int{
		"default":  10,
		"critical": 5,
	})
	viper.SetDefault("auth.jwt_secret", "change-me-in-production")
	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Authorization",
		"Cache-Control",
		"X-Requested-With",
	})
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 600)
	viper.SetDefault("security.session_rate_limit.window_seconds", 60)
	viper.SetDefault("security.session_rate_limit.max_requests", 30)
	viper.SetDefault("payment.poll_interval_seconds", 3)
	viper.SetDefault("payment.wechat_timeout_minutes", 5)
	viper.SetDefault("payment.alipay_timeout_minutes", 15)
	viper.SetDefault("payment.success_delay_ms", 1500)
	viper.SetDefault("payment.jsapi_bridge_wait_ms", 1500)
	viper.SetDefault("payment.miniprogram_wait_ms", 2000)
	viper.SetDefault("payment.host_identity_wait_ms", 3000)
	viper.SetDefault("payment.alipay_countdown_seconds", 2)
	viper.SetDefault("payment.alipay_enabled", true)
	viper.SetDefault("payment.identity_cache_ttl_hours", 24)
	viper.SetDefault("payment.guest_claim_ttl_hours", 72)
	viper.SetDefault("payment.session_sweep_minutes", 1)
	viper.SetDefault("order_service.base_url", "http://127.0.0.1:9000")
	viper.SetDefault("order_service.api_key", "")
	viper.SetDefault("order_service.timeout_ms", 10000)

	// 环境变量支持
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // server.port -> SERVER_PORT

	if err := viper.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed",
			"error", err,
			"fallback", "env_or_defaults",
		)
	} else {
		logger.Infow("config_file_loaded", "file", viper.ConfigFileUsed())
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}

	return &cfg
}
