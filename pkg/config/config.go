package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境
const (
	EnvTest       = "test"
	EnvProduction = "production"
)

// 各环境默认地址
var environmentURLs = map[string]struct {
	TokenURL string
	WSURL    string
}{
	EnvTest: {
		TokenURL: "https://sso.test.brm-power.ro/connect/token",
		WSURL:    "wss://intraday-pmd-api-ws-brm.test.nordpoolgroup.com",
	},
	EnvProduction: {
		TokenURL: "https://sso.brm-power.ro/connect/token",
		WSURL:    "wss://intraday-pmd-api-ws-brm.nordpoolgroup.com",
	},
}

// Duration 同时支持 YAML/JSON 的 "30s" 写法和整数毫秒
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.parse(strings.Trim(string(b), `"`))
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// IdentityConfig 身份服务（OAuth2 token endpoint）配置
type IdentityConfig struct {
	TokenURL       string   `yaml:"token_url" json:"token_url"`
	ClientID       string   `yaml:"client_id" json:"client_id"`
	ClientSecret   string   `yaml:"client_secret" json:"client_secret"`
	Username       string   `yaml:"username" json:"username"`
	Password       string   `yaml:"password" json:"password"`
	Scope          string   `yaml:"scope" json:"scope"`
	GrantType      string   `yaml:"grant_type" json:"grant_type"` // password | client_credentials
	SafetyMargin   Duration `yaml:"safety_margin" json:"safety_margin"`
	MinBackoff     Duration `yaml:"min_backoff" json:"min_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff"`
	FailureCeiling int      `yaml:"failure_ceiling" json:"failure_ceiling"` // 连续失败次数超过后上报调用方
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
}

// SessionConfig 会话（SockJS + STOMP）配置
type SessionConfig struct {
	URL                string   `yaml:"url" json:"url"`
	SockJS             bool     `yaml:"sockjs" json:"sockjs"`
	Host               string   `yaml:"host" json:"host"`
	User               string   `yaml:"user" json:"user"` // 私有 destination 中的身份名，默认取 identity.username
	APIVersion         string   `yaml:"api_version" json:"api_version"`
	HeartbeatSend      Duration `yaml:"heartbeat_send" json:"heartbeat_send"`
	HeartbeatReceive   Duration `yaml:"heartbeat_receive" json:"heartbeat_receive"`
	HeartbeatTolerance float64  `yaml:"heartbeat_tolerance" json:"heartbeat_tolerance"`
	ConnectTimeout     Duration `yaml:"connect_timeout" json:"connect_timeout"`
	SendTimeout        Duration `yaml:"send_timeout" json:"send_timeout"`
	ReceiptTimeout     Duration `yaml:"receipt_timeout" json:"receipt_timeout"`
	Proxy              string   `yaml:"proxy" json:"proxy"`
	Receipts           bool     `yaml:"receipts" json:"receipts"`
	InBandTokenRefresh bool     `yaml:"in_band_token_refresh" json:"in_band_token_refresh"`
	MaxFrameSize       int      `yaml:"max_frame_size" json:"max_frame_size"`
}

// ReconnectConfig 重连退避
type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64  `yaml:"multiplier" json:"multiplier"`
	Jitter       float64  `yaml:"jitter" json:"jitter"`
}

// OrdersConfig 订单相关
type OrdersConfig struct {
	PortfolioID            string   `yaml:"portfolio_id" json:"portfolio_id"`
	DeliveryAreaID         int      `yaml:"delivery_area_id" json:"delivery_area_id"`
	QueueWhileReconnecting bool     `yaml:"queue_while_reconnecting" json:"queue_while_reconnecting"`
	QueueSize              int      `yaml:"queue_size" json:"queue_size"`
	DeactivationGrace      Duration `yaml:"deactivation_grace" json:"deactivation_grace"`
	HistoryWindow          Duration `yaml:"history_window" json:"history_window"`
	RatePerSecond          float64  `yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst              int      `yaml:"rate_burst" json:"rate_burst"`
}

type PositionsConfig struct {
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"` // 为空则不持久化成交
}

type RouterConfig struct {
	QueueSize int `yaml:"queue_size" json:"queue_size"` // 每个调用方 handler 的队列长度
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
	ByDay      bool   `yaml:"by_day" json:"by_day"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"` // 为空则不启动状态服务
}

type ShutdownConfig struct {
	DrainTimeout Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

type PersistenceConfig struct {
	Dir      string   `yaml:"dir" json:"dir"`           // 为空则不写快照
	Debounce Duration `yaml:"debounce" json:"debounce"` // 订单/成交变化后静默多久写一次快照，0 表示只在停止时写
}

// SecretsConfig 加密凭据库（badger）
type SecretsConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
	Key    string `yaml:"key" json:"key"`
}

// Config 全局配置
type Config struct {
	Environment string            `yaml:"environment" json:"environment"`
	Identity    IdentityConfig    `yaml:"identity" json:"identity"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	Reconnect   ReconnectConfig   `yaml:"reconnect" json:"reconnect"`
	Orders      OrdersConfig      `yaml:"orders" json:"orders"`
	Positions   PositionsConfig   `yaml:"positions" json:"positions"`
	Router      RouterConfig      `yaml:"router" json:"router"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Shutdown    ShutdownConfig    `yaml:"shutdown" json:"shutdown"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Secrets     SecretsConfig     `yaml:"secrets" json:"secrets"`
}

// Default 默认配置（测试环境）
func Default() *Config {
	return &Config{
		Environment: EnvTest,
		Identity: IdentityConfig{
			Scope:          "intraday_api",
			GrantType:      "password",
			SafetyMargin:   Duration(5 * time.Minute),
			MinBackoff:     Duration(time.Second),
			MaxBackoff:     Duration(time.Minute),
			FailureCeiling: 10,
			RequestTimeout: Duration(30 * time.Second),
		},
		Session: SessionConfig{
			SockJS:             true,
			APIVersion:         "v1",
			HeartbeatSend:      Duration(10 * time.Second),
			HeartbeatReceive:   Duration(10 * time.Second),
			HeartbeatTolerance: 2.0,
			ConnectTimeout:     Duration(10 * time.Second),
			SendTimeout:        Duration(5 * time.Second),
			ReceiptTimeout:     Duration(10 * time.Second),
			Receipts:           true,
			InBandTokenRefresh: true,
			MaxFrameSize:       10 << 20,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(time.Minute),
			Multiplier:   2,
			Jitter:       0.2,
		},
		Orders: OrdersConfig{
			DeliveryAreaID:         1,
			QueueWhileReconnecting: true,
			QueueSize:              64,
			DeactivationGrace:      Duration(30 * time.Second),
			HistoryWindow:          Duration(24 * time.Hour),
			RatePerSecond:          10,
			RateBurst:              20,
		},
		Router: RouterConfig{QueueSize: 256},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "logs/intraday.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
			ByDay:      true,
		},
		Shutdown:    ShutdownConfig{DrainTimeout: Duration(5 * time.Second)},
		Persistence: PersistenceConfig{Dir: "data/snapshots", Debounce: Duration(2 * time.Second)},
	}
}

// Load 加载配置：默认值 -> 配置文件（可选）-> 环境变量 -> 派生字段 -> Validate
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.fillDerived(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON），只覆盖文件中出现的字段
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（优先级高于配置文件）
func applyEnv(cfg *Config) {
	cfg.Environment = getEnv("BRM_ENVIRONMENT", cfg.Environment)
	cfg.Identity.ClientID = getEnv("BRM_CLIENT_ID", cfg.Identity.ClientID)
	cfg.Identity.ClientSecret = getEnv("BRM_CLIENT_SECRET", cfg.Identity.ClientSecret)
	cfg.Identity.Username = getEnv("BRM_USERNAME", cfg.Identity.Username)
	cfg.Identity.Password = getEnv("BRM_PASSWORD", cfg.Identity.Password)
	cfg.Identity.TokenURL = getEnv("BRM_SSO_URL", cfg.Identity.TokenURL)
	cfg.Session.URL = getEnv("BRM_WS_URL", cfg.Session.URL)
	cfg.Session.Proxy = getEnv("BRM_PROXY", cfg.Session.Proxy)
	cfg.Orders.PortfolioID = getEnv("BRM_PORTFOLIO_ID", cfg.Orders.PortfolioID)
	cfg.Orders.DeliveryAreaID = parseIntEnv("BRM_DELIVERY_AREA_ID", cfg.Orders.DeliveryAreaID)
	cfg.Secrets.DBPath = getEnv("BRM_SECRET_DB", cfg.Secrets.DBPath)
	cfg.Secrets.Key = getEnv("BRM_SECRET_KEY", cfg.Secrets.Key)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Metrics.Listen = getEnv("BRM_METRICS_LISTEN", cfg.Metrics.Listen)
}

// fillDerived 根据环境补全地址和 STOMP host
func (c *Config) fillDerived() error {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	urls, ok := environmentURLs[c.Environment]
	if !ok {
		return fmt.Errorf("BRM_ENVIRONMENT 必须是 test 或 production，当前为 %q", c.Environment)
	}
	if c.Identity.TokenURL == "" {
		c.Identity.TokenURL = urls.TokenURL
	}
	if c.Session.URL == "" {
		c.Session.URL = urls.WSURL
	}
	if c.Session.Host == "" {
		u, err := url.Parse(c.Session.URL)
		if err != nil {
			return fmt.Errorf("无效的 websocket 地址 %q: %w", c.Session.URL, err)
		}
		c.Session.Host = u.Hostname()
	}
	if c.Session.User == "" {
		c.Session.User = c.Identity.Username
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url 未配置")
	}
	if c.Session.User == "" {
		return fmt.Errorf("session.user 未配置（或设置 BRM_USERNAME）")
	}
	if c.Identity.GrantType != "password" && c.Identity.GrantType != "client_credentials" {
		return fmt.Errorf("identity.grant_type 只支持 password / client_credentials")
	}
	if c.Identity.SafetyMargin.D() <= 0 {
		return fmt.Errorf("identity.safety_margin 必须大于 0")
	}
	if c.Identity.MinBackoff.D() <= 0 || c.Identity.MaxBackoff.D() < c.Identity.MinBackoff.D() {
		return fmt.Errorf("identity 退避区间无效: %s..%s", c.Identity.MinBackoff, c.Identity.MaxBackoff)
	}
	if c.Session.HeartbeatSend.D() < 0 || c.Session.HeartbeatReceive.D() < 0 {
		return fmt.Errorf("心跳间隔不能为负数")
	}
	if c.Session.HeartbeatTolerance < 1 {
		return fmt.Errorf("session.heartbeat_tolerance 必须 >= 1")
	}
	if c.Session.ConnectTimeout.D() <= 0 || c.Session.SendTimeout.D() <= 0 || c.Session.ReceiptTimeout.D() <= 0 {
		return fmt.Errorf("会话超时必须大于 0")
	}
	if c.Reconnect.InitialDelay.D() <= 0 || c.Reconnect.MaxDelay.D() < c.Reconnect.InitialDelay.D() {
		return fmt.Errorf("reconnect 延迟区间无效: %s..%s", c.Reconnect.InitialDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier 必须 >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter 必须在 [0, 1) 之间")
	}
	if c.Orders.QueueSize < 0 {
		return fmt.Errorf("orders.queue_size 不能为负数")
	}
	if c.Orders.DeactivationGrace.D() <= 0 {
		return fmt.Errorf("orders.deactivation_grace 必须大于 0")
	}
	if c.Orders.HistoryWindow.D() <= 0 {
		return fmt.Errorf("orders.history_window 必须大于 0")
	}
	if c.Router.QueueSize <= 0 {
		return fmt.Errorf("router.queue_size 必须大于 0")
	}
	if c.Shutdown.DrainTimeout.D() <= 0 {
		return fmt.Errorf("shutdown.drain_timeout 必须大于 0")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}
