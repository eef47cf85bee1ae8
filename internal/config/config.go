package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-medication/internal/escalation"
	"wisefido-medication/internal/models"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 漏服升级服务配置
type Config struct {
	TenantID string

	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 升级引擎配置
	Escalation struct {
		LadderFile      string        // 阶梯 YAML 文件，为空时使用默认阶梯
		DelayUnit       time.Duration // 阶梯延迟单位，生产为 1m，联调可设为 1s/1ms
		DefaultTimezone string        // 联系人未设置时区时使用
		CallTimeout     time.Duration // 单次外部调用超时
		Ladder          models.Ladder // 解析后的阶梯
	}

	// Dose Monitor 配置
	Monitor struct {
		GraceWindow   time.Duration // 到点后等待确认的宽限期
		StreamName    string        // 服药事件 Redis Stream
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		BlockTimeout  time.Duration // XREADGROUP 阻塞时长
	}

	// Redis 缓存配置
	Cache struct {
		StateKeyPrefix string        // 升级状态快照键前缀，如 "medication:escalation:"
		StateTTL       time.Duration // 快照 TTL
		AlertKeyPrefix string        // 会话内提醒缓存键前缀，如 "vital-focus:card:"
		AlertSuffix    string        // 会话内提醒缓存键后缀，如 ":medication-alerts"
		AlertTTL       time.Duration
	}

	// 通知网关（email/SMS/语音）
	Gateway struct {
		BaseURL    string
		APIKey     string
		Timeout    time.Duration
		RetryCount int
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 可选阶梯文件），阶梯不合法时返回错误
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TenantID = getEnv("TENANT_ID", "")

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-medication")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	var err error
	cfg.Escalation.LadderFile = getEnv("ESCALATION_LADDER_FILE", "")
	if cfg.Escalation.DelayUnit, err = getEnvDuration("ESCALATION_DELAY_UNIT", time.Minute); err != nil {
		return nil, err
	}
	if cfg.Escalation.DelayUnit <= 0 {
		return nil, fmt.Errorf("ESCALATION_DELAY_UNIT must be positive")
	}
	cfg.Escalation.DefaultTimezone = getEnv("ESCALATION_DEFAULT_TIMEZONE", "UTC")
	if _, err := time.LoadLocation(cfg.Escalation.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid ESCALATION_DEFAULT_TIMEZONE: %w", err)
	}
	if cfg.Escalation.CallTimeout, err = getEnvDuration("ESCALATION_CALL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.Monitor.GraceWindow, err = getEnvDuration("DOSE_GRACE_WINDOW", 30*time.Minute); err != nil {
		return nil, err
	}
	cfg.Monitor.StreamName = getEnv("DOSE_EVENT_STREAM", "medication:dose-events")
	cfg.Monitor.ConsumerGroup = getEnv("DOSE_EVENT_GROUP", "wisefido-medication")
	cfg.Monitor.ConsumerName = getEnv("DOSE_EVENT_CONSUMER", "medication-1")
	cfg.Monitor.BatchSize = 10
	cfg.Monitor.BlockTimeout = 5 * time.Second

	cfg.Cache.StateKeyPrefix = getEnv("CACHE_STATE_PREFIX", "medication:escalation:")
	cfg.Cache.StateTTL = 24 * time.Hour
	cfg.Cache.AlertKeyPrefix = getEnv("CACHE_ALERT_PREFIX", "vital-focus:card:")
	cfg.Cache.AlertSuffix = ":medication-alerts"
	cfg.Cache.AlertTTL = 6 * time.Hour

	cfg.Gateway.BaseURL = getEnv("NOTIFY_GATEWAY_URL", "http://localhost:8085")
	cfg.Gateway.APIKey = getEnv("NOTIFY_GATEWAY_API_KEY", "")
	if cfg.Gateway.Timeout, err = getEnvDuration("NOTIFY_GATEWAY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	cfg.Gateway.RetryCount = getEnvInt("NOTIFY_GATEWAY_RETRIES", 2)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Escalation.LadderFile != "" {
		ladder, err := LoadLadderFile(cfg.Escalation.LadderFile, cfg.Escalation.DelayUnit)
		if err != nil {
			return nil, err
		}
		cfg.Escalation.Ladder = ladder
	} else {
		cfg.Escalation.Ladder = escalation.DefaultLadder(cfg.Escalation.DelayUnit)
	}
	if err := escalation.ValidateLadder(cfg.Escalation.Ladder); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location 默认时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Escalation.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
