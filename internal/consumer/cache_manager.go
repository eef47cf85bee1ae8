package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-medication/internal/config"
	"wisefido-medication/internal/escalation"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// maxCachedAlerts 每个住户保留的会话内提醒条数
const maxCachedAlerts = 20

// CacheManager 会话内提醒缓存（vital-focus 卡片读取），作为本地通知的降级通道
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetAlertKey 构建提醒缓存键
func (c *CacheManager) GetAlertKey(patientID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Cache.AlertKeyPrefix,
		patientID,
		c.config.Cache.AlertSuffix,
	)
}

// Notify 追加一条阻塞式提醒（实现 escalation.LocalNotifier）
func (c *CacheManager) Notify(ctx context.Context, patientID string, alert escalation.LocalAlert) error {
	key := c.GetAlertKey(patientID)

	jsonData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal local alert: %w", err)
	}

	pipe := c.redisClient.TxPipeline()
	pipe.RPush(ctx, key, jsonData)
	pipe.LTrim(ctx, key, -maxCachedAlerts, -1)
	pipe.Expire(ctx, key, c.config.Cache.AlertTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache local alert: %w", err)
	}

	c.logger.Debug("Cached in-session medication alert",
		zap.String("patient_id", patientID),
		zap.String("dose_id", alert.DoseID),
		zap.String("key", key),
	)
	return nil
}

// GetAlerts 读取住户的会话内提醒（按写入顺序）
func (c *CacheManager) GetAlerts(ctx context.Context, patientID string) ([]escalation.LocalAlert, error) {
	values, err := c.redisClient.LRange(ctx, c.GetAlertKey(patientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cached alerts: %w", err)
	}

	alerts := make([]escalation.LocalAlert, 0, len(values))
	for _, v := range values {
		var alert escalation.LocalAlert
		if err := json.Unmarshal([]byte(v), &alert); err != nil {
			c.logger.Warn("Skipping malformed cached alert",
				zap.String("patient_id", patientID),
				zap.Error(err),
			)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
