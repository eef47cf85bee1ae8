package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-medication/internal/config"
	"wisefido-medication/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StateManager 漏服升级状态快照（Redis），实现 escalation.StateObserver
//
// 快照仅供其他服务查询，引擎自身不从 Redis 恢复状态。
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetStateKey 构建状态键
func (s *StateManager) GetStateKey(doseID string) string {
	return s.config.Cache.StateKeyPrefix + doseID
}

// OnLevel 每执行一级刷新快照
func (s *StateManager) OnLevel(ctx context.Context, dose models.MissedDose) error {
	return s.SetState(ctx, s.GetStateKey(dose.DoseID), dose, s.config.Cache.StateTTL)
}

// OnClosed 服药确认或阶梯耗尽后删除快照
func (s *StateManager) OnClosed(ctx context.Context, dose models.MissedDose) error {
	if err := s.DeleteState(ctx, s.GetStateKey(dose.DoseID)); err != nil {
		return err
	}
	s.logger.Debug("Escalation state removed",
		zap.String("dose_id", dose.DoseID),
		zap.String("state", string(dose.State)),
	)
	return nil
}

// GetEscalation 读取 dose 的升级快照
func (s *StateManager) GetEscalation(ctx context.Context, doseID string) (*models.MissedDose, error) {
	var dose models.MissedDose
	if err := s.GetState(ctx, s.GetStateKey(doseID), &dose); err != nil {
		return nil, err
	}
	return &dose, nil
}

// SetState 设置状态（带 TTL）
func (s *StateManager) SetState(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}

	return nil
}

// GetState 获取状态
func (s *StateManager) GetState(ctx context.Context, key string, dest interface{}) error {
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("state not found: %s", key)
		}
		return fmt.Errorf("failed to get state: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return nil
}

// DeleteState 删除状态
func (s *StateManager) DeleteState(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}
