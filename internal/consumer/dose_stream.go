package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-medication/internal/config"
	"wisefido-medication/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 服药事件类型（Stream 消息的 type 字段）
const (
	DoseEventDue   = "due"
	DoseEventTaken = "taken"
)

// DoseTakenEvent 服药确认事件
type DoseTakenEvent struct {
	DoseID string `json:"dose_id"`
	Source string `json:"source"`
}

// DoseHandler 服药事件处理者（Dose Monitor）
type DoseHandler interface {
	DoseDue(ctx context.Context, report models.DoseReport) error
	MarkTaken(ctx context.Context, doseID, source string) (bool, error)
}

// DoseEventConsumer 服药事件消费者（Redis Streams 消费者组）
type DoseEventConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	handler     DoseHandler
	logger      *zap.Logger
	block       time.Duration
}

// NewDoseEventConsumer 创建服药事件消费者
func NewDoseEventConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	handler DoseHandler,
	logger *zap.Logger,
) *DoseEventConsumer {
	block := cfg.Monitor.BlockTimeout
	if block <= 0 {
		block = 5 * time.Second
	}
	return &DoseEventConsumer{
		config:      cfg,
		redisClient: redisClient,
		handler:     handler,
		logger:      logger,
		block:       block,
	}
}

// Start 启动消费者（阻塞直到 ctx 取消）
func (c *DoseEventConsumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("Dose event consumer started",
		zap.String("stream", c.config.Monitor.StreamName),
		zap.String("group", c.config.Monitor.ConsumerGroup),
		zap.String("consumer", c.config.Monitor.ConsumerName),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Dose event consumer stopped")
			return nil
		default:
		}

		if _, err := c.processBatch(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Dose event consumer stopped")
				return nil
			}
			c.logger.Error("Failed to read dose events",
				zap.Error(err),
			)
			// 避免 Redis 不可用时空转
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ensureGroup 创建消费者组（已存在时忽略）
func (c *DoseEventConsumer) ensureGroup(ctx context.Context) error {
	err := c.redisClient.XGroupCreateMkStream(ctx,
		c.config.Monitor.StreamName,
		c.config.Monitor.ConsumerGroup,
		"0",
	).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// processBatch 读取并处理一批消息，返回处理条数
func (c *DoseEventConsumer) processBatch(ctx context.Context) (int, error) {
	streams, err := c.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Monitor.ConsumerGroup,
		Consumer: c.config.Monitor.ConsumerName,
		Streams:  []string{c.config.Monitor.StreamName, ">"},
		Count:    c.config.Monitor.BatchSize,
		Block:    c.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.handleMessage(ctx, msg)

			// 处理失败也确认，重复投递不会改变结果（DoseDue/MarkTaken 幂等）
			if err := c.redisClient.XAck(ctx, stream.Stream, c.config.Monitor.ConsumerGroup, msg.ID).Err(); err != nil {
				c.logger.Warn("Failed to ack dose event",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
			processed++
		}
	}

	return processed, nil
}

func (c *DoseEventConsumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	eventType, _ := msg.Values["type"].(string)
	data, _ := msg.Values["data"].(string)

	switch eventType {
	case DoseEventDue:
		var report models.DoseReport
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			c.logger.Warn("Malformed dose due event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			return
		}
		if err := c.handler.DoseDue(ctx, report); err != nil {
			c.logger.Error("Failed to handle dose due event",
				zap.String("message_id", msg.ID),
				zap.String("dose_id", report.DoseID),
				zap.Error(err),
			)
		}

	case DoseEventTaken:
		var taken DoseTakenEvent
		if err := json.Unmarshal([]byte(data), &taken); err != nil {
			c.logger.Warn("Malformed dose taken event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			return
		}
		if taken.Source == "" {
			taken.Source = "stream"
		}
		if _, err := c.handler.MarkTaken(ctx, taken.DoseID, taken.Source); err != nil {
			c.logger.Error("Failed to handle dose taken event",
				zap.String("message_id", msg.ID),
				zap.String("dose_id", taken.DoseID),
				zap.Error(err),
			)
		}

	default:
		c.logger.Warn("Unknown dose event type",
			zap.String("message_id", msg.ID),
			zap.String("type", eventType),
		)
	}
}

// PublishDoseEvent 发布服药事件到 Stream（排程服务、设备网关使用同一格式）
func PublishDoseEvent(ctx context.Context, client *redis.Client, stream, eventType string, payload interface{}) (string, error) {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dose event: %w", err)
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type":      eventType,
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}
