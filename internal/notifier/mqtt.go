package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wisefido-medication/internal/escalation"

	"go.uber.org/zap"
)

const (
	topicPrefix = "wisefido/medication/"
	alertSuffix = "/alert"
	ackSuffix   = "/ack"
)

// PubSub MQTT 发布/订阅（MQTTClient 实现）
type PubSub interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
}

// ErrNotConnected MQTT 连接断开
var ErrNotConnected = errors.New("mqtt not connected")

// AckHandler 患者在设备上确认提醒（视为已服药）
type AckHandler func(ctx context.Context, doseID, source string) error

// AckMessage 设备确认消息
type AckMessage struct {
	DoseID string `json:"dose_id"`
}

// MQTTNotifier 患者设备提醒，实现 escalation.LocalNotifier
type MQTTNotifier struct {
	client PubSub
	qos    byte
	logger *zap.Logger
}

// NewMQTTNotifier 创建设备提醒通道
func NewMQTTNotifier(client PubSub, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		qos:    qos,
		logger: logger,
	}
}

// Ping 健康检查
func (n *MQTTNotifier) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// AlertTopic 住户设备提醒主题
func AlertTopic(patientID string) string {
	return topicPrefix + patientID + alertSuffix
}

// Notify 下发提醒到住户设备
func (n *MQTTNotifier) Notify(ctx context.Context, patientID string, alert escalation.LocalAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal local alert: %w", err)
	}

	topic := AlertTopic(patientID)
	if err := n.client.Publish(topic, n.qos, false, payload); err != nil {
		return err
	}

	n.logger.Debug("Local alert published",
		zap.String("topic", topic),
		zap.String("dose_id", alert.DoseID),
		zap.String("action", string(alert.Action)),
	)
	return nil
}

// SubscribeAcks 订阅所有住户的设备确认
//
// 回调上下文不随 ctx 取消。
func (n *MQTTNotifier) SubscribeAcks(ctx context.Context, handler AckHandler) error {
	ackCtx := context.WithoutCancel(ctx)
	topic := topicPrefix + "+" + ackSuffix
	return n.client.Subscribe(topic, n.qos, func(topic string, payload []byte) error {
		if !strings.HasPrefix(topic, topicPrefix) || !strings.HasSuffix(topic, ackSuffix) {
			return fmt.Errorf("unexpected ack topic: %s", topic)
		}

		var ack AckMessage
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("failed to unmarshal ack: %w", err)
		}
		if ack.DoseID == "" {
			return fmt.Errorf("ack without dose_id on %s", topic)
		}

		n.logger.Info("Device acknowledged medication alert",
			zap.String("topic", topic),
			zap.String("dose_id", ack.DoseID),
		)
		return handler(ackCtx, ack.DoseID, "device")
	})
}

// UnsubscribeAcks 取消订阅设备确认
func (n *MQTTNotifier) UnsubscribeAcks() error {
	return n.client.Unsubscribe(topicPrefix + "+" + ackSuffix)
}
