// Package notifier 外部通知通道：家属通知网关（HTTP）与患者设备提醒（MQTT）。
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-medication/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrNoChannel 联系人没有任何可用的通知方式
	ErrNoChannel = errors.New("contact has no enabled notification channel")
	// ErrBreakerOpen 网关熔断中
	ErrBreakerOpen = errors.New("notification gateway circuit open")
)

// 通知方式
const (
	MethodEmail = "email"
	MethodSMS   = "sms"
	MethodPush  = "push"
	MethodVoice = "voice"
)

// GatewayConfig 通知网关配置
type GatewayConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// NotificationRequest 网关请求体
type NotificationRequest struct {
	ContactID string                   `json:"contact_id"`
	Name      string                   `json:"name"`
	Email     string                   `json:"email,omitempty"`
	Phone     string                   `json:"phone,omitempty"`
	Methods   []string                 `json:"methods"`
	Message   string                   `json:"message"`
	Urgency   models.Urgency           `json:"urgency"`
	Details   models.MedicationDetails `json:"details"`
}

// GatewayResponse 网关响应（与 wisefido 服务的统一返回结构一致）
type GatewayResponse struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

const gatewayCodeOK = 2000

// GatewayDispatcher 家属通知网关客户端，实现 escalation.DeliveryChannel
type GatewayDispatcher struct {
	httpClient *resty.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewGatewayDispatcher 创建通知网关客户端
func NewGatewayDispatcher(cfg GatewayConfig, logger *zap.Logger) *GatewayDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-gateway",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notification gateway circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &GatewayDispatcher{
		httpClient: client,
		breaker:    breaker,
		logger:     logger,
	}
}

// Dispatch 按联系人偏好选择通知方式并发送
func (g *GatewayDispatcher) Dispatch(ctx context.Context, contact models.Contact, message string, urgency models.Urgency, details models.MedicationDetails) error {
	methods := MethodsFor(contact, urgency)
	if len(methods) == 0 {
		return fmt.Errorf("%w: %s", ErrNoChannel, contact.ID)
	}

	request := NotificationRequest{
		ContactID: contact.ID,
		Name:      contact.Name,
		Email:     contact.Email,
		Phone:     contact.Phone,
		Methods:   methods,
		Message:   message,
		Urgency:   urgency,
		Details:   details,
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.send(ctx, request)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return err
}

func (g *GatewayDispatcher) send(ctx context.Context, request NotificationRequest) error {
	var response GatewayResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/notify/api/v1/notifications")
	if err != nil {
		return fmt.Errorf("failed to call notification gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification gateway returned status %d", resp.StatusCode())
	}
	if response.Code != gatewayCodeOK {
		g.logger.Warn("Notification gateway rejected request",
			zap.String("contact_id", request.ContactID),
			zap.Int("code", response.Code),
			zap.String("message", response.Message),
		)
		return fmt.Errorf("notification gateway error: %s (code: %d)", response.Message, response.Code)
	}

	g.logger.Debug("Notification accepted by gateway",
		zap.String("contact_id", request.ContactID),
		zap.Strings("methods", request.Methods),
	)
	return nil
}

// MethodsFor 联系人可用的通知方式；high 紧急度对有电话的联系人追加语音
func MethodsFor(contact models.Contact, urgency models.Urgency) []string {
	var methods []string
	if contact.Preferences.Email && contact.Email != "" {
		methods = append(methods, MethodEmail)
	}
	if contact.Preferences.SMS && contact.Phone != "" {
		methods = append(methods, MethodSMS)
	}
	if contact.Preferences.PushNotification {
		methods = append(methods, MethodPush)
	}
	if urgency == models.UrgencyHigh && contact.Phone != "" {
		methods = append(methods, MethodVoice)
	}
	return methods
}
