package escalation

import (
	"context"

	"wisefido-medication/internal/models"
)

// ContactDirectory 联系人目录（每个需要通知家属的级别都重新拉取）
type ContactDirectory interface {
	ListContacts(ctx context.Context, patientID string) ([]models.Contact, error)
}

// DeliveryChannel 家属通知投递渠道（email/SMS/语音）；返回 error 即视为该联系人投递失败
type DeliveryChannel interface {
	Dispatch(ctx context.Context, contact models.Contact, message string, urgency models.Urgency, details models.MedicationDetails) error
}

// LocalNotifier 患者本机/会话通知
type LocalNotifier interface {
	Notify(ctx context.Context, patientID string, alert LocalAlert) error
}

// AlertLog 升级审计日志（尽力写入）
type AlertLog interface {
	Record(ctx context.Context, record models.AlertRecord) error
}

// StateObserver 漏服状态观察者（如 Redis 快照），失败不影响升级
type StateObserver interface {
	OnLevel(ctx context.Context, dose models.MissedDose) error
	OnClosed(ctx context.Context, dose models.MissedDose) error
}

// Metrics 引擎指标
type Metrics interface {
	LevelExecuted(level int)
	DispatchResult(level int, ok bool)
	QuietHoursSkipped(level int)
	LocalFallback(action models.LocalAction)
	ActiveEscalations(n int)
}

type nopMetrics struct{}

func (nopMetrics) LevelExecuted(int)                {}
func (nopMetrics) DispatchResult(int, bool)         {}
func (nopMetrics) QuietHoursSkipped(int)            {}
func (nopMetrics) LocalFallback(models.LocalAction) {}
func (nopMetrics) ActiveEscalations(int)            {}
