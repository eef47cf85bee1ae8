package escalation

import (
	"context"

	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

// LocalAlert 下发到患者设备的提醒
type LocalAlert struct {
	DoseID     string             `json:"dose_id"`
	Action     models.LocalAction `json:"action"`
	Level      int                `json:"level"`
	Title      string             `json:"title"`
	Body       string             `json:"body"`
	Urgency    models.Urgency     `json:"urgency"`
	Sound      string             `json:"sound"`       // soft, loud, siren
	RequireAck bool               `json:"require_ack"` // 需患者确认（确认即视为已服药）
	Flash      bool               `json:"flash"`       // 会话闪屏
}

// NewLocalAlert 根据动作构建提醒（同一动作效果固定）
func NewLocalAlert(action models.LocalAction, dose models.MissedDose) LocalAlert {
	alert := LocalAlert{
		DoseID: dose.DoseID,
		Action: action,
		Level:  dose.CurrentLevel,
		Body:   BuildPatientMessage(dose),
	}

	switch action {
	case models.ActionFirm:
		alert.Title = "Medication overdue"
		alert.Urgency = models.UrgencyMedium
		alert.Sound = "loud"
		alert.RequireAck = true
		alert.Flash = true
	case models.ActionEmergency:
		alert.Title = "Urgent: medication missed"
		alert.Urgency = models.UrgencyHigh
		alert.Sound = "siren"
		alert.RequireAck = true
		alert.Flash = true
	default:
		alert.Title = "Medication reminder"
		alert.Urgency = models.UrgencyMedium
		alert.Sound = "soft"
	}

	return alert
}

// runLocalActions 按顺序执行本地动作；主通道失败时改用备用通道，单个动作失败不影响后续动作
func (e *Engine) runLocalActions(ctx context.Context, dose models.MissedDose, level models.EscalationLevel) {
	for _, action := range level.LocalActions {
		alert := NewLocalAlert(action, dose)

		err := e.guard(ctx, func(callCtx context.Context) error {
			return e.local.Notify(callCtx, dose.PatientID, alert)
		})
		if err == nil {
			continue
		}

		e.logger.Warn("Local notification failed, using fallback",
			zap.String("dose_id", dose.DoseID),
			zap.Int("level", level.Level),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		if e.fallback == nil {
			e.logger.Error("No fallback notifier configured, patient not notified",
				zap.String("dose_id", dose.DoseID),
				zap.String("action", string(action)),
			)
			continue
		}

		if err := e.guard(ctx, func(callCtx context.Context) error {
			return e.fallback.Notify(callCtx, dose.PatientID, alert)
		}); err != nil {
			e.logger.Error("Fallback notification failed, patient not notified",
				zap.String("dose_id", dose.DoseID),
				zap.String("action", string(action)),
				zap.Error(err),
			)
			continue
		}
		e.metrics.LocalFallback(action)
	}
}
