package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-medication/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventTypeMedicationMissed = "MedicationMissed"
	categoryClinical          = "clinical"
)

// AlarmEventsRepository 报警事件仓库（alarm_events 表），实现 escalation.AlertLog
type AlarmEventsRepository struct {
	db       *sql.DB
	tenantID string
	logger   *zap.Logger
}

// NewAlarmEventsRepository 创建报警事件仓库
func NewAlarmEventsRepository(db *sql.DB, tenantID string, logger *zap.Logger) *AlarmEventsRepository {
	return &AlarmEventsRepository{
		db:       db,
		tenantID: tenantID,
		logger:   logger,
	}
}

// Record 每执行一级写入一条漏服报警事件
func (r *AlarmEventsRepository) Record(ctx context.Context, record models.AlertRecord) error {
	triggerData, err := json.Marshal(models.MedicationTriggerData{
		EventType:      eventTypeMedicationMissed,
		DoseID:         record.DoseID,
		MedicationID:   record.MedicationID,
		MedicationName: record.MedicationName,
		Level:          record.Level,
		Message:        record.Message,
		Source:         "wisefido-medication",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}
	metadata, err := json.Marshal(map[string]string{"resident_id": record.PatientID})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	triggeredAt := record.RecordedAt
	if triggeredAt.IsZero() {
		triggeredAt = time.Now()
	}

	event := &models.AlarmEvent{
		EventID:       uuid.New().String(),
		TenantID:      r.tenantID,
		ResidentID:    record.PatientID,
		EventType:     eventTypeMedicationMissed,
		Category:      categoryClinical,
		AlarmLevel:    record.Severity,
		AlarmStatus:   "active",
		TriggeredAt:   triggeredAt,
		TriggerData:   triggerData,
		NotifiedUsers: json.RawMessage("[]"),
		Metadata:      metadata,
		CreatedAt:     triggeredAt,
	}

	return r.CreateAlarmEvent(ctx, event)
}

// CreateAlarmEvent 创建报警事件（需验证 tenant_id）
func (r *AlarmEventsRepository) CreateAlarmEvent(ctx context.Context, event *models.AlarmEvent) error {
	if r.tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.TenantID != r.tenantID {
		return fmt.Errorf("event.tenant_id must match repository tenant")
	}

	query := `
		INSERT INTO alarm_events (
			event_id,
			tenant_id,
			event_type,
			category,
			alarm_level,
			alarm_status,
			triggered_at,
			trigger_data,
			notified_users,
			metadata,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.TenantID,
		event.EventType,
		event.Category,
		event.AlarmLevel,
		event.AlarmStatus,
		event.TriggeredAt,
		string(event.TriggerData),
		string(event.NotifiedUsers),
		string(event.Metadata),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alarm event: %w", err)
	}

	r.logger.Debug("Medication alarm event recorded",
		zap.String("event_id", event.EventID),
		zap.String("alarm_level", event.AlarmLevel),
	)
	return nil
}

// ListMedicationAlarms 查询住户最近的漏服报警事件（按触发时间倒序）
func (r *AlarmEventsRepository) ListMedicationAlarms(ctx context.Context, residentID string, limit int) ([]*models.AlarmEvent, error) {
	if r.tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if residentID == "" {
		return nil, fmt.Errorf("resident_id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT
			event_id,
			tenant_id,
			metadata->>'resident_id',
			event_type,
			category,
			alarm_level,
			alarm_status,
			triggered_at,
			trigger_data,
			notified_users,
			metadata,
			created_at
		FROM alarm_events
		WHERE tenant_id = $1
		  AND event_type = $2
		  AND metadata->>'resident_id' = $3
		  AND (metadata->>'deleted_at' IS NULL)
		ORDER BY triggered_at DESC
		LIMIT $4
	`

	rows, err := r.db.QueryContext(ctx, query, r.tenantID, eventTypeMedicationMissed, residentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list medication alarms: %w", err)
	}
	defer rows.Close()

	events := []*models.AlarmEvent{}
	for rows.Next() {
		var event models.AlarmEvent
		var triggerData, notifiedUsers, metadata []byte

		if err := rows.Scan(
			&event.EventID,
			&event.TenantID,
			&event.ResidentID,
			&event.EventType,
			&event.Category,
			&event.AlarmLevel,
			&event.AlarmStatus,
			&event.TriggeredAt,
			&triggerData,
			&notifiedUsers,
			&metadata,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alarm event: %w", err)
		}

		event.TriggerData = jsonOrDefault(triggerData, "{}")
		event.NotifiedUsers = jsonOrDefault(notifiedUsers, "[]")
		event.Metadata = jsonOrDefault(metadata, "{}")
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarm events: %w", err)
	}

	return events, nil
}

func jsonOrDefault(raw []byte, def string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(def)
	}
	return json.RawMessage(raw)
}
