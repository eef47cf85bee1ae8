package models

import (
	"encoding/json"
	"time"
)

// 告警级别（与 alarm_events.alarm_level 保持一致）
const (
	SeverityInformational = "INFORMATIONAL"
	SeverityWarning       = "WARNING"
	SeverityAlert         = "ALERT"
	SeverityEmergency     = "EMERGENCY"
)

// AlertRecord 升级审计记录（每执行一级写一条）
type AlertRecord struct {
	PatientID      string    `json:"patient_id"`
	DoseID         string    `json:"dose_id"`
	MedicationID   string    `json:"medication_id"`
	MedicationName string    `json:"medication_name"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Level          int       `json:"level"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// AlarmEvent 报警事件（对应 alarm_events 表）
type AlarmEvent struct {
	EventID       string          `json:"event_id" db:"event_id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	ResidentID    string          `json:"resident_id" db:"resident_id"`
	EventType     string          `json:"event_type" db:"event_type"`
	Category      string          `json:"category" db:"category"`         // safety, clinical, behavioral, device
	AlarmLevel    string          `json:"alarm_level" db:"alarm_level"`   // INFORMATIONAL, WARNING, ALERT, EMERGENCY
	AlarmStatus   string          `json:"alarm_status" db:"alarm_status"` // active, acknowledged
	TriggeredAt   time.Time       `json:"triggered_at" db:"triggered_at"`
	TriggerData   json.RawMessage `json:"trigger_data" db:"trigger_data"` // JSONB
	NotifiedUsers json.RawMessage `json:"notified_users" db:"notified_users"`
	Metadata      json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// MedicationTriggerData 漏服触发数据快照（JSONB 结构）
type MedicationTriggerData struct {
	EventType      string `json:"event_type"`
	DoseID         string `json:"dose_id"`
	MedicationID   string `json:"medication_id"`
	MedicationName string `json:"medication_name"`
	Level          int    `json:"level"`
	Message        string `json:"message"`
	Source         string `json:"source"`
}
