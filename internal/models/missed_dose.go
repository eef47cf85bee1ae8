package models

import "time"

// EscalationState 漏服升级状态
type EscalationState string

const (
	StateEscalating EscalationState = "escalating" // 升级中（level 1..N）
	StateResolved   EscalationState = "resolved"   // 已服药（被取消）
	StateExhausted  EscalationState = "exhausted"  // 阶梯走完仍未服药
)

// DoseReport 漏服上报（由 Dose Monitor 在宽限期结束后提交）
type DoseReport struct {
	DoseID         string    `json:"dose_id"`         // 每次服药实例唯一（同一药品每天 3 次 = 3 个 dose）
	PatientID      string    `json:"patient_id"`      // 住户/患者ID（用于查询联系人）
	MedicationID   string    `json:"medication_id"`   // 药品ID（写入告警记录）
	MedicationName string    `json:"medication_name"` // 药品名称
	Dosage         string    `json:"dosage"`          // 剂量，如 "5mg"
	ScheduledTime  string    `json:"scheduled_time"`  // 计划服药时间，如 "08:00"
	DueAt          time.Time `json:"due_at,omitempty"`
}

// MissedDose 漏服记录（升级引擎独占，每个未解决的漏服一条）
type MissedDose struct {
	DoseID         string `json:"dose_id"`
	PatientID      string `json:"patient_id"`
	MedicationID   string `json:"medication_id"`
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	ScheduledTime  string `json:"scheduled_time"`

	DetectedMissedAt time.Time       `json:"detected_missed_at"`
	CurrentLevel     int             `json:"current_level"` // 0 = 尚未升级，单调递增
	LastActionAt     time.Time       `json:"last_action_at"`
	NextLevelAt      *time.Time      `json:"next_level_at,omitempty"`
	State            EscalationState `json:"state"`
}

// NewMissedDose 从上报创建漏服记录
func NewMissedDose(report DoseReport, detectedAt time.Time) MissedDose {
	return MissedDose{
		DoseID:           report.DoseID,
		PatientID:        report.PatientID,
		MedicationID:     report.MedicationID,
		MedicationName:   report.MedicationName,
		Dosage:           report.Dosage,
		ScheduledTime:    report.ScheduledTime,
		DetectedMissedAt: detectedAt,
		State:            StateEscalating,
	}
}

// Details 投递渠道使用的药品信息
func (m MissedDose) Details() MedicationDetails {
	return MedicationDetails{
		DoseID:         m.DoseID,
		PatientID:      m.PatientID,
		MedicationID:   m.MedicationID,
		MedicationName: m.MedicationName,
		Dosage:         m.Dosage,
		ScheduledTime:  m.ScheduledTime,
		Attempt:        m.CurrentLevel,
	}
}

// MedicationDetails 药品详情（随通知一起投递）
type MedicationDetails struct {
	DoseID         string `json:"dose_id"`
	PatientID      string `json:"patient_id"`
	MedicationID   string `json:"medication_id"`
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	ScheduledTime  string `json:"scheduled_time"`
	Attempt        int    `json:"attempt"`
}
