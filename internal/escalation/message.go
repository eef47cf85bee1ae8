package escalation

import (
	"fmt"
	"strings"

	"wisefido-medication/internal/models"
)

// UrgencyForLevel level >= 3 为 high
func UrgencyForLevel(level int) models.Urgency {
	if level >= 3 {
		return models.UrgencyHigh
	}
	return models.UrgencyMedium
}

// SeverityForLevel 映射到 alarm_events.alarm_level
func SeverityForLevel(level int) string {
	switch {
	case level <= 1:
		return models.SeverityInformational
	case level == 2:
		return models.SeverityWarning
	case level == 3:
		return models.SeverityAlert
	default:
		return models.SeverityEmergency
	}
}

// patientLabel 联系人视角下对患者的称呼（relationship 为联系人相对患者的关系）
func patientLabel(relationship string) string {
	switch strings.ToLower(strings.TrimSpace(relationship)) {
	case "child", "son", "daughter":
		return "parent"
	case "spouse", "husband", "wife", "partner":
		return "partner"
	case "parent", "mother", "father":
		return "child"
	case "sibling", "brother", "sister":
		return "sibling"
	case "grandchild":
		return "grandparent"
	case "friend":
		return "friend"
	case "caregiver":
		return "care recipient"
	default:
		return "family member"
	}
}

// BuildFamilyMessage 家属通知文本
func BuildFamilyMessage(contact models.Contact, dose models.MissedDose) string {
	greeting := "Hello"
	if contact.Name != "" {
		greeting = "Hello " + contact.Name
	}
	return fmt.Sprintf(
		"%s, your %s has not taken %s (%s) scheduled at %s. This is reminder attempt %d.",
		greeting,
		patientLabel(contact.Relationship),
		dose.MedicationName,
		dose.Dosage,
		dose.ScheduledTime,
		dose.CurrentLevel,
	)
}

// BuildPatientMessage 患者本地提醒文本
func BuildPatientMessage(dose models.MissedDose) string {
	return fmt.Sprintf(
		"Time to take %s (%s), scheduled at %s. Reminder %d.",
		dose.MedicationName,
		dose.Dosage,
		dose.ScheduledTime,
		dose.CurrentLevel,
	)
}

// buildAuditMessage 审计记录文本
func buildAuditMessage(dose models.MissedDose, level models.EscalationLevel) string {
	return fmt.Sprintf(
		"%s (%s) scheduled at %s not taken: level %d %s",
		dose.MedicationName,
		dose.Dosage,
		dose.ScheduledTime,
		level.Level,
		level.Name,
	)
}
