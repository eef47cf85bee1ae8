package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

// ContactsRepository 住户联系人仓库（resident_contacts 表），实现 escalation.ContactDirectory
type ContactsRepository struct {
	db       *sql.DB
	tenantID string
	logger   *zap.Logger
}

// NewContactsRepository 创建联系人仓库
func NewContactsRepository(db *sql.DB, tenantID string, logger *zap.Logger) *ContactsRepository {
	return &ContactsRepository{
		db:       db,
		tenantID: tenantID,
		logger:   logger,
	}
}

// alertTimeWindow resident_contacts.alert_time_window JSONB 结构
type alertTimeWindow struct {
	QuietStart string `json:"quiet_start"`
	QuietEnd   string `json:"quiet_end"`
	Timezone   string `json:"timezone"`
	Push       bool   `json:"push"`
}

// ListContacts 查询住户的启用联系人（每次调用都查库，不做缓存）
func (r *ContactsRepository) ListContacts(ctx context.Context, patientID string) ([]models.Contact, error) {
	if r.tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if patientID == "" {
		return nil, fmt.Errorf("resident_id is required")
	}

	query := `
		SELECT
			contact_id::text,
			slot,
			relationship,
			is_emergency_contact,
			COALESCE(alert_time_window, '{}'::jsonb)::text AS alert_time_window,
			contact_first_name,
			contact_last_name,
			contact_phone,
			contact_email,
			receive_sms,
			receive_email
		FROM resident_contacts
		WHERE tenant_id = $1
		  AND resident_id = $2
		  AND is_enabled = TRUE
		ORDER BY slot
	`

	rows, err := r.db.QueryContext(ctx, query, r.tenantID, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resident contacts: %w", err)
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		var contact models.Contact
		var relationship, firstName, lastName, phone, email sql.NullString
		var window string

		if err := rows.Scan(
			&contact.ID,
			&contact.Slot,
			&relationship,
			&contact.IsEmergencyContact,
			&window,
			&firstName,
			&lastName,
			&phone,
			&email,
			&contact.Preferences.SMS,
			&contact.Preferences.Email,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}

		contact.Relationship = relationship.String
		contact.Name = strings.TrimSpace(firstName.String + " " + lastName.String)
		contact.Phone = phone.String
		contact.Email = email.String

		var tw alertTimeWindow
		if err := json.Unmarshal([]byte(window), &tw); err != nil {
			// 时间窗格式错误不影响通知，按无免打扰处理
			r.logger.Warn("Invalid alert_time_window, ignoring quiet hours",
				zap.String("contact_id", contact.ID),
				zap.Error(err),
			)
		} else {
			contact.Preferences.PushNotification = tw.Push
			if tw.QuietStart != "" && tw.QuietEnd != "" {
				contact.Preferences.QuietHours = &models.QuietHours{
					Start:    tw.QuietStart,
					End:      tw.QuietEnd,
					Timezone: tw.Timezone,
				}
			}
		}

		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return contacts, nil
}
