package models

// QuietHours 免打扰时段（联系人本地时间，"22:00"-"07:00" 跨零点）
type QuietHours struct {
	Start    string `json:"start"`              // "22:00"
	End      string `json:"end"`                // "07:00"
	Timezone string `json:"timezone,omitempty"` // "Asia/Shanghai"，为空时使用服务默认时区
}

// NotificationPreferences 联系人通知偏好
type NotificationPreferences struct {
	Email            bool        `json:"email"`
	SMS              bool        `json:"sms"`
	PushNotification bool        `json:"push_notification"`
	QuietHours       *QuietHours `json:"quiet_hours,omitempty"`
}

// Contact 家属/照护人联系人（来自 resident_contacts，引擎只读）
type Contact struct {
	ID                 string                  `json:"id"`
	Name               string                  `json:"name"`
	Relationship       string                  `json:"relationship"` // Child/Spouse/Friend/Caregiver
	Slot               string                  `json:"slot"`         // 'A'..'E'，越小优先级越高
	Email              string                  `json:"email,omitempty"`
	Phone              string                  `json:"phone,omitempty"`
	IsEmergencyContact bool                    `json:"is_emergency_contact"`
	Preferences        NotificationPreferences `json:"notification_preferences"`
}
