package models

import "time"

// RecipientScope 每级通知的家属范围
type RecipientScope string

const (
	ScopeNone      RecipientScope = "none"      // 不通知家属
	ScopePrimary   RecipientScope = "primary"   // 仅首要紧急联系人
	ScopeEmergency RecipientScope = "emergency" // 全部紧急联系人
	ScopeAll       RecipientScope = "all"       // 全部联系人
)

// Valid 检查范围是否合法
func (s RecipientScope) Valid() bool {
	switch s {
	case ScopeNone, ScopePrimary, ScopeEmergency, ScopeAll:
		return true
	}
	return false
}

// LocalAction 在患者本机/会话上执行的动作
type LocalAction string

const (
	ActionSoft      LocalAction = "soft"      // 可关闭的通知 + 轻提示音
	ActionFirm      LocalAction = "firm"      // 需确认的通知 + 较响提示音 + 闪屏
	ActionEmergency LocalAction = "emergency" // 最高紧急度的本地通知
)

// Valid 检查动作是否合法
func (a LocalAction) Valid() bool {
	switch a {
	case ActionSoft, ActionFirm, ActionEmergency:
		return true
	}
	return false
}

// Urgency 投递紧急度
type Urgency string

const (
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// EscalationLevel 升级阶梯中的一级（静态配置，运行时不修改）
type EscalationLevel struct {
	Level        int            `json:"level"`
	Name         string         `json:"name"`
	Delay        time.Duration  `json:"delay"` // 距上一级执行的间隔；第 1 级立即执行，忽略该值
	LocalActions []LocalAction  `json:"local_actions"`
	Scope        RecipientScope `json:"scope"`
}

// Ladder 升级阶梯（按 Level 升序）
type Ladder []EscalationLevel
