package escalation

import (
	"errors"
	"fmt"
	"time"

	"wisefido-medication/internal/models"
)

// ErrInvalidLadder 阶梯配置错误（启动时必须失败）
var ErrInvalidLadder = errors.New("invalid escalation ladder")

// ValidateLadder 校验阶梯：非空、level 从 1 连续递增、第 2 级起延迟 > 0、动作与范围合法
func ValidateLadder(ladder models.Ladder) error {
	if len(ladder) == 0 {
		return fmt.Errorf("%w: no levels configured", ErrInvalidLadder)
	}

	for i, level := range ladder {
		if level.Level != i+1 {
			return fmt.Errorf("%w: level at position %d has ordinal %d, want %d", ErrInvalidLadder, i, level.Level, i+1)
		}
		if level.Delay < 0 {
			return fmt.Errorf("%w: level %d has negative delay %s", ErrInvalidLadder, level.Level, level.Delay)
		}
		if i > 0 && level.Delay == 0 {
			return fmt.Errorf("%w: level %d must have a positive delay", ErrInvalidLadder, level.Level)
		}
		if !level.Scope.Valid() {
			return fmt.Errorf("%w: level %d has unknown recipient scope %q", ErrInvalidLadder, level.Level, level.Scope)
		}
		for _, action := range level.LocalActions {
			if !action.Valid() {
				return fmt.Errorf("%w: level %d has unknown local action %q", ErrInvalidLadder, level.Level, action)
			}
		}
		if len(level.LocalActions) == 0 && level.Scope == models.ScopeNone {
			return fmt.Errorf("%w: level %d has neither local actions nor recipients", ErrInvalidLadder, level.Level)
		}
	}

	return nil
}

// DefaultLadder 默认阶梯：立即 / 30 / 60 / 120 个时间单位（生产为分钟）
func DefaultLadder(unit time.Duration) models.Ladder {
	return models.Ladder{
		{
			Level:        1,
			Name:         "Gentle reminder",
			Delay:        0,
			LocalActions: []models.LocalAction{models.ActionSoft},
			Scope:        models.ScopeNone,
		},
		{
			Level:        2,
			Name:         "Firm reminder",
			Delay:        30 * unit,
			LocalActions: []models.LocalAction{models.ActionFirm},
			Scope:        models.ScopeNone,
		},
		{
			Level:        3,
			Name:         "Primary contact",
			Delay:        60 * unit,
			LocalActions: []models.LocalAction{models.ActionFirm},
			Scope:        models.ScopePrimary,
		},
		{
			Level:        4,
			Name:         "All family",
			Delay:        120 * unit,
			LocalActions: []models.LocalAction{models.ActionEmergency},
			Scope:        models.ScopeAll,
		},
	}
}
