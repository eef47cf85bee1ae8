package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"time"

	"wisefido-medication/internal/escalation"
	"wisefido-medication/internal/models"

	"gopkg.in/yaml.v3"
)

// LadderFile 阶梯文件结构
//
//	levels:
//	  - level: 1
//	    name: Gentle reminder
//	    delay_minutes: 0
//	    local_actions: [soft]
//	    recipients: none
type LadderFile struct {
	Levels []LevelConfig `yaml:"levels"`
}

// LevelConfig 单级配置（延迟以分钟计）
type LevelConfig struct {
	Level        int      `yaml:"level"`
	Name         string   `yaml:"name"`
	DelayMinutes float64  `yaml:"delay_minutes"`
	LocalActions []string `yaml:"local_actions"`
	Recipients   string   `yaml:"recipients"`
}

// LoadLadderFile 读取并解析阶梯文件
func LoadLadderFile(path string, unit time.Duration) (models.Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ladder file: %w", err)
	}
	return ParseLadder(data, unit)
}

// ParseLadder 解析阶梯 YAML；delay_minutes 乘以 unit 得到实际延迟
func ParseLadder(data []byte, unit time.Duration) (models.Ladder, error) {
	var file LadderFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ladder: %v", escalation.ErrInvalidLadder, err)
	}

	ladder := make(models.Ladder, 0, len(file.Levels))
	for _, lc := range file.Levels {
		if math.IsNaN(lc.DelayMinutes) || math.IsInf(lc.DelayMinutes, 0) {
			return nil, fmt.Errorf("%w: level %d has invalid delay", escalation.ErrInvalidLadder, lc.Level)
		}

		scope := models.RecipientScope(lc.Recipients)
		if scope == "" {
			scope = models.ScopeNone
		}

		actions := make([]models.LocalAction, 0, len(lc.LocalActions))
		for _, a := range lc.LocalActions {
			actions = append(actions, models.LocalAction(a))
		}

		name := lc.Name
		if name == "" {
			name = fmt.Sprintf("Level %d", lc.Level)
		}

		ladder = append(ladder, models.EscalationLevel{
			Level:        lc.Level,
			Name:         name,
			Delay:        time.Duration(lc.DelayMinutes * float64(unit)),
			LocalActions: actions,
			Scope:        scope,
		})
	}

	if err := escalation.ValidateLadder(ladder); err != nil {
		return nil, err
	}
	return ladder, nil
}
