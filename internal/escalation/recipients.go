package escalation

import (
	"sort"
	"time"

	"wisefido-medication/internal/models"
)

// SelectRecipients 按范围挑选联系人，结果按 contact ID 去重
//
// primary 取 slot 最小的紧急联系人，slot 相同按 ID 排序，保证结果确定。
func SelectRecipients(scope models.RecipientScope, contacts []models.Contact) []models.Contact {
	switch scope {
	case models.ScopePrimary:
		emergency := filterEmergency(dedupe(contacts))
		if len(emergency) == 0 {
			return nil
		}
		sortByPriority(emergency)
		return emergency[:1]
	case models.ScopeEmergency:
		return filterEmergency(dedupe(contacts))
	case models.ScopeAll:
		return dedupe(contacts)
	default:
		return nil
	}
}

func dedupe(contacts []models.Contact) []models.Contact {
	seen := make(map[string]struct{}, len(contacts))
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func filterEmergency(contacts []models.Contact) []models.Contact {
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.IsEmergencyContact {
			out = append(out, c)
		}
	}
	return out
}

func sortByPriority(contacts []models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		si, sj := slotRank(contacts[i].Slot), slotRank(contacts[j].Slot)
		if si != sj {
			return si < sj
		}
		return contacts[i].ID < contacts[j].ID
	})
}

// slotRank 空 slot 排在最后
func slotRank(slot string) string {
	if slot == "" {
		return "\uffff"
	}
	return slot
}

// InQuietHours 判断 now 在联系人本地时间下是否处于免打扰时段
// start > end 表示跨零点；start == end 视为未设置
func InQuietHours(contact models.Contact, now time.Time, defaultLoc *time.Location) bool {
	qh := contact.Preferences.QuietHours
	if qh == nil || qh.Start == "" || qh.End == "" {
		return false
	}

	start, ok := minuteOfDay(qh.Start)
	if !ok {
		return false
	}
	end, ok := minuteOfDay(qh.End)
	if !ok || start == end {
		return false
	}

	loc := defaultLoc
	if loc == nil {
		loc = time.UTC
	}
	if qh.Timezone != "" {
		if l, err := time.LoadLocation(qh.Timezone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()

	if start < end {
		return current >= start && current < end
	}
	return current >= start || current < end
}

func minuteOfDay(hhmm string) (int, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
