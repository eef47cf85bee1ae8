// Package escalation 漏服升级引擎：按阶梯逐级提醒患者并通知家属，服药后取消。
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-medication/internal/clock"
	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyEscalating 同一 dose 已在升级中（不会重启阶梯）
	ErrAlreadyEscalating = errors.New("dose already escalating")
	// ErrEngineStopped 引擎已停止
	ErrEngineStopped = errors.New("escalation engine stopped")
)

const defaultCallTimeout = 10 * time.Second

// Dependencies 引擎依赖
type Dependencies struct {
	Clock    clock.Clock
	Contacts ContactDirectory
	Delivery DeliveryChannel
	Local    LocalNotifier
	Fallback LocalNotifier // 主本地通道失败时使用（会话内阻塞提醒）
	Alerts   AlertLog
	Observer StateObserver
	Metrics  Metrics

	// DefaultLocation 联系人未设置时区时用于免打扰判断
	DefaultLocation *time.Location
	// CallTimeout 单次外部调用（投递、查询联系人、写审计）超时
	CallTimeout time.Duration
}

type escalation struct {
	dose  models.MissedDose
	timer clock.Timer
	// observeMu 串行化同一 dose 的快照写入与清除
	observeMu sync.Mutex
}

// Engine 漏服升级引擎
//
// live 是唯一的共享可变状态，ReportMissed / executeLevel / Cancel 的读改写都在 mu 内完成。
// 每个 dose 任意时刻最多一个待触发定时器。
type Engine struct {
	ladder      models.Ladder
	clock       clock.Clock
	contacts    ContactDirectory
	delivery    DeliveryChannel
	local       LocalNotifier
	fallback    LocalNotifier
	alerts      AlertLog
	observer    StateObserver
	metrics     Metrics
	location    *time.Location
	callTimeout time.Duration
	logger      *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	live    map[string]*escalation
	stopped bool
}

// NewEngine 创建升级引擎，阶梯不合法时返回错误
func NewEngine(ladder models.Ladder, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if err := ValidateLadder(ladder); err != nil {
		return nil, err
	}
	if deps.Contacts == nil {
		return nil, fmt.Errorf("contact directory is required")
	}
	if deps.Delivery == nil {
		return nil, fmt.Errorf("delivery channel is required")
	}
	if deps.Local == nil {
		return nil, fmt.Errorf("local notifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		ladder:      append(models.Ladder(nil), ladder...),
		clock:       deps.Clock,
		contacts:    deps.Contacts,
		delivery:    deps.Delivery,
		local:       deps.Local,
		fallback:    deps.Fallback,
		alerts:      deps.Alerts,
		observer:    deps.Observer,
		metrics:     deps.Metrics,
		location:    deps.DefaultLocation,
		callTimeout: deps.CallTimeout,
		logger:      logger,
		live:        make(map[string]*escalation),
	}
	if e.clock == nil {
		e.clock = clock.NewReal()
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.location == nil {
		e.location = time.UTC
	}
	if e.callTimeout <= 0 {
		e.callTimeout = defaultCallTimeout
	}
	e.baseCtx, e.cancelBase = context.WithCancel(context.Background())

	return e, nil
}

// Ladder 当前阶梯（副本）
func (e *Engine) Ladder() models.Ladder {
	return append(models.Ladder(nil), e.ladder...)
}

// ReportMissed 上报漏服：创建记录、立即执行第 1 级并注册第 2 级定时器
//
// 记录在执行任何动作之前写入 live，执行第 1 级期间到达的 Cancel 仍能阻止后续级别。
func (e *Engine) ReportMissed(ctx context.Context, report models.DoseReport) (models.MissedDose, error) {
	if report.DoseID == "" {
		return models.MissedDose{}, fmt.Errorf("dose_id is required")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return models.MissedDose{}, ErrEngineStopped
	}
	if existing, ok := e.live[report.DoseID]; ok {
		dose := existing.dose
		e.mu.Unlock()
		e.logger.Warn("Ignoring duplicate missed-dose report",
			zap.String("dose_id", report.DoseID),
			zap.Int("current_level", dose.CurrentLevel),
		)
		return dose, ErrAlreadyEscalating
	}
	esc := &escalation{dose: models.NewMissedDose(report, e.clock.Now())}
	e.live[report.DoseID] = esc
	e.mu.Unlock()

	e.logger.Info("Missed dose reported, starting escalation",
		zap.String("dose_id", report.DoseID),
		zap.String("patient_id", report.PatientID),
		zap.String("medication", report.MedicationName),
		zap.String("scheduled_time", report.ScheduledTime),
	)

	// 请求取消不应中断第 1 级的副作用
	e.executeLevel(context.WithoutCancel(ctx), esc, 0)

	e.mu.Lock()
	dose := esc.dose
	e.mu.Unlock()
	return dose, nil
}

// Cancel 服药确认：停止待触发定时器并移除记录；未知 dose 为 no-op，返回 false
func (e *Engine) Cancel(ctx context.Context, doseID string) bool {
	e.mu.Lock()
	esc, ok := e.live[doseID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("Cancel for dose without live escalation",
			zap.String("dose_id", doseID),
		)
		return false
	}
	if esc.timer != nil {
		esc.timer.Stop()
		esc.timer = nil
	}
	delete(e.live, doseID)
	esc.dose.State = models.StateResolved
	esc.dose.NextLevelAt = nil
	dose := esc.dose
	active := len(e.live)
	e.mu.Unlock()

	e.metrics.ActiveEscalations(active)
	e.logger.Info("Dose taken, escalation cancelled",
		zap.String("dose_id", doseID),
		zap.Int("reached_level", dose.CurrentLevel),
	)
	e.observeClosed(ctx, esc, dose)

	return true
}

// Get 查询升级中的漏服记录
func (e *Engine) Get(doseID string) (models.MissedDose, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, ok := e.live[doseID]
	if !ok {
		return models.MissedDose{}, false
	}
	return esc.dose, true
}

// Active 全部升级中的漏服记录（按检测时间、dose_id 排序）
func (e *Engine) Active() []models.MissedDose {
	e.mu.Lock()
	out := make([]models.MissedDose, 0, len(e.live))
	for _, esc := range e.live {
		out = append(out, esc.dose)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedMissedAt.Equal(out[j].DetectedMissedAt) {
			return out[i].DetectedMissedAt.Before(out[j].DetectedMissedAt)
		}
		return out[i].DoseID < out[j].DoseID
	})
	return out
}

// Stop 停止所有定时器，之后的上报返回 ErrEngineStopped
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for id, esc := range e.live {
		if esc.timer != nil {
			esc.timer.Stop()
		}
		delete(e.live, id)
	}
	e.mu.Unlock()

	e.cancelBase()
	e.metrics.ActiveEscalations(0)
}

// executeLevel 执行阶梯中第 idx 个级别
//
// 回调触发后先检查记录是否仍为同一条（指针相等），已取消或被新记录替换则不做任何事。
// 下一级定时器在执行动作之前注册，慢速投递不会推迟升级节奏。
func (e *Engine) executeLevel(ctx context.Context, esc *escalation, idx int) {
	level := e.ladder[idx]

	e.mu.Lock()
	if e.live[esc.dose.DoseID] != esc {
		e.mu.Unlock()
		e.logger.Debug("Skipping level for resolved dose",
			zap.String("dose_id", esc.dose.DoseID),
			zap.Int("level", level.Level),
		)
		return
	}

	now := e.clock.Now()
	esc.dose.CurrentLevel = level.Level
	esc.dose.LastActionAt = now
	esc.timer = nil

	exhausted := idx+1 >= len(e.ladder)
	if exhausted {
		esc.dose.State = models.StateExhausted
		esc.dose.NextLevelAt = nil
		delete(e.live, esc.dose.DoseID)
	} else {
		next := e.ladder[idx+1]
		fireAt := now.Add(next.Delay)
		esc.dose.NextLevelAt = &fireAt
		esc.timer = e.clock.AfterFunc(next.Delay, func() {
			e.executeLevel(e.baseCtx, esc, idx+1)
		})
	}
	dose := esc.dose
	active := len(e.live)
	e.mu.Unlock()

	e.metrics.LevelExecuted(level.Level)
	e.metrics.ActiveEscalations(active)
	e.logger.Info("Executing escalation level",
		zap.String("dose_id", dose.DoseID),
		zap.Int("level", level.Level),
		zap.String("level_name", level.Name),
		zap.String("scope", string(level.Scope)),
	)

	if exhausted {
		e.observeClosed(ctx, esc, dose)
	} else {
		e.observeLevel(ctx, esc, dose)
	}

	e.runLocalActions(ctx, dose, level)
	if level.Scope != models.ScopeNone {
		e.notifyFamily(ctx, dose, level)
	}
	e.recordAlert(ctx, dose, level)

	if exhausted {
		e.logger.Warn("Escalation ladder exhausted without intake confirmation",
			zap.String("dose_id", dose.DoseID),
			zap.String("patient_id", dose.PatientID),
			zap.Int("level", level.Level),
		)
	}
}

// notifyFamily 重新拉取联系人并逐个投递；单个联系人失败不影响其他人
func (e *Engine) notifyFamily(ctx context.Context, dose models.MissedDose, level models.EscalationLevel) {
	var contacts []models.Contact
	err := e.guard(ctx, func(callCtx context.Context) error {
		var listErr error
		contacts, listErr = e.contacts.ListContacts(callCtx, dose.PatientID)
		return listErr
	})
	if err != nil {
		e.logger.Warn("Failed to list contacts, skipping family notification",
			zap.String("dose_id", dose.DoseID),
			zap.String("patient_id", dose.PatientID),
			zap.Int("level", level.Level),
			zap.Error(err),
		)
		return
	}

	recipients := SelectRecipients(level.Scope, contacts)
	if len(recipients) == 0 {
		e.logger.Info("No contacts in scope for level",
			zap.String("dose_id", dose.DoseID),
			zap.Int("level", level.Level),
			zap.String("scope", string(level.Scope)),
		)
		return
	}

	urgency := UrgencyForLevel(level.Level)
	now := e.clock.Now()
	details := dose.Details()

	for _, contact := range recipients {
		if InQuietHours(contact, now, e.location) {
			e.metrics.QuietHoursSkipped(level.Level)
			e.logger.Info("Contact in quiet hours, skipping",
				zap.String("dose_id", dose.DoseID),
				zap.String("contact_id", contact.ID),
				zap.Int("level", level.Level),
			)
			continue
		}

		message := BuildFamilyMessage(contact, dose)
		c := contact
		if err := e.guard(ctx, func(callCtx context.Context) error {
			return e.delivery.Dispatch(callCtx, c, message, urgency, details)
		}); err != nil {
			e.metrics.DispatchResult(level.Level, false)
			e.logger.Warn("Failed to dispatch family notification",
				zap.String("dose_id", dose.DoseID),
				zap.String("contact_id", contact.ID),
				zap.Int("level", level.Level),
				zap.Error(err),
			)
			continue
		}

		e.metrics.DispatchResult(level.Level, true)
		e.logger.Info("Family notified",
			zap.String("dose_id", dose.DoseID),
			zap.String("contact_id", contact.ID),
			zap.Int("level", level.Level),
			zap.String("urgency", string(urgency)),
		)
	}
}

func (e *Engine) recordAlert(ctx context.Context, dose models.MissedDose, level models.EscalationLevel) {
	if e.alerts == nil {
		return
	}

	record := models.AlertRecord{
		PatientID:      dose.PatientID,
		DoseID:         dose.DoseID,
		MedicationID:   dose.MedicationID,
		MedicationName: dose.MedicationName,
		Severity:       SeverityForLevel(level.Level),
		Message:        buildAuditMessage(dose, level),
		Level:          level.Level,
		RecordedAt:     dose.LastActionAt,
	}
	if err := e.guard(ctx, func(callCtx context.Context) error {
		return e.alerts.Record(callCtx, record)
	}); err != nil {
		e.logger.Warn("Failed to record escalation alert",
			zap.String("dose_id", dose.DoseID),
			zap.Int("level", level.Level),
			zap.Error(err),
		)
	}
}

// observeLevel 写入级别快照；记录已关闭或已进入更高级别时跳过
func (e *Engine) observeLevel(ctx context.Context, esc *escalation, dose models.MissedDose) {
	if e.observer == nil {
		return
	}
	esc.observeMu.Lock()
	defer esc.observeMu.Unlock()

	e.mu.Lock()
	current := e.live[dose.DoseID] == esc && esc.dose.CurrentLevel == dose.CurrentLevel
	e.mu.Unlock()
	if !current {
		e.logger.Debug("Skipping stale escalation snapshot",
			zap.String("dose_id", dose.DoseID),
			zap.Int("level", dose.CurrentLevel),
		)
		return
	}

	if err := e.guard(ctx, func(callCtx context.Context) error {
		return e.observer.OnLevel(callCtx, dose)
	}); err != nil {
		e.logger.Warn("Failed to publish escalation state",
			zap.String("dose_id", dose.DoseID),
			zap.Error(err),
		)
	}
}

func (e *Engine) observeClosed(ctx context.Context, esc *escalation, dose models.MissedDose) {
	if e.observer == nil {
		return
	}
	if ctx == nil {
		ctx = e.baseCtx
	}
	esc.observeMu.Lock()
	defer esc.observeMu.Unlock()
	if err := e.guard(ctx, func(callCtx context.Context) error {
		return e.observer.OnClosed(callCtx, dose)
	}); err != nil {
		e.logger.Warn("Failed to clear escalation state",
			zap.String("dose_id", dose.DoseID),
			zap.Error(err),
		)
	}
}

// guard 带超时执行外部调用，panic 转为 error
func (e *Engine) guard(ctx context.Context, fn func(context.Context) error) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()

	return fn(callCtx)
}
