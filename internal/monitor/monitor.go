// Package monitor 服药到点监控：到点后等待宽限期，未确认服药则上报漏服。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-medication/internal/clock"
	"wisefido-medication/internal/escalation"
	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

// takenRetention 未匹配到待服 dose 的服药确认保留时长（提前服药）
const takenRetention = 24 * time.Hour

// Escalator 漏服升级（escalation.Engine）
type Escalator interface {
	ReportMissed(ctx context.Context, report models.DoseReport) (models.MissedDose, error)
	Cancel(ctx context.Context, doseID string) bool
}

type pendingDose struct {
	report   models.DoseReport
	deadline time.Time
	timer    clock.Timer
}

// Monitor 服药到点监控
type Monitor struct {
	clock     clock.Clock
	escalator Escalator
	grace     time.Duration
	logger    *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingDose
	taken   map[string]time.Time
	// reporting 宽限期已过、正在移交升级引擎的 dose；值为移交期间是否收到服药确认
	reporting map[string]bool
	stopped   bool
}

// NewMonitor 创建监控器，grace 为到点后等待确认的宽限期
func NewMonitor(clk clock.Clock, escalator Escalator, grace time.Duration, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if grace < 0 {
		grace = 0
	}

	m := &Monitor{
		clock:     clk,
		escalator: escalator,
		grace:     grace,
		logger:    logger,
		pending:   make(map[string]*pendingDose),
		taken:     make(map[string]time.Time),
		reporting: make(map[string]bool),
	}
	m.baseCtx, m.cancelBase = context.WithCancel(context.Background())
	return m
}

// DoseDue 登记到点 dose；已登记或已确认服药的 dose 忽略
func (m *Monitor) DoseDue(ctx context.Context, report models.DoseReport) error {
	if report.DoseID == "" {
		return fmt.Errorf("dose_id is required")
	}

	now := m.clock.Now()
	if report.DueAt.IsZero() {
		report.DueAt = now
	}
	deadline := report.DueAt.Add(m.grace)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return escalation.ErrEngineStopped
	}
	_, handingOff := m.reporting[report.DoseID]
	if _, ok := m.pending[report.DoseID]; ok || handingOff {
		m.mu.Unlock()
		m.logger.Debug("Dose already pending, ignoring",
			zap.String("dose_id", report.DoseID),
		)
		return nil
	}
	if _, ok := m.taken[report.DoseID]; ok {
		m.mu.Unlock()
		m.logger.Info("Dose taken before due, not monitoring",
			zap.String("dose_id", report.DoseID),
		)
		return nil
	}

	p := &pendingDose{report: report, deadline: deadline}
	m.pending[report.DoseID] = p
	if delay := deadline.Sub(now); delay > 0 {
		p.timer = m.clock.AfterFunc(delay, func() {
			m.graceExpired(m.baseCtx, p)
		})
		m.mu.Unlock()

		m.logger.Info("Dose due, waiting for intake confirmation",
			zap.String("dose_id", report.DoseID),
			zap.String("patient_id", report.PatientID),
			zap.Time("deadline", deadline),
		)
		return nil
	}
	m.mu.Unlock()

	// 宽限期已过（补发的到点事件）
	m.graceExpired(ctx, p)
	return nil
}

// MarkTaken 确认服药：未到宽限期则停止计时，已在升级中则取消升级
//
// 返回值表示是否取消了一个进行中的升级。
func (m *Monitor) MarkTaken(ctx context.Context, doseID, source string) (bool, error) {
	if doseID == "" {
		return false, fmt.Errorf("dose_id is required")
	}

	now := m.clock.Now()

	m.mu.Lock()
	if p, ok := m.pending[doseID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.pending, doseID)
		m.mu.Unlock()

		m.logger.Info("Dose taken within grace window",
			zap.String("dose_id", doseID),
			zap.String("source", source),
		)
		return false, nil
	}
	_, handingOff := m.reporting[doseID]
	if handingOff {
		m.reporting[doseID] = true
	}
	m.mu.Unlock()

	if m.escalator.Cancel(ctx, doseID) || handingOff {
		m.logger.Info("Dose taken during escalation",
			zap.String("dose_id", doseID),
			zap.String("source", source),
		)
		return true, nil
	}

	m.mu.Lock()
	if _, ok := m.taken[doseID]; !ok && !m.stopped {
		m.taken[doseID] = now
		m.clock.AfterFunc(takenRetention, func() {
			m.mu.Lock()
			delete(m.taken, doseID)
			m.mu.Unlock()
		})
	}
	m.mu.Unlock()

	m.logger.Debug("Intake recorded for dose not yet due",
		zap.String("dose_id", doseID),
		zap.String("source", source),
	)
	return false, nil
}

// Pending 等待确认的 dose（按截止时间排序）
func (m *Monitor) Pending() []models.DoseReport {
	m.mu.Lock()
	list := make([]*pendingDose, 0, len(m.pending))
	for _, p := range m.pending {
		list = append(list, p)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].deadline.Equal(list[j].deadline) {
			return list[i].deadline.Before(list[j].deadline)
		}
		return list[i].report.DoseID < list[j].report.DoseID
	})

	out := make([]models.DoseReport, 0, len(list))
	for _, p := range list {
		out = append(out, p.report)
	}
	return out
}

// Stop 停止所有宽限期计时
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, p := range m.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.pending, id)
	}
	m.mu.Unlock()

	m.cancelBase()
}

// graceExpired 宽限期结束仍未确认服药，上报漏服
func (m *Monitor) graceExpired(ctx context.Context, p *pendingDose) {
	m.mu.Lock()
	if m.pending[p.report.DoseID] != p {
		m.mu.Unlock()
		return
	}
	doseID := p.report.DoseID
	delete(m.pending, doseID)
	m.reporting[doseID] = false
	m.mu.Unlock()

	m.logger.Info("Grace window elapsed without intake",
		zap.String("dose_id", doseID),
		zap.String("patient_id", p.report.PatientID),
	)

	_, err := m.escalator.ReportMissed(ctx, p.report)

	m.mu.Lock()
	takenDuringHandoff := m.reporting[doseID]
	delete(m.reporting, doseID)
	m.mu.Unlock()

	if err != nil && !errors.Is(err, escalation.ErrAlreadyEscalating) {
		m.logger.Error("Failed to report missed dose",
			zap.String("dose_id", doseID),
			zap.Error(err),
		)
		return
	}

	// 移交期间的服药确认可能早于引擎登记记录，这里补一次取消
	if takenDuringHandoff && m.escalator.Cancel(context.WithoutCancel(ctx), doseID) {
		m.logger.Info("Intake confirmed during handoff, escalation cancelled",
			zap.String("dose_id", doseID),
		)
	}
}
