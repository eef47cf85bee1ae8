// Package metrics 升级引擎 Prometheus 指标
package metrics

import (
	"strconv"

	"wisefido-medication/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// EscalationMetrics 实现 escalation.Metrics
type EscalationMetrics struct {
	LevelsExecuted  *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	QuietHoursSkips *prometheus.CounterVec
	LocalFallbacks  *prometheus.CounterVec
	Active          prometheus.Gauge
}

// NewEscalationMetrics 创建并注册指标
func NewEscalationMetrics(reg prometheus.Registerer) *EscalationMetrics {
	m := &EscalationMetrics{
		LevelsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_escalation_levels_executed_total",
			Help: "Total number of escalation levels executed",
		}, []string{"level"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_escalation_dispatches_total",
			Help: "Total number of family notification dispatch attempts",
		}, []string{"level", "result"}),
		QuietHoursSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_escalation_quiet_hours_skips_total",
			Help: "Total number of recipients skipped because of quiet hours",
		}, []string{"level"}),
		LocalFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_escalation_local_fallbacks_total",
			Help: "Total number of local notifications served by the fallback notifier",
		}, []string{"action"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medication_escalation_active",
			Help: "Number of doses currently escalating",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LevelsExecuted,
			m.Dispatches,
			m.QuietHoursSkips,
			m.LocalFallbacks,
			m.Active,
		)
	}
	return m
}

func (m *EscalationMetrics) LevelExecuted(level int) {
	m.LevelsExecuted.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *EscalationMetrics) DispatchResult(level int, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Dispatches.WithLabelValues(strconv.Itoa(level), result).Inc()
}

func (m *EscalationMetrics) QuietHoursSkipped(level int) {
	m.QuietHoursSkips.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *EscalationMetrics) LocalFallback(action models.LocalAction) {
	m.LocalFallbacks.WithLabelValues(string(action)).Inc()
}

func (m *EscalationMetrics) ActiveEscalations(n int) {
	m.Active.Set(float64(n))
}
