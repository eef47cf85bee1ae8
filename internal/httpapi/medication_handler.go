package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"wisefido-medication/internal/escalation"
	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

// DoseTracker 服药到点监控（monitor.Monitor）
type DoseTracker interface {
	DoseDue(ctx context.Context, report models.DoseReport) error
	MarkTaken(ctx context.Context, doseID, source string) (bool, error)
	Pending() []models.DoseReport
}

// EscalationReader 升级状态查询（escalation.Engine）
type EscalationReader interface {
	Active() []models.MissedDose
	Get(doseID string) (models.MissedDose, bool)
}

// AlarmLister 漏服报警历史（repository.AlarmEventsRepository）
type AlarmLister interface {
	ListMedicationAlarms(ctx context.Context, residentID string, limit int) ([]*models.AlarmEvent, error)
}

// MedicationHandler 服药/升级接口
type MedicationHandler struct {
	doses       DoseTracker
	escalations EscalationReader
	alarms      AlarmLister
	logger      *zap.Logger
}

// NewMedicationHandler 创建 Handler；alarms 为 nil 时报警历史接口返回错误
func NewMedicationHandler(doses DoseTracker, escalations EscalationReader, alarms AlarmLister, logger *zap.Logger) *MedicationHandler {
	return &MedicationHandler{
		doses:       doses,
		escalations: escalations,
		alarms:      alarms,
		logger:      logger,
	}
}

type doseTakenRequest struct {
	DoseID string `json:"dose_id"`
	Source string `json:"source"`
}

type doseDueResponse struct {
	DoseID string `json:"dose_id"`
}

type doseTakenResponse struct {
	DoseID              string `json:"dose_id"`
	EscalationCancelled bool   `json:"escalation_cancelled"`
}

// DoseDue 登记到点 dose（排程服务调用）
func (h *MedicationHandler) DoseDue(w http.ResponseWriter, r *http.Request) {
	var report models.DoseReport
	if err := decodeBody(r, &report); err != nil {
		respondError(w, http.StatusOK, "invalid body")
		return
	}
	report.DoseID = strings.TrimSpace(report.DoseID)
	if report.DoseID == "" || report.PatientID == "" {
		respondError(w, http.StatusOK, "dose_id and patient_id are required")
		return
	}

	if err := h.doses.DoseDue(r.Context(), report); err != nil {
		h.logger.Error("Failed to register due dose",
			zap.String("dose_id", report.DoseID),
			zap.Error(err),
		)
		if errors.Is(err, escalation.ErrEngineStopped) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondError(w, http.StatusOK, err.Error())
		return
	}

	respondOK(w, doseDueResponse{DoseID: report.DoseID})
}

// DoseTaken 确认服药（App/护理人员）
func (h *MedicationHandler) DoseTaken(w http.ResponseWriter, r *http.Request) {
	var req doseTakenRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusOK, "invalid body")
		return
	}
	req.DoseID = strings.TrimSpace(req.DoseID)
	if req.DoseID == "" {
		respondError(w, http.StatusOK, "dose_id is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	cancelled, err := h.doses.MarkTaken(r.Context(), req.DoseID, req.Source)
	if err != nil {
		respondError(w, http.StatusOK, err.Error())
		return
	}

	respondOK(w, doseTakenResponse{
		DoseID:              req.DoseID,
		EscalationCancelled: cancelled,
	})
}

// ListPending 等待确认的 dose
func (h *MedicationHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	respondOK(w, newList(h.doses.Pending()))
}

// ListEscalations 升级中的漏服记录（可按 patient_id 过滤）
func (h *MedicationHandler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))

	items := make([]models.MissedDose, 0)
	for _, dose := range h.escalations.Active() {
		if patientID != "" && dose.PatientID != patientID {
			continue
		}
		items = append(items, dose)
	}

	respondOK(w, newList(items))
}

// GetEscalation 查询单个 dose 的升级状态
func (h *MedicationHandler) GetEscalation(w http.ResponseWriter, r *http.Request, doseID string) {
	dose, ok := h.escalations.Get(doseID)
	if !ok {
		respondError(w, http.StatusNotFound, "escalation not found")
		return
	}
	respondOK(w, dose)
}

// ListResidentAlarms 住户最近的漏服报警事件
func (h *MedicationHandler) ListResidentAlarms(w http.ResponseWriter, r *http.Request, residentID string) {
	if h.alarms == nil {
		respondError(w, http.StatusOK, "alarm history not available")
		return
	}

	limit := queryLimit(r)
	events, err := h.alarms.ListMedicationAlarms(r.Context(), residentID, limit)
	if err != nil {
		h.logger.Error("Failed to list medication alarms",
			zap.String("resident_id", residentID),
			zap.Error(err),
		)
		respondError(w, http.StatusOK, "failed to list alarms")
		return
	}

	respondOK(w, newList(events))
}
