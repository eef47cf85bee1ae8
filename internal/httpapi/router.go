// Package httpapi 漏服升级服务 HTTP 接口
package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const apiPrefix = "/medication/api/v1"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterMedicationRoutes 注册服药/升级路由
func (r *Router) RegisterMedicationRoutes(h *MedicationHandler) {
	r.Handle(apiPrefix+"/doses/due", method(http.MethodPost, h.DoseDue))
	r.Handle(apiPrefix+"/doses/taken", method(http.MethodPost, h.DoseTaken))
	r.Handle(apiPrefix+"/doses/pending", method(http.MethodGet, h.ListPending))

	r.Handle(apiPrefix+"/escalations", method(http.MethodGet, h.ListEscalations))
	r.Handle(apiPrefix+"/escalations/", method(http.MethodGet, func(w http.ResponseWriter, req *http.Request) {
		doseID := strings.TrimPrefix(req.URL.Path, apiPrefix+"/escalations/")
		if doseID == "" || strings.Contains(doseID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetEscalation(w, req, doseID)
	}))

	// residents/{id}/alarms
	r.Handle(apiPrefix+"/residents/", method(http.MethodGet, func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, apiPrefix+"/residents/")
		residentID, ok := strings.CutSuffix(rest, "/alarms")
		if !ok || residentID == "" || strings.Contains(residentID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ListResidentAlarms(w, req, residentID)
	}))
}

// RegisterHealthRoutes 注册健康检查与指标
func (r *Router) RegisterHealthRoutes(health *HealthHandler, metrics http.Handler) {
	r.Handle("/healthz", method(http.MethodGet, health.ServeHTTP))
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != m {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
