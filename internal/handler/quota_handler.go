package handler

import (
	"net/http"

	"tiervault/internal/service"
)

type QuotaHandler struct {
	quotaService *service.QuotaService
}

func NewQuotaHandler(quotaService *service.QuotaService) *QuotaHandler {
	return &QuotaHandler{
		quotaService: quotaService,
	}
}

// GetQuotaInfo возвращает текущее состояние квот идентификатора
func (h *QuotaHandler) GetQuotaInfo(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	info, err := h.quotaService.GetQuotaInfo(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get quota info")
		return
	}

	writeJSON(w, http.StatusOK, info)
}
