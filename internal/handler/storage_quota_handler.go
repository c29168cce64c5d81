package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"libhub/internal/service"
)

type StorageQuotaHandler struct {
	quotaService *service.StorageQuotaService
	errors       errorWriter
}

func NewStorageQuotaHandler(quotaService *service.StorageQuotaService, debug bool, logger *slog.Logger) *StorageQuotaHandler {
	return &StorageQuotaHandler{
		quotaService: quotaService,
		errors:       errorWriter{debug: debug, logger: logger.With(slog.String("component", "quota_handler"))},
	}
}

func (h *StorageQuotaHandler) GetQuotaInfo(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	quotaInfo, err := h.quotaService.GetQuotaInfo(r.Context(), identity.UserID)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaInfo)
}

// quotaAdminScope: scope токена, разрешающий менять чужие квоты.
const quotaAdminScope = "quota:admin"

// UpdateQuotaLimit: эндпоинт администратора для изменения квоты пользователя.
func (h *StorageQuotaHandler) UpdateQuotaLimit(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	if !identity.HasScope(quotaAdminScope) {
		WriteError(w, http.StatusForbidden, CodeForbidden, "scope "+quotaAdminScope+" required")
		return
	}

	var req struct {
		UserID   string `json:"user_id"`
		NewLimit int64  `json:"new_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	if err := h.quotaService.UpdateQuotaLimit(r.Context(), req.UserID, req.NewLimit); err != nil {
		h.errors.write(w, r, err)
		return
	}

	quotaInfo, err := h.quotaService.GetQuotaInfo(r.Context(), req.UserID)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaInfo)
}
