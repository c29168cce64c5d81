package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"libhub/internal/service"
)

// Коды ошибок API. Формат ответа: {"error": {"code": "...", "message": "..."}}.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeBadRequest      = "BAD_REQUEST"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternalError   = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError пишет ошибку в едином формате API.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// Unauthorized: ответ для auth middleware.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorWriter переводит ошибки сервиса в HTTP-ответы. Подробности
// внутренних ошибок уходят клиенту только в debug-режиме.
type errorWriter struct {
	debug  bool
	logger *slog.Logger
}

func (e errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve) && ve.TooLarge:
		WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, ve.Error())
	case errors.As(err, &ve):
		WriteError(w, http.StatusUnprocessableEntity, CodeValidationError, ve.Error())
	case errors.Is(err, service.ErrQuotaExceeded):
		WriteError(w, http.StatusUnprocessableEntity, CodeQuotaExceeded, err.Error())
	case errors.Is(err, service.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		WriteError(w, http.StatusForbidden, CodeForbidden, err.Error())
	default:
		e.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		message := "internal server error"
		if e.debug {
			message = err.Error()
		}
		WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
	}
}
