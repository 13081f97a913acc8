package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/controlplane/internal/apperr"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// NewMeta builds pagination metadata for one page of total results.
func NewMeta(page, limit, total int) PaginationMeta {
	return PaginationMeta{Page: page, Limit: limit, Total: total, HasNext: page*limit < total}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// AppError writes err using the status that matches its apperr kind.
// Errors without a kind are logged and reported as a generic 500.
func AppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusOf(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		Error(w, status, string(apperr.KindInternal), "An unexpected error occurred", nil)
		return
	}
	if status == http.StatusServiceUnavailable {
		slog.Warn("dependency unavailable", "error", err)
	}
	Error(w, status, string(kind), apperr.MessageOf(err), apperr.DetailsOf(err))
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindQuotaExceeded, apperr.KindInvalidTransition, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindProvisionerTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindProvisionerError:
		return http.StatusBadGateway
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}
