package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fjod/storefront/pkg/apperr"
	"github.com/go-chi/chi/v5"
)

type ErrorResponse struct {
	Error      string  `json:"error"`
	Code       string  `json:"code,omitempty"`
	Details    string  `json:"details,omitempty"`
	ProductIDs []int64 `json:"product_ids,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleAppError converts an error kind into an HTTP status.
func handleAppError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var httpStatus int
	var code string

	switch {
	case errors.Is(err, apperr.ErrValidation):
		httpStatus = http.StatusBadRequest
		code = "invalid_argument"
	case errors.Is(err, apperr.ErrConflict):
		httpStatus = http.StatusConflict
		code = "conflict"
	case errors.Is(err, apperr.ErrNotFound):
		httpStatus = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, apperr.ErrPartialCompensation):
		httpStatus = http.StatusInternalServerError
		code = "partial_compensation"
	default:
		httpStatus = http.StatusInternalServerError
		code = "internal_error"
	}

	if httpStatus >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", getRequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}

	message := err.Error()
	if code == "internal_error" {
		message = "internal server error"
	}
	respondJSON(w, httpStatus, ErrorResponse{
		Error:      message,
		Code:       code,
		ProductIDs: apperr.ProductIDs(err),
	})
}

func decodeBody(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeBody(r, dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}
