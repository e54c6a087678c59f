package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// SuccessResponse wraps every successful API payload
type SuccessResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

// respondData sends a success envelope.
func respondData(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, SuccessResponse{Status: statusSuccess, Data: data})
}

// respondError sends an error envelope with the status of err's category.
// Internal causes are logged and not returned to the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	message := catErr.Message
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	if catErr.Category == apperrors.CategorySystem || catErr.Category == apperrors.CategoryDatabase {
		message = "An internal error occurred"
	}

	respondJSON(w, catErr.StatusCode, ErrorResponse{
		Status: statusError,
		Error:  message,
		Code:   catErr.Code,
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
