package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryFetchFailure represents an unreachable or malformed market data or rate feed
	CategoryFetchFailure ErrorCategory = "fetch_failure"
	// CategoryInconsistentState represents contract state that cannot be valued
	CategoryInconsistentState ErrorCategory = "inconsistent_contract_state"
	// CategoryMissingPrice represents an eligible balance without a resolvable price
	CategoryMissingPrice ErrorCategory = "missing_price"
	// CategoryNotReady represents a table that has never been populated
	CategoryNotReady ErrorCategory = "not_ready"
	// CategoryPaymentSubmission represents a rejected or failed ledger write
	CategoryPaymentSubmission ErrorCategory = "payment_submission"
	// CategoryFeeTooHigh represents an acquisition quote above the fee cap
	CategoryFeeTooHigh ErrorCategory = "fee_too_high"
	// CategoryLedger represents ledger query errors
	CategoryLedger ErrorCategory = "ledger"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Pricing and valuation errors

// NewFetchFailureError creates a feed fetch error
func NewFetchFailureError(feed string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryFetchFailure,
		StatusCode: http.StatusBadGateway,
		Code:       "FETCH_FAILURE",
		Message:    fmt.Sprintf("failed to fetch %s", feed),
		Cause:      cause,
		Details: map[string]interface{}{
			"feed": feed,
		},
	}
}

// NewInconsistentStateError creates an inconsistent contract state error
func NewInconsistentStateError(contract string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInconsistentState,
		StatusCode: http.StatusInternalServerError,
		Code:       "INCONSISTENT_CONTRACT_STATE",
		Message:    fmt.Sprintf("contract %s: %s", contract, reason),
		Details: map[string]interface{}{
			"contract": contract,
			"reason":   reason,
		},
	}
}

// NewMissingPriceError creates a missing price error
func NewMissingPriceError(asset string, address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMissingPrice,
		StatusCode: http.StatusInternalServerError,
		Code:       "MISSING_PRICE",
		Message:    fmt.Sprintf("price of asset %s is not known, address %s", asset, address),
		Details: map[string]interface{}{
			"asset":   asset,
			"address": address,
		},
	}
}

// NewNotReadyError creates an error for a table that was never populated
func NewNotReadyError(what string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotReady,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "NOT_READY",
		Message:    fmt.Sprintf("%s not available yet", what),
	}
}

// Payment errors

// NewPaymentSubmissionError creates a payment submission error
func NewPaymentSubmissionError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPaymentSubmission,
		StatusCode: http.StatusBadGateway,
		Code:       "PAYMENT_SUBMISSION_FAILED",
		Message:    fmt.Sprintf("failed to submit %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewFeeTooHighError creates an error for an acquisition quote above the cap
func NewFeeTooHighError(feePercent, maxFeePercent float64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryFeeTooHigh,
		StatusCode: http.StatusConflict,
		Code:       "FEE_TOO_HIGH",
		Message:    fmt.Sprintf("fee would be %v%%, max %v%%", feePercent, maxFeePercent),
		Details: map[string]interface{}{
			"feePercent":    feePercent,
			"maxFeePercent": maxFeePercent,
		},
	}
}

// Infrastructure errors

// NewLedgerError creates a ledger query error
func NewLedgerError(method string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusBadGateway,
		Code:       "LEDGER_ERROR",
		Message:    fmt.Sprintf("ledger error during %s", method),
		Cause:      cause,
		Details: map[string]interface{}{
			"method": method,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Request errors

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize finds the categorized error in err's chain, or wraps err as an
// internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// Is reports whether err carries the given category
func Is(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Category == category
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an operation failing with err may succeed when
// repeated without any state change.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryFetchFailure, CategoryLedger, CategoryDatabase, CategoryCache,
		CategoryPaymentSubmission, CategoryFeeTooHigh:
		return true
	default:
		return false
	}
}

// IsFatalForCycle reports whether err aborts the whole price or compute run
// rather than a single external call.
func IsFatalForCycle(err error) bool {
	return Is(err, CategoryInconsistentState) || Is(err, CategoryMissingPrice)
}
