package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewInvalidInputError reports a malformed request parameter
func NewInvalidInputError(param, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("param", param).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", param, message))
}

// NewUnknownSenderError reports an SMS sender missing from the sender table
func NewUnknownSenderError(sender string) *AppError {
	return New(ErrCodeUnknownSender, "sender is not mapped to a marketplace").
		WithContext("sender", sender).
		WithUserMessage(fmt.Sprintf("Unknown sender %q", sender))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewUnavailableError marks the store as unusable after retries ran out
func NewUnavailableError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseUnavailable, fmt.Sprintf("database unavailable during %s", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database unavailable")
}

// NewAPIError creates an error for a chat API call. 408, 429 and 5xx are retryable.
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeTelegramAPI, "telegram API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed:
		return http.StatusUnprocessableEntity
	case ErrCodeInvalidInput, ErrCodeUnknownSender, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeTelegramAPI:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON error body returned by handlers
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

var sensitiveContextKeys = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"phone":    true,
}

// ToHTTPResponse converts an error to an HTTPErrorResponse, dropping sensitive context
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}
	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)

	if appErr, ok := As(err); ok && len(appErr.Context) > 0 {
		public := make(map[string]interface{})
		for k, v := range appErr.Context {
			if !sensitiveContextKeys[k] {
				public[k] = v
			}
		}
		if len(public) > 0 {
			response.Error.Context = public
		}
	}
	return response
}
