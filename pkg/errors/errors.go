package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// AppError is an error with an HTTP status and a client-facing message.
// It serializes into the response envelope as {"code":..,"msg":..}.
type AppError struct {
	Code    int            `json:"code"`
	Message string         `json:"msg"`
	Err     error          `json:"-"`
	Fields  map[string]any `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Fields:  make(map[string]any),
	}
}

// WithField adds a single additional field to the error response.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func BadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, message, nil)
}

func Unauthorized(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, message, nil)
}

func Forbidden(message string) *AppError {
	return NewAppError(http.StatusForbidden, message, nil)
}

func NotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, message, nil)
}

func TooManyRequests(message string, retryAfterSeconds int) *AppError {
	return NewAppError(http.StatusTooManyRequests, message, nil).WithField("retry_after", retryAfterSeconds)
}

func Unavailable(message string, err error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, message, err)
}

func NotImplemented(message string) *AppError {
	return NewAppError(http.StatusNotImplemented, message, nil)
}

func InternalServerError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, message, err)
}

func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	if err.Code == http.StatusTooManyRequests {
		if v, ok := err.Fields["retry_after"].(int); ok && v > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(v))
		}
	}
	w.WriteHeader(err.Code)
	payload := map[string]any{
		"code": err.Code,
		"msg":  err.Message,
	}
	for k, v := range err.Fields {
		if k == "code" || k == "msg" {
			continue
		}
		payload[k] = v
	}
	_ = json.NewEncoder(w).Encode(payload)
}
