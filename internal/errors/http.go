package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id on responses.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse represents the JSON response format for errors
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// HandlerFunc is an http handler that can return an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler wraps a HandlerFunc with request ids, panic recovery and
// structured error responses.
type Handler struct {
	fn     HandlerFunc
	logger *zap.Logger
}

// NewHandler creates a new error-aware handler
func NewHandler(fn HandlerFunc) *Handler {
	return &Handler{fn: fn, logger: logger.New("http")}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	r = r.WithContext(logger.WithRequestID(r.Context(), requestID))
	w.Header().Set(RequestIDHeader, requestID)

	defer func() {
		if recovered := recover(); recovered != nil {
			err, ok := recovered.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", recovered)
			}
			panicErr := Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "an unexpected error occurred").
				WithSeverity(SeverityCritical)
			h.write(w, r, requestID, panicErr)
		}
	}()

	if err := h.fn(w, r); err != nil {
		h.write(w, r, requestID, err)
	}
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	appErr, ok := AsApp(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "an internal error occurred").
			WithSeverity(SeverityHigh)
	}
	appErr.RequestID = requestID
	logError(logger.FromContext(r.Context()), appErr, r)
	metrics.IncrementErrorCount(string(appErr.Type))
	WriteHTTP(w, appErr)
}

// WriteHTTP sends a structured JSON error response
func WriteHTTP(w http.ResponseWriter, err *AppError) {
	response := ErrorResponse{Error: ErrorBody{
		Type:      err.Type,
		Code:      err.Code,
		Message:   userFriendlyMessage(err),
		Timestamp: err.Timestamp,
		RequestID: err.RequestID,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err.Type))
	_ = json.NewEncoder(w).Encode(response)
}

// logError logs an error with a level chosen by severity
func logError(l *zap.Logger, err *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	if err.Severity == SeverityHigh || err.Severity == SeverityCritical {
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
	}

	switch err.Severity {
	case SeverityLow:
		l.Info(err.Message, fields...)
	case SeverityMedium:
		l.Warn(err.Message, fields...)
	default:
		l.Error(err.Message, fields...)
	}
}

// HTTPStatus maps error types to HTTP status codes
func HTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeExternal:
		return http.StatusBadGateway
	case ErrorTypeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func userFriendlyMessage(err *AppError) string {
	if err.UserMessage != "" {
		return err.UserMessage
	}
	switch err.Type {
	case ErrorTypeValidation:
		return "The request contains invalid data. Please check your input and try again."
	case ErrorTypeNotFound:
		return "The requested resource was not found."
	case ErrorTypeRateLimit:
		return "Too many requests. Please wait before trying again."
	case ErrorTypeTimeout:
		return "The request timed out. Please try again."
	case ErrorTypeExternal, ErrorTypeNetwork:
		return "A relay or upstream service is unavailable. Please try again later."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
