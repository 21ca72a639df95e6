// Package errmodel is the compact error model shared by the tool pipeline,
// the config mutation surface and the admin HTTP channel.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryTool       = "tool"
	CategoryPolicy     = "policy"
	CategoryConfig     = "config"
	CategorySystem     = "system"
)

// Tool-domain codes. These travel inside a successful JSON-RPC response
// as result.error.code and are never raised as JSON-RPC errors.
const (
	CodeToolNotFound       = "ToolNotFound"
	CodeValidation         = "ValidationError"
	CodePermissionDenied   = "PermissionDenied"
	CodeToolExecutionError = "ToolExecutionError"
	CodeTimeout            = "Timeout"
)

// Config-domain codes raised at mutation entry points.
const (
	CodeUnknownService         = "UnknownService"
	CodeInvalidPermissionLevel = "InvalidPermissionLevel"
)

// Generic codes used by the HTTP channel.
const (
	CodeInternal        = "internal"
	CodeBadRequest      = "bad_request"
	CodeNotFound        = "not_found"
	CodeTooManyRequests = "too_many_requests"
)

// Error is the compact error payload returned by APIs and used internally.
// Its JSON form is {code, message, details?}; Category only drives routing
// (HTTP status) and is not serialized.
type Error struct {
	Category string         `json:"-"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, details map[string]any) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(details) > 0 {
		ce.Details = truncateDetails(details)
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
// Unknown errors become a sanitized internal error: their text is never copied.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: CodeInternal, Message: Sanitize(err)}
}

// Sanitize returns the client-safe message for an internal failure. The
// underlying error (paths, OS codes, stack traces) must be logged by the
// caller; it is not part of the result.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "internal error"
}

// Convenience constructors.
func Validation(code, message string, details map[string]any) *Error {
	return New(CategoryValidation, code, message, details)
}

func Policy(code, message string, details map[string]any) *Error {
	return New(CategoryPolicy, code, message, details)
}

func Tool(code, message string, details map[string]any) *Error {
	return New(CategoryTool, code, message, details)
}

func Config(code, message string, details map[string]any) *Error {
	return New(CategoryConfig, code, message, details)
}

func System(code, message string, details map[string]any) *Error {
	return New(CategorySystem, code, message, details)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case CodeNotFound, CodeToolNotFound:
			return http.StatusNotFound
		default:
			return http.StatusBadRequest
		}
	case CategoryConfig:
		switch e.Code {
		case CodeUnknownService:
			return http.StatusNotFound
		default:
			return http.StatusBadRequest
		}
	case CategoryPolicy:
		switch e.Code {
		case CodeTooManyRequests:
			return http.StatusTooManyRequests
		case "method_not_allowed":
			return http.StatusMethodNotAllowed
		default:
			return http.StatusForbidden
		}
	case CategoryTool:
		if e.Code == CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: CodeInternal, Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, category: string, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"category": ce.Category,
		"trace_id": traceID,
	})
}

// truncate trims s to at most max bytes without splitting a UTF-8
// sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	suffix := "..."
	if max <= 3 {
		suffix = ""
	}
	cut := max - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

// truncateDetails trims long string values in the details map. Slices and
// maps are kept as-is so structured validation errors survive.
func truncateDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			out[k] = t
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsCode checks if err carries the given code.
func IsCode(err error, code string) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}
