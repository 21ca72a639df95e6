// Package executor runs the per-call tool pipeline: route, permission
// check, argument validation, provider invocation under a timeout,
// anonymization, and wrapping as a ToolResult. Each failing step
// short-circuits the rest.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/hostgate/pkg/errmodel"
	"github.com/wilhg/hostgate/pkg/metrics"
	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/registry"
	"github.com/wilhg/hostgate/pkg/schema"
)

// DefaultTimeout bounds a provider call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ToolResult is the envelope returned for every tools/call, successful or
// not: {success, data?, error?}.
type ToolResult struct {
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   *errmodel.Error `json:"error,omitempty"`
}

// OK wraps data as a successful result.
func OK(data any) ToolResult { return ToolResult{Success: true, Data: data} }

// Fail wraps a tool-domain error.
func Fail(code, message string, details map[string]any) ToolResult {
	return ToolResult{Error: errmodel.Tool(code, message, details)}
}

// Router resolves tool names.
type Router interface {
	Route(name string) (*registry.Route, error)
}

// Authorizer decides whether an operation may run against a service.
type Authorizer interface {
	Check(serviceID string, op permission.Operation) permission.Decision
}

// Anonymizer rewrites identities in decoded JSON values and free text.
type Anonymizer interface {
	Apply(v any) any
	ApplyText(s string) string
}

// Executor is safe for concurrent use.
type Executor struct {
	router   Router
	auth     Authorizer
	anon     Anonymizer
	anonOn   func() bool
	timeout  time.Duration
	counters *metrics.Counters
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithAnonymizer sets the anonymizer and the switch consulted on every
// call. A nil enabled func means always on.
func WithAnonymizer(a Anonymizer, enabled func() bool) Option {
	return func(e *Executor) {
		e.anon = a
		e.anonOn = enabled
	}
}

// WithCounters sets the counters updated per outcome.
func WithCounters(c *metrics.Counters) Option {
	return func(e *Executor) {
		if c != nil {
			e.counters = c
		}
	}
}

// WithLogger sets the logger that receives full provider errors.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracerProvider sets the provider for call spans. The global one is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) {
		if tp != nil {
			e.tracer = tp.Tracer("hostgate/executor")
		}
	}
}

// New constructs an Executor.
func New(router Router, auth Authorizer, opts ...Option) *Executor {
	e := &Executor{
		router:   router,
		auth:     auth,
		timeout:  DefaultTimeout,
		counters: metrics.New(),
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("hostgate/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Call runs the pipeline for one tools/call. It never returns a Go error:
// every failure is a ToolResult with success=false.
func (e *Executor) Call(ctx context.Context, name string, args json.RawMessage) ToolResult {
	ctx, span := e.tracer.Start(ctx, "Executor.Call", trace.WithAttributes(
		attribute.String("tool.name", name),
	))
	defer span.End()
	start := time.Now()
	e.counters.CallStarted()

	res := e.call(ctx, span, name, args)

	if res.Success {
		e.counters.CallSucceeded()
		span.SetStatus(codes.Ok, "")
	} else {
		e.counters.CallFailed(res.Error.Code)
		span.SetAttributes(attribute.String("tool.error_code", res.Error.Code))
		span.SetStatus(codes.Error, res.Error.Code)
	}
	e.logger.Debug("executor: call", "tool", name, "success", res.Success, "duration", time.Since(start))
	return res
}

func (e *Executor) call(ctx context.Context, span trace.Span, name string, rawArgs json.RawMessage) ToolResult {
	// 1) route
	rt, err := e.router.Route(name)
	if err != nil {
		return Fail(errmodel.CodeToolNotFound, "tool not found", map[string]any{"tool": name})
	}
	span.SetAttributes(
		attribute.String("service.id", rt.Service),
		attribute.String("tool.action", rt.Action),
	)

	// 2) permission
	d := e.authorize(rt)
	if !d.Allowed {
		return Fail(errmodel.CodePermissionDenied, "permission denied", map[string]any{
			"service": rt.Service,
			"reason":  d.Reason,
		})
	}

	// 3) validation; the provider is never reached with invalid input
	args, ferrs := decodeArgs(rt.Schema, rawArgs)
	if len(ferrs) > 0 {
		return ToolResult{Error: errmodel.Validation(errmodel.CodeValidation, "invalid arguments", map[string]any{
			"errors": ferrs,
		})}
	}

	// 4) provider
	data, err := e.invoke(ctx, rt, args)
	if err != nil {
		return e.providerFailure(span, rt, err)
	}
	if msg, failed := failureEnvelope(data); failed {
		e.logger.Warn("executor: provider reported failure", "tool", rt.Tool, "message", msg)
		return Fail(errmodel.CodeToolExecutionError, e.sanitize(msg), nil)
	}
	switch t := data.(type) {
	case ToolResult:
		data = t.Data
	case *ToolResult:
		if t != nil {
			data = t.Data
		}
	}

	// 5) anonymize
	plain, err := toPlain(data)
	if err != nil {
		e.logger.Error("executor: encode provider result", "tool", rt.Tool, "error", err)
		span.RecordError(err)
		return Fail(errmodel.CodeToolExecutionError, "tool execution failed", nil)
	}
	if e.anonymizing() {
		plain = e.anon.Apply(plain)
	}

	// 6) wrap
	return OK(plain)
}

func (e *Executor) authorize(rt *registry.Route) permission.Decision {
	if e.auth == nil {
		return permission.Decision{Reason: permission.ReasonConfigUnreadable}
	}
	return e.auth.Check(rt.Service, rt.Definition.Operation)
}

func (e *Executor) anonymizing() bool {
	if e.anon == nil {
		return false
	}
	return e.anonOn == nil || e.anonOn()
}

func (e *Executor) sanitize(msg string) string {
	if msg == "" {
		return "tool execution failed"
	}
	if e.anonymizing() {
		return e.anon.ApplyText(msg)
	}
	return msg
}

var errTimeout = errors.New("provider call timed out")

type outcome struct {
	data any
	err  error
}

// invoke runs the provider in its own goroutine and waits at most the
// configured timeout. The provider context carries trace values but not
// cancellation: on timeout the wait is abandoned and the provider may keep
// running until it returns on its own.
func (e *Executor) invoke(ctx context.Context, rt *registry.Route, args map[string]any) (any, error) {
	wait, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	pctx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("executor: provider panic", "tool", rt.Tool, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		data, err := rt.Provider.CallTool(pctx, rt.Action, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-wait.Done():
		if errors.Is(wait.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return nil, wait.Err()
	}
}

func (e *Executor) providerFailure(span trace.Span, rt *registry.Route, err error) ToolResult {
	span.RecordError(err)
	if errors.Is(err, errTimeout) {
		e.logger.Warn("executor: provider timed out", "tool", rt.Tool, "timeout", e.timeout)
		return Fail(errmodel.CodeTimeout, "tool call timed out", map[string]any{"timeout": e.timeout.String()})
	}
	e.logger.Error("executor: provider failed", "tool", rt.Tool, "service", rt.Service, "error", err)
	if errors.Is(err, context.Canceled) {
		return Fail(errmodel.CodeToolExecutionError, "tool call cancelled", nil)
	}
	var pe *registry.ProviderError
	if errors.As(err, &pe) {
		return Fail(errmodel.CodeToolExecutionError, e.sanitize(pe.Message), nil)
	}
	return Fail(errmodel.CodeToolExecutionError, "tool execution failed", nil)
}

// decodeArgs validates raw arguments against s and decodes them for the
// provider. Absent and null arguments are an empty object.
func decodeArgs(s *schema.Schema, raw json.RawMessage) (map[string]any, []schema.FieldError) {
	if errs := s.ValidateJSON(raw); len(errs) > 0 {
		return nil, errs
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, []schema.FieldError{{Path: schema.RootPath, Expected: "valid JSON", Received: "malformed JSON"}}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, []schema.FieldError{{Path: schema.RootPath, Expected: "object", Received: jsonKind(v)}}
	}
	return m, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "null"
	}
}

// failureEnvelope reports whether a provider returned a ToolResult-shaped
// failure instead of an error.
func failureEnvelope(data any) (string, bool) {
	switch t := data.(type) {
	case ToolResult:
		if t.Success {
			return "", false
		}
		if t.Error != nil {
			return t.Error.Message, true
		}
		return "", true
	case *ToolResult:
		if t == nil {
			return "", false
		}
		return failureEnvelope(*t)
	case map[string]any:
		ok, present := t["success"].(bool)
		if !present || ok {
			return "", false
		}
		if ev, ok := t["error"].(map[string]any); ok {
			msg, _ := ev["message"].(string)
			return msg, true
		}
		return "", true
	}
	return "", false
}

// toPlain converts a provider result into plain decoded JSON (maps, slices,
// strings, float64, bools) so the anonymizer sees every string.
func toPlain(data any) (any, error) {
	switch data.(type) {
	case nil, string, bool, float64:
		return data, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
