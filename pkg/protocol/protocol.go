// Package protocol is the newline-delimited JSON-RPC 2.0 front end. It
// parses each line independently, dispatches by method name and keeps the
// two error layers apart: protocol faults are JSON-RPC errors, tool faults
// are successful responses carrying a ToolResult envelope.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/hostgate/pkg/executor"
	"github.com/wilhg/hostgate/pkg/metrics"
	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/ratelimit"
	"github.com/wilhg/hostgate/pkg/registry"
)

// CodeTooManyRequests is returned when the caller is over its rate limit.
const CodeTooManyRequests = -32029

const (
	DefaultMaxLineBytes = 4 << 20
	DefaultMaxInFlight  = 16
)

// LatestProtocolVersion is answered when the client asks for a version we
// do not speak.
const LatestProtocolVersion = "2025-06-18"

var supportedVersions = []string{LatestProtocolVersion, "2025-03-26", "2024-11-05"}

// MethodFunc handles one method. Returning a *jsonrpc.Error sends it to the
// client verbatim; any other error becomes a generic InternalError.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewError returns a JSON-RPC error for a MethodFunc to return.
func NewError(code int64, message string) *jsonrpc.Error {
	return &jsonrpc.Error{Code: code, Message: message}
}

// Executor runs tools/call.
type Executor interface {
	Call(ctx context.Context, name string, args json.RawMessage) executor.ToolResult
}

// ToolLister lists tool definitions of services accepted by the filter.
type ToolLister interface {
	ListTools(enabled func(serviceID string) bool) []registry.ToolDefinition
}

type callerKey struct{}

// WithCaller records the caller identity used for rate limiting.
func WithCaller(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFrom returns the caller identity, or "".
func CallerFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

// Handler dispatches JSON-RPC messages. One Handler may serve many streams
// concurrently.
type Handler struct {
	exec     Executor
	tools    ToolLister
	enabled  func(serviceID string) bool
	limiter  *ratelimit.Keyed
	counters *metrics.Counters
	logger   *slog.Logger
	info     mcp.Implementation

	maxLine     int
	maxInFlight int

	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithEnabled sets the filter deciding which services appear in
// tools/list. Without it no service is listed.
func WithEnabled(fn func(serviceID string) bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.enabled = fn
		}
	}
}

// WithLimiter sets the rate limiter consulted before dispatch.
func WithLimiter(l *ratelimit.Keyed) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithCounters sets the counters for protocol-level outcomes.
func WithCounters(c *metrics.Counters) Option {
	return func(h *Handler) {
		if c != nil {
			h.counters = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMaxLineBytes bounds a single input line.
func WithMaxLineBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLine = n
		}
	}
}

// WithMaxInFlight bounds concurrently handled requests per stream.
func WithMaxInFlight(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxInFlight = n
		}
	}
}

// WithServerInfo sets the identity returned by initialize.
func WithServerInfo(name, version string) Option {
	return func(h *Handler) {
		h.info = mcp.Implementation{Name: name, Version: version}
	}
}

// New returns a Handler with initialize, tools/list, tools/call and ping
// registered.
func New(exec Executor, tools ToolLister, opts ...Option) *Handler {
	h := &Handler{
		exec:        exec,
		tools:       tools,
		enabled:     func(string) bool { return false },
		counters:    metrics.New(),
		logger:      slog.New(slog.DiscardHandler),
		info:        mcp.Implementation{Name: "hostgate", Version: "dev"},
		maxLine:     DefaultMaxLineBytes,
		maxInFlight: DefaultMaxInFlight,
		methods:     make(map[string]MethodFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.methods["initialize"] = h.initialize
	h.methods["notifications/initialized"] = func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	h.methods["ping"] = func(context.Context, json.RawMessage) (any, error) { return struct{}{}, nil }
	h.methods["tools/list"] = h.listTools
	h.methods["tools/call"] = h.callTool
	return h
}

// Handle registers or replaces a method.
func (h *Handler) Handle(method string, fn MethodFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = fn
}

func (h *Handler) method(name string) MethodFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.methods[name]
}

// Serve reads newline-delimited messages from r until EOF and writes one
// line per response to w. A bad line never ends the stream. Requests are
// handled concurrently, so responses may be written out of order; each
// carries its request id.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	caller := CallerFrom(ctx)
	if caller == "" {
		caller = uuid.NewString()
		ctx = WithCaller(ctx, caller)
	}
	h.logger.Info("protocol: stream opened", "caller", caller)
	out := &lineWriter{w: w}
	br := bufio.NewReaderSize(r, 64*1024)

	var g errgroup.Group
	g.SetLimit(h.maxInFlight)
	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		line, tooLong, err := readLine(br, h.maxLine)
		if tooLong {
			h.logger.Warn("protocol: line too long", "caller", caller, "limit", h.maxLine)
			h.counters.ParseError()
			out.write(encodeNullIDError(jsonrpc.CodeParseError, "parse error: message too large"))
		} else if len(bytes.TrimSpace(line)) > 0 {
			msg := bytes.Clone(line)
			g.Go(func() error {
				if resp := h.Process(ctx, msg); resp != nil {
					out.write(resp)
				}
				return nil
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	_ = g.Wait()
	h.logger.Info("protocol: stream closed", "caller", caller)
	if readErr != nil {
		return readErr
	}
	return out.err
}

// readLine returns the next line without its delimiter. Lines longer than
// max are consumed and reported as tooLong.
func readLine(br *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), tooLong, err
	}
}

type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// write emits b and a newline atomically with respect to other writers.
func (lw *lineWriter) write(b []byte) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.err != nil {
		return
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, '\n')
	if _, err := lw.w.Write(buf); err != nil {
		lw.err = err
	}
}

// Process handles one encoded message and returns the encoded response, or
// nil when none is due (notifications, blank input).
func (h *Handler) Process(ctx context.Context, data []byte) []byte {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if !json.Valid(data) {
		h.counters.ParseError()
		return encodeNullIDError(jsonrpc.CodeParseError, "parse error")
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return h.invalidRequest(recoverID(data))
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		// servers do not accept responses
		resp, _ := msg.(*jsonrpc.Response)
		var id jsonrpc.ID
		if resp != nil {
			id = resp.ID
		}
		return h.invalidRequest(id)
	}

	caller := CallerFrom(ctx)
	// handshake, listing and liveness stay reachable under load
	if !permission.IsMeta(req.Method) && !h.limiter.Allow(caller) {
		h.counters.RateLimited()
		h.logger.Warn("protocol: rate limited", "caller", caller, "method", req.Method)
		if !req.IsCall() {
			return nil
		}
		return h.errorResponse(req.ID, CodeTooManyRequests, "too many requests")
	}

	fn := h.method(req.Method)
	if fn == nil {
		if !req.IsCall() {
			return nil
		}
		return h.errorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found")
	}

	result, err := h.dispatch(ctx, req, fn)
	if !req.IsCall() {
		return nil
	}
	if err != nil {
		var werr *jsonrpc.Error
		if errors.As(err, &werr) {
			return h.errorResponse(req.ID, werr.Code, werr.Message)
		}
		h.logger.Error("protocol: method failed", "method", req.Method, "error", err)
		return h.errorResponse(req.ID, jsonrpc.CodeInternalError, "internal error")
	}
	raw, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("protocol: encode result", "method", req.Method, "error", err)
		return h.errorResponse(req.ID, jsonrpc.CodeInternalError, "internal error")
	}
	b, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: raw})
	if err != nil {
		h.logger.Error("protocol: encode response", "method", req.Method, "error", err)
		return encodeNullIDError(jsonrpc.CodeInternalError, "internal error")
	}
	return b
}

// dispatch runs fn, turning a panic into a generic InternalError.
func (h *Handler) dispatch(ctx context.Context, req *jsonrpc.Request, fn MethodFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("protocol: method panic", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, NewError(jsonrpc.CodeInternalError, "internal error")
		}
	}()
	return fn(ctx, req.Params)
}

func (h *Handler) invalidRequest(id jsonrpc.ID) []byte {
	return h.errorResponse(id, jsonrpc.CodeInvalidRequest, "invalid request")
}

func (h *Handler) errorResponse(id jsonrpc.ID, code int64, message string) []byte {
	h.counters.RPCError()
	if !id.IsValid() {
		return encodeNullIDError(code, message)
	}
	b, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: id, Error: NewError(code, message)})
	if err != nil {
		return encodeNullIDError(code, message)
	}
	return b
}

// nullIDError is an error response whose id could not be determined. The
// go-sdk encoder omits a null id, which JSON-RPC requires here.
type nullIDError struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Error   *jsonrpc.Error `json:"error"`
}

func encodeNullIDError(code int64, message string) []byte {
	b, _ := json.Marshal(nullIDError{JSONRPC: "2.0", Error: NewError(code, message)})
	return b
}

// recoverID extracts a usable id from an otherwise invalid message.
func recoverID(data []byte) jsonrpc.ID {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return jsonrpc.ID{}
	}
	id, err := jsonrpc.MakeID(probe.ID)
	if err != nil {
		return jsonrpc.ID{}
	}
	return id
}

func (h *Handler) initialize(_ context.Context, params json.RawMessage) (any, error) {
	var p mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(jsonrpc.CodeInvalidParams, "invalid initialize params")
		}
	}
	version := LatestProtocolVersion
	if slices.Contains(supportedVersions, p.ProtocolVersion) {
		version = p.ProtocolVersion
	}
	if p.ClientInfo != nil {
		h.logger.Info("protocol: initialize", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version, "protocol", version)
	}
	info := h.info
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{}},
		ServerInfo:      &info,
	}, nil
}

func (h *Handler) listTools(context.Context, json.RawMessage) (any, error) {
	defs := h.tools.ListTools(h.enabled)
	tools := make([]*mcp.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, &mcp.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Annotations: &mcp.ToolAnnotations{ReadOnlyHint: d.Operation == permission.OpRead},
		})
	}
	return &mcp.ListToolsResult{Tools: tools}, nil
}

func (h *Handler) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcp.CallToolParamsRaw
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(jsonrpc.CodeInvalidParams, "invalid params: expected {name, arguments}")
	}
	if p.Name == "" {
		return nil, NewError(jsonrpc.CodeInvalidParams, "invalid params: name is required")
	}
	res := h.exec.Call(ctx, p.Name, p.Arguments)
	if !res.Success {
		h.logger.Info("protocol: tool call failed", "tool", p.Name, "code", res.Error.Code, "caller", CallerFrom(ctx))
	}
	return res, nil
}
