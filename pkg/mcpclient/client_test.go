package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wilhg/hostgate/pkg/errmodel"
	"github.com/wilhg/hostgate/pkg/executor"
	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/protocol"
	"github.com/wilhg/hostgate/pkg/registry"
)

type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipeConn) Close() error {
	for _, c := range p.closers {
		_ = c.Close()
	}
	return nil
}

type execFunc func(ctx context.Context, name string, args json.RawMessage) executor.ToolResult

func (f execFunc) Call(ctx context.Context, name string, args json.RawMessage) executor.ToolResult {
	return f(ctx, name, args)
}

type toolList []registry.ToolDefinition

func (l toolList) ListTools(func(string) bool) []registry.ToolDefinition { return l }

// connect serves h over a pair of pipes and returns a client on the other end.
func connect(t *testing.T, h *protocol.Handler) *Conn {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	fromServerR, fromServerW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Serve(context.Background(), toServerR, fromServerW)
		_ = fromServerW.Close()
	}()
	c := New(&pipeConn{Reader: fromServerR, Writer: toServerW, closers: []io.Closer{toServerW, fromServerR}})
	t.Cleanup(func() {
		_ = c.Close()
		<-done
	})
	return c
}

func echoHandler(exec execFunc) *protocol.Handler {
	if exec == nil {
		exec = func(_ context.Context, name string, args json.RawMessage) executor.ToolResult {
			if name != "eventlog_query" {
				return executor.Fail(errmodel.CodeToolNotFound, "tool not found", nil)
			}
			var m map[string]any
			_ = json.Unmarshal(args, &m)
			return executor.OK(m)
		}
	}
	tools := toolList{
		{Name: "eventlog_query", Description: "Query an event log", Operation: permission.OpRead, InputSchema: &jsonschema.Schema{Type: "object"}},
		{Name: "eventlog_clear", Operation: permission.OpWrite, InputSchema: &jsonschema.Schema{Type: "object"}},
	}
	return protocol.New(exec, tools,
		protocol.WithEnabled(func(string) bool { return true }),
		protocol.WithServerInfo("hostgate", "9.9.9"),
	)
}

func TestHandshakeAndListTools(t *testing.T) {
	c := connect(t, echoHandler(nil))
	if c.Server() != nil {
		t.Fatal("server info before handshake")
	}
	if err := c.Handshake(t.Context()); err != nil {
		t.Fatal(err)
	}
	srv := c.Server()
	if srv == nil || srv.ServerInfo.Version != "9.9.9" || srv.ProtocolVersion != ProtocolVersion {
		t.Fatalf("server=%+v", srv)
	}
	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	tools, err := c.ListTools(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools=%+v", tools)
	}
	if tools[0].Name != "eventlog_query" || !tools[0].ReadOnly || tools[0].Description == "" {
		t.Fatalf("first tool=%+v", tools[0])
	}
	if tools[1].ReadOnly {
		t.Fatal("write tool reported read-only")
	}
	var schema map[string]any
	if err := json.Unmarshal(tools[0].InputSchema, &schema); err != nil || schema["type"] != "object" {
		t.Fatalf("schema=%s err=%v", tools[0].InputSchema, err)
	}
}

func TestCallTool_Envelopes(t *testing.T) {
	c := connect(t, echoHandler(nil))
	res, err := c.CallTool(t.Context(), "eventlog_query", map[string]any{"logName": "System"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := res.Data.(map[string]any)
	if !res.Success || data["logName"] != "System" {
		t.Fatalf("result=%+v", res)
	}
	res, err = c.CallTool(t.Context(), "printers_list", nil)
	if err != nil {
		t.Fatalf("tool failure must not be a Go error: %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Code != errmodel.CodeToolNotFound {
		t.Fatalf("result=%+v", res)
	}
}

func TestCall_RPCErrorSurfaces(t *testing.T) {
	c := connect(t, echoHandler(nil))
	err := c.Call(t.Context(), "resources/list", nil, nil)
	var werr *jsonrpc.Error
	if !errors.As(err, &werr) || werr.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("err=%v", err)
	}
	err = c.Call(t.Context(), "tools/call", map[string]any{"arguments": map[string]any{}}, nil)
	if !errors.As(err, &werr) || werr.Code != jsonrpc.CodeInvalidParams {
		t.Fatalf("missing name: %v", err)
	}
}

func TestCallTool_ConcurrentCorrelation(t *testing.T) {
	const n = 4
	var barrier sync.WaitGroup
	barrier.Add(n)
	h := echoHandler(func(_ context.Context, _ string, args json.RawMessage) executor.ToolResult {
		// every call is in flight before any responds, so responses interleave
		barrier.Done()
		barrier.Wait()
		var m map[string]any
		_ = json.Unmarshal(args, &m)
		return executor.OK(m)
	})
	c := connect(t, h)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.CallTool(t.Context(), "eventlog_query", map[string]any{"n": float64(i)})
			if err != nil {
				errs <- err
				return
			}
			if got := res.Data.(map[string]any)["n"]; got != float64(i) {
				errs <- fmt.Errorf("call %d got %v", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCall_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	h := echoHandler(func(context.Context, string, json.RawMessage) executor.ToolResult {
		<-release
		return executor.OK(nil)
	})
	c := connect(t, h)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.CallTool(ctx, "eventlog_query", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestClosedConnectionFailsPending(t *testing.T) {
	toServerR, toServerW := io.Pipe()
	fromServerR, fromServerW := io.Pipe()
	// a server that reads one request and hangs up without answering
	go func() {
		br := bufio.NewReader(toServerR)
		_, _ = br.ReadBytes('\n')
		_ = fromServerW.Close()
		_ = toServerR.Close()
	}()
	c := New(&pipeConn{Reader: fromServerR, Writer: toServerW, closers: []io.Closer{toServerW, fromServerR}})
	defer c.Close()

	if _, err := c.CallTool(t.Context(), "eventlog_query", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("pending call: %v", err)
	}
	if err := c.Ping(t.Context()); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after close: %v", err)
	}
}
