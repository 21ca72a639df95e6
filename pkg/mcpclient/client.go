// Package mcpclient is a client for the line-delimited JSON-RPC tool
// protocol. It speaks to any io.ReadWriteCloser: a pipe to an in-process
// handler, a child process's stdio or a network connection.
package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/hostgate/pkg/executor"
)

// ErrClosed is returned for calls on a closed or broken connection.
var ErrClosed = errors.New("mcpclient: connection closed")

// ProtocolVersion is requested during Handshake.
const ProtocolVersion = "2025-06-18"

const maxLine = 16 << 20

// Client defines the client capabilities callers depend on.
type Client interface {
	Handshake(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (executor.ToolResult, error)
	Close() error
}

// ToolDescriptor is the subset of a listed tool callers need.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	ReadOnly    bool
}

// Conn is a Client over one stream. Calls may be issued concurrently;
// responses are matched to calls by id.
type Conn struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger
	info   mcp.Implementation

	wmu    sync.Mutex
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Response
	err     error

	done      chan struct{}
	closeOnce sync.Once

	server *mcp.InitializeResult
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientInfo sets the identity sent in initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Conn) { c.info = mcp.Implementation{Name: name, Version: version} }
}

// New starts reading responses from rwc.
func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:     rwc,
		logger:  slog.New(slog.DiscardHandler),
		info:    mcp.Implementation{Name: "hostgate-client", Version: "dev"},
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	sc := bufio.NewScanner(c.rwc)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		msg, err := jsonrpc.DecodeMessage(sc.Bytes())
		if err != nil {
			c.logger.Warn("mcpclient: undecodable message", "error", err)
			continue
		}
		resp, ok := msg.(*jsonrpc.Response)
		if !ok {
			// server-initiated requests and notifications are not handled
			continue
		}
		id, ok := resp.ID.Raw().(int64)
		if !ok {
			c.logger.Warn("mcpclient: response without a call id", "error", resp.Error)
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
}

// fail records the terminal error and releases every waiting call.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, ErrClosed) {
			c.err = err
		} else {
			c.err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
	}
	c.pending = map[int64]chan *jsonrpc.Response{}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// Call sends method with params and decodes the result into out, which
// may be nil. A JSON-RPC error response is returned as *jsonrpc.Error.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcpclient: encode params: %w", err)
		}
		raw = b
	}
	n := c.nextID.Add(1)
	id, err := jsonrpc.MakeID(float64(n))
	if err != nil {
		return err
	}
	ch := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[n] = ch
	c.mu.Unlock()

	if err := c.write(&jsonrpc.Request{ID: id, Method: method, Params: raw}); err != nil {
		c.forget(n)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("mcpclient: decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return err
	case <-ctx.Done():
		c.forget(n)
		return ctx.Err()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcpclient: encode params: %w", err)
		}
		raw = b
	}
	return c.write(&jsonrpc.Request{Method: method, Params: raw})
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(msg jsonrpc.Message) error {
	b, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("mcpclient: encode: %w", err)
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Handshake sends initialize followed by notifications/initialized.
func (c *Conn) Handshake(ctx context.Context) error {
	var res mcp.InitializeResult
	params := &mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      &c.info,
		Capabilities:    &mcp.ClientCapabilities{},
	}
	if err := c.Call(ctx, "initialize", params, &res); err != nil {
		return err
	}
	c.mu.Lock()
	c.server = &res
	c.mu.Unlock()
	return c.Notify("notifications/initialized", struct{}{})
}

// Server returns the initialize result, or nil before Handshake.
func (c *Conn) Server() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// ListTools lists the tools of enabled services.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var res struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
			Annotations *struct {
				ReadOnlyHint bool `json:"readOnlyHint"`
			} `json:"annotations"`
		} `json:"tools"`
	}
	if err := c.Call(ctx, "tools/list", struct{}{}, &res); err != nil {
		return nil, err
	}
	out := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		d := ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		if t.Annotations != nil {
			d.ReadOnly = t.Annotations.ReadOnlyHint
		}
		out = append(out, d)
	}
	return out, nil
}

// CallTool runs a tool. Tool failures come back as a ToolResult with
// Success false and a nil error; the error is reserved for protocol and
// transport failures.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (executor.ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res executor.ToolResult
	err := c.Call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &res)
	return res, err
}

// Ping round-trips a ping.
func (c *Conn) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", nil, nil)
}

// Close closes the stream and fails pending calls.
func (c *Conn) Close() error {
	err := c.rwc.Close()
	c.fail(ErrClosed)
	return err
}

var _ Client = (*Conn)(nil)
