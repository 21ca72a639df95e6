// Package eventlog exposes system event logs as the "eventlog" service.
package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/registry"
)

// ID is the service id.
const ID = "eventlog"

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Logs are the log names accepted by eventlog_query.
var Logs = []string{"Application", "System", "Security", "Setup"}

// Levels are the accepted severity names, most severe first.
var Levels = []string{"critical", "error", "warning", "information", "verbose"}

// sincePattern accepts a date or an RFC 3339 timestamp with optional
// seconds, fraction and zone.
const sincePattern = `^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?)?$`

// ErrUnknownLog is returned by a Source for a log it cannot read.
var ErrUnknownLog = errors.New("eventlog: unknown log")

// Event is one log record. User and Computer are identity fields and get
// tokenized when anonymization is on.
type Event struct {
	LogName     string    `json:"logName"`
	RecordID    int64     `json:"recordId"`
	EventID     int       `json:"eventId"`
	Level       string    `json:"level"`
	Source      string    `json:"source"`
	TimeCreated time.Time `json:"timeCreated"`
	Computer    string    `json:"computer,omitempty"`
	User        string    `json:"user,omitempty"`
	Message     string    `json:"message"`
}

// Query selects events. Zero fields do not filter.
type Query struct {
	LogName string
	Limit   int
	Level   string
	Since   time.Time
	Source  string
}

// Source reads events from somewhere.
type Source interface {
	Logs(ctx context.Context) ([]string, error)
	Events(ctx context.Context, q Query) ([]Event, error)
}

// Provider implements registry.Provider over a Source.
type Provider struct {
	src    Source
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns the eventlog provider reading from src.
func New(src Source, opts ...Option) *Provider {
	p := &Provider{src: src, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string { return ID }

func (p *Provider) ListTools() []registry.ToolDefinition {
	logs := make([]any, len(Logs))
	for i, l := range Logs {
		logs[i] = l
	}
	levels := make([]any, len(Levels))
	for i, l := range Levels {
		levels[i] = l
	}
	return []registry.ToolDefinition{
		{
			Name:        ID + "_query",
			Description: "Query recent entries of a system event log, newest first.",
			Operation:   permission.OpRead,
			InputSchema: &jsonschema.Schema{
				Type:     "object",
				Required: []string{"logName"},
				Properties: map[string]*jsonschema.Schema{
					"logName": {Type: "string", Enum: logs, Description: "Log to read."},
					"limit": {
						Type:        "integer",
						Minimum:     jsonschema.Ptr(1.0),
						Maximum:     jsonschema.Ptr(float64(MaxLimit)),
						Description: "Maximum number of entries.",
					},
					"level":  {Type: "string", Enum: levels, Description: "Only entries of this severity."},
					"since":  {Type: "string", Pattern: sincePattern, Description: "Only entries at or after this time."},
					"source": {Type: "string", MinLength: jsonschema.Ptr(1), MaxLength: jsonschema.Ptr(256), Description: "Only entries from this provider."},
				},
				AdditionalProperties: closed(),
			},
		},
		{
			Name:        ID + "_list_logs",
			Description: "List the event logs that can be queried.",
			Operation:   permission.OpRead,
			InputSchema: &jsonschema.Schema{Type: "object", AdditionalProperties: closed()},
		},
	}
}

// closed is the "false" schema: no additional properties.
func closed() *jsonschema.Schema { return &jsonschema.Schema{Not: &jsonschema.Schema{}} }

func (p *Provider) CallTool(ctx context.Context, action string, args map[string]any) (any, error) {
	switch action {
	case "query":
		return p.query(ctx, args)
	case "list_logs":
		logs, err := p.src.Logs(ctx)
		if err != nil {
			return nil, &registry.ProviderError{Message: "listing event logs failed", Err: err}
		}
		return map[string]any{"logs": logs}, nil
	default:
		return nil, registry.Failf("unsupported action %q", action)
	}
}

func (p *Provider) query(ctx context.Context, args map[string]any) (any, error) {
	q, err := parseQuery(args)
	if err != nil {
		return nil, err
	}
	events, err := p.src.Events(ctx, q)
	if errors.Is(err, ErrUnknownLog) {
		return nil, registry.Failf("log %q is not available on this host", q.LogName)
	}
	if err != nil {
		return nil, &registry.ProviderError{Message: "reading event log failed", Err: err}
	}
	if len(events) > q.Limit {
		events = events[:q.Limit]
	}
	p.logger.Debug("eventlog: query", "log", q.LogName, "returned", len(events))
	if events == nil {
		events = []Event{}
	}
	return map[string]any{"logName": q.LogName, "count": len(events), "events": events}, nil
}

func parseQuery(args map[string]any) (Query, error) {
	q := Query{Limit: DefaultLimit}
	q.LogName, _ = args["logName"].(string)
	if n, ok := args["limit"].(float64); ok {
		q.Limit = int(n)
	}
	q.Level, _ = args["level"].(string)
	q.Source, _ = args["source"].(string)
	if s, ok := args["since"].(string); ok && s != "" {
		t, err := parseSince(s)
		if err != nil {
			return Query{}, registry.Failf("since: %v", err)
		}
		q.Since = t
	}
	return q, nil
}

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

func parseSince(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("not a date-time")
}
