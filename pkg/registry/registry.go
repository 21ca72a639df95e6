// Package registry holds the registered Resource Providers and the explicit
// tool-name route map built once per registration.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/schema"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrDuplicateService = errors.New("service already registered")
	ErrInvalidService   = errors.New("invalid service")
)

var serviceIDRe = regexp.MustCompile(`^[a-z0-9]+$`)

// ToolDefinition declares the static interface of a tool. Name must be
// "{serviceId}_{action}". InputSchema is a JSON Schema (draft 2020-12);
// nil means an object with no declared properties.
type ToolDefinition struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	InputSchema *jsonschema.Schema   `json:"inputSchema"`
	Operation   permission.Operation `json:"-"`
}

// Provider is a Resource Provider. CallTool receives the action part of
// the tool name and arguments that already passed schema validation.
type Provider interface {
	ID() string
	ListTools() []ToolDefinition
	CallTool(ctx context.Context, action string, args map[string]any) (any, error)
}

// ProviderError is a provider failure whose Message is safe to show to
// callers. Err, when set, is logged and never returned.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Failf returns a ProviderError with a formatted caller-safe message.
func Failf(format string, args ...any) error {
	return &ProviderError{Message: fmt.Sprintf(format, args...)}
}

// Route is the resolved target of a tool name.
type Route struct {
	Tool       string
	Service    string
	Action     string
	Provider   Provider
	Definition ToolDefinition
	Schema     *schema.Schema
}

type snapshot struct {
	services map[string]Provider
	routes   map[string]*Route
	byID     map[string][]string
}

func emptySnapshot() *snapshot {
	return &snapshot{
		services: map[string]Provider{},
		routes:   map[string]*Route{},
		byID:     map[string][]string{},
	}
}

func (s *snapshot) clone() *snapshot {
	out := emptySnapshot()
	for k, v := range s.services {
		out.services[k] = v
	}
	for k, v := range s.routes {
		out.routes[k] = v
	}
	for k, v := range s.byID {
		out.byID[k] = v
	}
	return out
}

// Registry maps tool names to providers. Readers use an immutable snapshot
// and never lock; writers copy on write.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(emptySnapshot())
	return r
}

// Register adds a provider and routes for all of its tools. Every tool
// schema is compiled here, once.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("%w: provider is nil", ErrInvalidService)
	}
	id := p.ID()
	if !serviceIDRe.MatchString(id) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidService, id, serviceIDRe)
	}

	routes := make(map[string]*Route)
	names := make([]string, 0)
	for _, def := range p.ListTools() {
		rt, err := buildRoute(p, id, def)
		if err != nil {
			return err
		}
		if _, dup := routes[def.Name]; dup {
			return fmt.Errorf("%w: tool %q declared twice", ErrInvalidService, def.Name)
		}
		routes[def.Name] = rt
		names = append(names, def.Name)
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	if _, exists := cur.services[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateService, id)
	}
	next := cur.clone()
	next.services[id] = p
	next.byID[id] = names
	for name, rt := range routes {
		next.routes[name] = rt
	}
	r.snap.Store(next)
	return nil
}

func buildRoute(p Provider, id string, def ToolDefinition) (*Route, error) {
	action, ok := strings.CutPrefix(def.Name, id+"_")
	if !ok || action == "" {
		return nil, fmt.Errorf("%w: tool %q must be named %s_<action>", ErrInvalidService, def.Name, id)
	}
	if def.Operation != permission.OpRead && def.Operation != permission.OpWrite {
		return nil, fmt.Errorf("%w: tool %q has operation %q", ErrInvalidService, def.Name, def.Operation)
	}
	if def.InputSchema == nil {
		def.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: encode schema: %w", ErrInvalidService, def.Name, err)
	}
	compiled, err := schema.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: %w", ErrInvalidService, def.Name, err)
	}
	return &Route{
		Tool:       def.Name,
		Service:    id,
		Action:     action,
		Provider:   p,
		Definition: def,
		Schema:     compiled,
	}, nil
}

// Unregister removes a service and its tools. It reports whether the
// service was registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	if _, ok := cur.services[id]; !ok {
		return false
	}
	next := cur.clone()
	for _, name := range next.byID[id] {
		delete(next.routes, name)
	}
	delete(next.byID, id)
	delete(next.services, id)
	r.snap.Store(next)
	return true
}

// Route resolves a tool name.
func (r *Registry) Route(name string) (*Route, error) {
	rt, ok := r.snap.Load().routes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return rt, nil
}

// ListTools returns the definitions of services for which enabled reports
// true, sorted by name. A nil filter lists every service.
func (r *Registry) ListTools(enabled func(serviceID string) bool) []ToolDefinition {
	s := r.snap.Load()
	out := make([]ToolDefinition, 0, len(s.routes))
	for id, names := range s.byID {
		if enabled != nil && !enabled(id) {
			continue
		}
		for _, name := range names {
			out = append(out, s.routes[name].Definition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Services returns the registered ids, sorted.
func (r *Registry) Services() []string {
	s := r.snap.Load()
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Switch is the enable/disable surface shared by every service. The
// Config Store implements it.
type Switch interface {
	Enable(ctx context.Context, id, source string) error
	Disable(ctx context.Context, id, source string) error
	Enabled(id string) bool
}

// Service pairs a registered provider with its Switch, completing the
// provider capability set.
type Service struct {
	Provider
	sw Switch
}

// Service returns the registered provider id bound to sw.
func (r *Registry) Service(id string, sw Switch) (Service, bool) {
	p, ok := r.snap.Load().services[id]
	if !ok {
		return Service{}, false
	}
	return Service{Provider: p, sw: sw}, true
}

func (s Service) Enable(ctx context.Context, source string) error {
	return s.sw.Enable(ctx, s.ID(), source)
}

func (s Service) Disable(ctx context.Context, source string) error {
	return s.sw.Disable(ctx, s.ID(), source)
}

func (s Service) Enabled() bool { return s.sw.Enabled(s.ID()) }
