package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/hostgate/pkg/permission"
)

type fakeProvider struct {
	id    string
	tools []ToolDefinition
}

func (f fakeProvider) ID() string                  { return f.id }
func (f fakeProvider) ListTools() []ToolDefinition { return f.tools }
func (f fakeProvider) CallTool(_ context.Context, action string, _ map[string]any) (any, error) {
	return map[string]any{"action": action}, nil
}

func readTool(name string) ToolDefinition {
	return ToolDefinition{
		Name:      name,
		Operation: permission.OpRead,
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"limit": {Type: "integer", Minimum: jsonschema.Ptr(1.0)}},
		},
	}
}

func TestRegister_RouteAndList(t *testing.T) {
	r := New()
	if err := r.Register(fakeProvider{id: "eventlog", tools: []ToolDefinition{readTool("eventlog_query"), readTool("eventlog_list_logs")}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(fakeProvider{id: "filesearch", tools: []ToolDefinition{readTool("filesearch_search")}}); err != nil {
		t.Fatal(err)
	}

	rt, err := r.Route("eventlog_list_logs")
	if err != nil {
		t.Fatal(err)
	}
	if rt.Service != "eventlog" || rt.Action != "list_logs" || rt.Schema == nil {
		t.Fatalf("route: %+v", rt)
	}
	if errs := rt.Schema.Validate(map[string]any{"limit": 0.0}); len(errs) != 1 || errs[0].Path != "arguments.limit" {
		t.Fatalf("compiled schema errors: %v", errs)
	}

	all := r.ListTools(nil)
	want := []string{"eventlog_list_logs", "eventlog_query", "filesearch_search"}
	if len(all) != len(want) {
		t.Fatalf("got %d tools", len(all))
	}
	for i, d := range all {
		if d.Name != want[i] {
			t.Fatalf("tool[%d]=%s want %s", i, d.Name, want[i])
		}
	}

	only := r.ListTools(func(id string) bool { return id != "eventlog" })
	if len(only) != 1 || only[0].Name != "filesearch_search" {
		t.Fatalf("filtered: %+v", only)
	}
	if got := r.Services(); len(got) != 2 || got[0] != "eventlog" {
		t.Fatalf("services: %v", got)
	}
}

func TestRoute_NotFound(t *testing.T) {
	r := New()
	_ = r.Register(fakeProvider{id: "eventlog", tools: []ToolDefinition{readTool("eventlog_query")}})
	for _, name := range []string{"nonexistent_tool", "eventlog_", "eventlog", "", "eventlog_query2"} {
		if _, err := r.Route(name); !errors.Is(err, ErrToolNotFound) {
			t.Errorf("%q: err=%v want ErrToolNotFound", name, err)
		}
	}
}

func TestRegister_Rejects(t *testing.T) {
	r := New()
	if err := r.Register(fakeProvider{id: "eventlog", tools: []ToolDefinition{readTool("eventlog_query")}}); err != nil {
		t.Fatal(err)
	}
	bad := &jsonschema.Schema{Type: "object", Pattern: "("}
	cases := []struct {
		name string
		p    Provider
		want error
	}{
		{"nil", nil, ErrInvalidService},
		{"duplicate", fakeProvider{id: "eventlog"}, ErrDuplicateService},
		{"empty id", fakeProvider{id: ""}, ErrInvalidService},
		{"underscore id", fakeProvider{id: "event_log"}, ErrInvalidService},
		{"foreign prefix", fakeProvider{id: "files", tools: []ToolDefinition{readTool("eventlog_query")}}, ErrInvalidService},
		{"no action", fakeProvider{id: "files", tools: []ToolDefinition{readTool("files_")}}, ErrInvalidService},
		{"no operation", fakeProvider{id: "files", tools: []ToolDefinition{{Name: "files_stat"}}}, ErrInvalidService},
		{"twice", fakeProvider{id: "files", tools: []ToolDefinition{readTool("files_stat"), readTool("files_stat")}}, ErrInvalidService},
		{"bad schema", fakeProvider{id: "files", tools: []ToolDefinition{{Name: "files_stat", Operation: permission.OpRead, InputSchema: bad}}}, ErrInvalidService},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.Register(tc.p); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
	if got := r.Services(); len(got) != 1 {
		t.Fatalf("rejected providers leaked into registry: %v", got)
	}
}

func TestRegister_NilSchemaIsObject(t *testing.T) {
	r := New()
	if err := r.Register(fakeProvider{id: "svc", tools: []ToolDefinition{{Name: "svc_ping", Operation: permission.OpRead}}}); err != nil {
		t.Fatal(err)
	}
	rt, _ := r.Route("svc_ping")
	if errs := rt.Schema.Validate(nil); len(errs) != 0 {
		t.Fatalf("errs=%v", errs)
	}
	if errs := rt.Schema.Validate("x"); len(errs) == 0 {
		t.Fatal("non-object arguments accepted")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	_ = r.Register(fakeProvider{id: "eventlog", tools: []ToolDefinition{readTool("eventlog_query")}})
	if !r.Unregister("eventlog") {
		t.Fatal("unregister reported missing")
	}
	if r.Unregister("eventlog") {
		t.Fatal("second unregister reported present")
	}
	if _, err := r.Route("eventlog_query"); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("route survived unregister: %v", err)
	}
	if err := r.Register(fakeProvider{id: "eventlog", tools: []ToolDefinition{readTool("eventlog_query")}}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestRegister_ConcurrentReaders(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("svc%d", i)
			if err := r.Register(fakeProvider{id: id, tools: []ToolDefinition{readTool(id + "_get")}}); err != nil {
				t.Error(err)
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = r.ListTools(nil)
			_, _ = r.Route("svc0_get")
		}()
	}
	wg.Wait()
	if n := len(r.ListTools(nil)); n != 10 {
		t.Fatalf("tools=%d want 10", n)
	}
}

type fakeSwitch struct{ on map[string]bool }

func (s *fakeSwitch) Enable(_ context.Context, id, _ string) error  { s.on[id] = true; return nil }
func (s *fakeSwitch) Disable(_ context.Context, id, _ string) error { s.on[id] = false; return nil }
func (s *fakeSwitch) Enabled(id string) bool                        { return s.on[id] }

func TestService_Switch(t *testing.T) {
	r := New()
	_ = r.Register(fakeProvider{id: "eventlog"})
	sw := &fakeSwitch{on: map[string]bool{}}
	if _, ok := r.Service("nope", sw); ok {
		t.Fatal("unknown service resolved")
	}
	svc, ok := r.Service("eventlog", sw)
	if !ok {
		t.Fatal("service missing")
	}
	if err := svc.Enable(t.Context(), "test"); err != nil || !svc.Enabled() {
		t.Fatalf("enable: %v %v", err, svc.Enabled())
	}
	if err := svc.Disable(t.Context(), "test"); err != nil || svc.Enabled() {
		t.Fatalf("disable: %v %v", err, svc.Enabled())
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("open /etc/shadow: permission denied")
	err := fmt.Errorf("wrap: %w", &ProviderError{Message: "file not readable", Err: cause})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Message != "file not readable" || !errors.Is(err, cause) {
		t.Fatalf("unexpected: %v", err)
	}
	if Failf("limit %d exceeded", 5).Error() != "limit 5 exceeded" {
		t.Fatal("Failf message")
	}
}
