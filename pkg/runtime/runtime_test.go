package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wilhg/hostgate/pkg/anonymize"
	"github.com/wilhg/hostgate/pkg/audit"
	"github.com/wilhg/hostgate/pkg/config"
	"github.com/wilhg/hostgate/pkg/errmodel"
	"github.com/wilhg/hostgate/pkg/providers/eventlog"
)

var quiet = slog.New(slog.DiscardHandler)

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []eventlog.Event{
		{LogName: "System", RecordID: 1, EventID: 4624, Level: "information", Source: "Security-Auditing", TimeCreated: base, Computer: "WS-ALICE01", User: `CORP\alice`, Message: `An account was logged on: CORP\alice from 192.168.7.20`},
		{LogName: "System", RecordID: 2, EventID: 7036, Level: "information", Source: "Service Control Manager", TimeCreated: base.Add(time.Minute), Computer: "WS-ALICE01", User: "alice@corp.example.com", Message: `Profile C:\Users\alice loaded`},
	}
	b, err := json.Marshal(events)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "events.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	dir := t.TempDir()
	s := config.DefaultSettings()
	s.StatePath = filepath.Join(dir, "state.json")
	s.MappingPath = filepath.Join(dir, "mapping.json")
	s.EventLogFixture = writeFixture(t, dir)
	s.CallTimeout = config.Duration(2 * time.Second)
	return s
}

func newRuntime(t *testing.T, s config.Settings, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(t.Context(), s, append([]Option{WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int64 `json:"code"`
	} `json:"error"`
}

func session(t *testing.T, rt *Runtime, lines ...string) map[string]response {
	t.Helper()
	var out bytes.Buffer
	if err := rt.Handler.Serve(t.Context(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out); err != nil {
		t.Fatal(err)
	}
	m := map[string]response{}
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r response
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatal(err)
		}
		m[string(r.ID)] = r
	}
	return m
}

const queryLine = `{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"eventlog_query","arguments":{"logName":"System","limit":5}}}`

func query(id int) string { return strings.Replace(queryLine, "%d", string(rune('0'+id)), 1) }

func TestRuntime_EndToEnd(t *testing.T) {
	s := testSettings(t)
	rt := newRuntime(t, s)

	m := session(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		query(3),
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nonexistent_tool","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"eventlog_query","arguments":{"logName":"System","limit":"not-a-number"}}}`,
	)
	if len(m) != 5 {
		t.Fatalf("responses=%d", len(m))
	}
	if !strings.Contains(string(m["2"].Result), `"eventlog_query"`) {
		t.Fatalf("tools/list: %s", m["2"].Result)
	}
	res := string(m["3"].Result)
	if !strings.Contains(res, `"success":true`) {
		t.Fatalf("query: %s", res)
	}
	for _, raw := range []string{"alice", "ALICE", "192.168.7.20", "corp.example.com"} {
		if strings.Contains(res, raw) {
			t.Fatalf("raw %q leaked: %s", raw, res)
		}
	}
	if !strings.Contains(string(m["4"].Result), `"code":"ToolNotFound"`) {
		t.Fatalf("unknown tool: %s", m["4"].Result)
	}
	if !strings.Contains(string(m["5"].Result), `"path":"arguments.limit"`) {
		t.Fatalf("validation: %s", m["5"].Result)
	}

	// same tokens on a second call
	again := session(t, rt, query(3))
	if string(again["3"].Result) != res {
		t.Fatalf("tokens changed:\n%s\n%s", res, again["3"].Result)
	}
	if snap := rt.Counters.Snapshot(); snap.Calls != 4 || snap.Successes != 2 {
		t.Fatalf("counters=%+v", snap)
	}
}

func TestRuntime_DisabledServiceHidden(t *testing.T) {
	rt := newRuntime(t, testSettings(t))
	if err := rt.Store.Disable(t.Context(), eventlog.ID, "test"); err != nil {
		t.Fatal(err)
	}
	m := session(t, rt, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, query(2))
	if strings.Contains(string(m["1"].Result), "eventlog_") {
		t.Fatalf("disabled service listed: %s", m["1"].Result)
	}
	if !strings.Contains(string(m["2"].Result), `"code":"`+errmodel.CodePermissionDenied+`"`) {
		t.Fatalf("disabled call: %s", m["2"].Result)
	}
	entries, err := rt.Audit.List(t.Context(), audit.Filter{ServiceID: eventlog.ID})
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit entries=%v err=%v", entries, err)
	}
}

// Two runtimes sharing one mapping file issue the same token for the same
// identity.
func TestRuntime_SharedMappingFile(t *testing.T) {
	s := testSettings(t)
	a := newRuntime(t, s)
	first := session(t, a, query(1))["1"].Result
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.MappingPath); err != nil {
		t.Fatalf("mapping not persisted: %v", err)
	}

	s2 := s
	s2.StatePath = filepath.Join(t.TempDir(), "state.json")
	b := newRuntime(t, s2)
	second := session(t, b, query(1))["1"].Result
	if string(first) != string(second) {
		t.Fatalf("tokens differ across instances:\n%s\n%s", first, second)
	}
	if tok := b.Anonymizer.Anonymize(anonymize.ClassUser, `DOMAIN\alice`); tok != a.Anonymizer.Anonymize(anonymize.ClassUser, `DOMAIN\alice`) {
		t.Fatalf("DOMAIN\\alice tokenized differently")
	}
}

func TestRuntime_UnreadableConfigDenies(t *testing.T) {
	s := testSettings(t)
	if err := os.WriteFile(s.StatePath, []byte(`{"services":`), 0o600); err != nil {
		t.Fatal(err)
	}
	rt := newRuntime(t, s)
	if rt.Store.Readable() {
		t.Fatal("store should be unreadable")
	}
	m := session(t, rt, query(1))
	if !strings.Contains(string(m["1"].Result), `"code":"PermissionDenied"`) {
		t.Fatalf("call on unreadable config: %s", m["1"].Result)
	}
	if err := rt.Store.ResetDefaults(t.Context(), "test"); err != nil {
		t.Fatal(err)
	}
	if err := rt.Store.EnsureServices(rt.Registry.Services()...); err != nil {
		t.Fatal(err)
	}
	m = session(t, rt, query(2))
	if !strings.Contains(string(m["2"].Result), `"success":true`) {
		t.Fatalf("call after reset: %s", m["2"].Result)
	}
}

func TestRuntime_SQLiteAuditAndSpans(t *testing.T) {
	s := testSettings(t)
	s.AuditDSN = "sqlite:file:runtime-audit?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	rt := newRuntime(t, s, WithTracerProvider(tp), WithVersion("1.2.3"))
	if _, ok := rt.Audit.(*audit.SQLStore); !ok {
		t.Fatalf("audit=%T want *audit.SQLStore", rt.Audit)
	}
	if err := rt.Store.SetAnonymize(t.Context(), false, "test"); err != nil {
		t.Fatal(err)
	}
	entries, err := rt.Audit.List(t.Context(), audit.Filter{Action: audit.ActionSetAnonymize})
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries=%v err=%v", entries, err)
	}

	m := session(t, rt, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, query(2))
	if !strings.Contains(string(m["1"].Result), `"version":"1.2.3"`) {
		t.Fatalf("initialize: %s", m["1"].Result)
	}
	if !strings.Contains(string(m["2"].Result), "alice") {
		t.Fatalf("anonymization off should pass identities through: %s", m["2"].Result)
	}
	if len(sr.Ended()) != 1 || sr.Ended()[0].Name() != "Executor.Call" {
		t.Fatalf("spans=%d", len(sr.Ended()))
	}
}

func TestRuntime_InvalidSettings(t *testing.T) {
	s := testSettings(t)
	s.EventLogSource = "registry"
	if _, err := New(t.Context(), s, WithLogger(quiet)); err == nil {
		t.Fatal("invalid settings accepted")
	}
	s = testSettings(t)
	s.EventLogFixture = filepath.Join(t.TempDir(), "missing.json")
	if _, err := New(t.Context(), s, WithLogger(quiet)); err == nil {
		t.Fatal("missing fixture accepted")
	}
}
