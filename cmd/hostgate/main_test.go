package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/wilhg/hostgate/pkg/providers/eventlog"
)

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestEnv(t *testing.T) {
	c := &cli{getenv: mapEnv(map[string]string{"FOO": "bar"})}
	if got := c.env("FOO", "default"); got != "bar" {
		t.Fatalf("env returned %q, want %q", got, "bar")
	}
	if got := c.env("MISSING", "default"); got != "default" {
		t.Fatalf("env returned %q, want %q", got, "default")
	}
}

func TestVersion(t *testing.T) {
	for _, args := range [][]string{{"version"}, {"--version"}} {
		var out bytes.Buffer
		if code := run(t.Context(), args, strings.NewReader(""), &out, &bytes.Buffer{}, mapEnv(nil)); code != 0 {
			t.Fatalf("%v: exit %d", args, code)
		}
		if !strings.HasPrefix(out.String(), "hostgate dev") {
			t.Fatalf("%v: %q", args, out.String())
		}
	}
}

func TestSettingsPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostgate.jsonc")
	file := `{
		// file values
		"rate_per_second": 5,
		"rate_burst": 11,
		"call_timeout": "3s",
		"log_level": "warn",
	}`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	c := &cli{getenv: mapEnv(map[string]string{"HOSTGATE_RATE": "7", "HOSTGATE_CALL_TIMEOUT": "2s"})}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := bindSettings(fs)
	if err := fs.Parse([]string{"--call-timeout", "4s"}); err != nil {
		t.Fatal(err)
	}
	s, err := c.settings(path, fs, f)
	if err != nil {
		t.Fatal(err)
	}
	if s.RateBurst != 11 || s.LogLevel != "warn" {
		t.Fatalf("file values lost: %+v", s)
	}
	if s.RatePerSecond != 7 {
		t.Fatalf("env must override file: rate=%v", s.RatePerSecond)
	}
	if s.CallTimeout.Std() != 4*time.Second {
		t.Fatalf("flag must override env: timeout=%v", s.CallTimeout.Std())
	}
	if s.MaxInFlight == 0 || s.StatePath == "" {
		t.Fatalf("defaults lost: %+v", s)
	}
}

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	events := []eventlog.Event{
		{LogName: "System", RecordID: 1, EventID: 4624, Level: "information", Source: "Security-Auditing",
			TimeCreated: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), Computer: "WS-ALICE01", User: `CORP\alice`,
			Message: `An account was logged on: CORP\alice from 192.168.7.20`},
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

func baseArgs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		"--state", filepath.Join(dir, "state.json"),
		"--mapping", filepath.Join(dir, "mapping.json"),
		"--eventlog-fixture", writeFixture(t, dir),
		"--log-level", "error",
	}
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(t.Context(), args, strings.NewReader(stdin), &out, &errOut, mapEnv(nil))
	return code, out.String(), errOut.String()
}

func TestCall(t *testing.T) {
	args := append(baseArgs(t), "call", "eventlog_query", `{"logName":"System"}`)
	code, out, stderr := runCLI(t, "", args...)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var res struct {
		Success bool `json:"success"`
		Data    struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("%q: %v", out, err)
	}
	if !res.Success || res.Data.Count != 1 {
		t.Fatalf("result=%s", out)
	}
	for _, raw := range []string{"alice", "WS-ALICE01", "192.168.7.20"} {
		if strings.Contains(out, raw) {
			t.Fatalf("%q leaked: %s", raw, out)
		}
	}
}

func TestCall_Failures(t *testing.T) {
	code, out, _ := runCLI(t, "", append(baseArgs(t), "call", "eventlog_query", `{"logName":"Nope"}`)...)
	if code != 1 || !strings.Contains(out, `"success": false`) || !strings.Contains(out, "ValidationError") {
		t.Fatalf("schema violation: exit %d %s", code, out)
	}
	if code, _, stderr := runCLI(t, "", append(baseArgs(t), "call", "eventlog_query", `[1]`)...); code != 1 || !strings.Contains(stderr, "JSON object") {
		t.Fatalf("bad args: exit %d %s", code, stderr)
	}
	if code, _, _ := runCLI(t, "", append(baseArgs(t), "call")...); code != 2 {
		t.Fatalf("missing tool: exit %d", code)
	}
}

func TestTools(t *testing.T) {
	code, out, stderr := runCLI(t, "", append(baseArgs(t), "tools")...)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "eventlog_query\tread-only\t") || !strings.Contains(out, "eventlog_list_logs\t") {
		t.Fatalf("tools:\n%s", out)
	}
	if strings.Contains(out, "filesearch_") {
		t.Fatalf("filesearch listed without a root:\n%s", out)
	}
}

func TestServe(t *testing.T) {
	stdin := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"eventlog_list_logs","arguments":{}}}`,
		`not json`,
	}, "\n") + "\n"
	code, out, stderr := runCLI(t, stdin, baseArgs(t)...)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	ids := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var msg struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		ids[string(msg.ID)] = true
	}
	if len(ids) != 3 || !ids["1"] || !ids["2"] || !ids["null"] {
		t.Fatalf("responses:\n%s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	if code, _, _ := runCLI(t, "", "frobnicate"); code != 2 {
		t.Fatalf("unknown command: exit %d", code)
	}
	if code, _, stderr := runCLI(t, "", "--eventlog-source", "bogus", "tools"); code != 2 || !strings.Contains(stderr, "eventlog_source") {
		t.Fatalf("invalid settings: exit %d %s", code, stderr)
	}
	if code, _, _ := runCLI(t, "", "--no-such-flag"); code != 2 {
		t.Fatalf("unknown flag: exit %d", code)
	}
	if code, _, _ := runCLI(t, "", "--help"); code != 0 {
		t.Fatalf("help: exit %d", code)
	}
}
