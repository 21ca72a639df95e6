package filesearch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/wilhg/hostgate/pkg/anonymize"
	"github.com/wilhg/hostgate/pkg/registry"
)

var mtime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"logs/app.log":         {Data: []byte("hello"), ModTime: mtime},
		"logs/old/app.1.log":   {Data: []byte("older"), ModTime: mtime},
		"logs/old/app.2.log":   {Data: []byte("oldest"), ModTime: mtime},
		"docs/readme.txt":      {Data: []byte("readme"), ModTime: mtime},
		"docs/notes/todo.txt":  {Data: []byte("x"), ModTime: mtime},
		"config/settings.json": {Data: []byte("{}"), ModTime: mtime},
	}
}

func TestSearch(t *testing.T) {
	p := New(testFS())
	out, err := p.CallTool(t.Context(), "search", map[string]any{"pattern": "**/*.log"})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	matches := m["matches"].([]Entry)
	if len(matches) != 3 || m["truncated"] != false {
		t.Fatalf("matches=%+v truncated=%v", matches, m["truncated"])
	}
	for _, e := range matches {
		if !strings.HasSuffix(e.Path, ".log") || e.IsDir {
			t.Fatalf("unexpected match %+v", e)
		}
	}

	out, err = p.CallTool(t.Context(), "search", map[string]any{"pattern": "**/*.log", "limit": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	m = out.(map[string]any)
	if len(m["matches"].([]Entry)) != 2 || m["truncated"] != true {
		t.Fatalf("limit not applied: %+v", m)
	}

	out, err = p.CallTool(t.Context(), "search", map[string]any{"pattern": "*.exe"})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.(map[string]any)["matches"].([]Entry); got == nil || len(got) != 0 {
		t.Fatalf("no-match result: %#v", got)
	}
}

func TestSearch_RejectsEscapes(t *testing.T) {
	p := New(testFS())
	for _, pattern := range []string{"../**", "/etc/*", `\\server\share\*`, "logs/../../x", "[", ""} {
		_, err := p.CallTool(t.Context(), "search", map[string]any{"pattern": pattern})
		var pe *registry.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: err=%v", pattern, err)
		}
	}
}

func TestStat(t *testing.T) {
	p := New(testFS())
	out, err := p.CallTool(t.Context(), "stat", map[string]any{"path": "logs/app.log"})
	if err != nil {
		t.Fatal(err)
	}
	e := out.(Entry)
	if e.Size != 5 || e.IsDir || !e.Modified.Equal(mtime) {
		t.Fatalf("entry=%+v", e)
	}

	out, err = p.CallTool(t.Context(), "stat", map[string]any{"path": "./docs"})
	if err != nil {
		t.Fatal(err)
	}
	if e := out.(Entry); !e.IsDir || e.Path != "docs" {
		t.Fatalf("dir entry=%+v", e)
	}

	var pe *registry.ProviderError
	_, err = p.CallTool(t.Context(), "stat", map[string]any{"path": "missing.txt"})
	if !errors.As(err, &pe) || !strings.Contains(pe.Message, "no such file") {
		t.Fatalf("missing: %v", err)
	}
	for _, bad := range []string{"../secret", "/etc/passwd", "docs//readme.txt", "C:/Windows"} {
		_, err = p.CallTool(t.Context(), "stat", map[string]any{"path": bad})
		if !errors.As(err, &pe) || pe.Message != "invalid path" {
			t.Fatalf("%q: %v", bad, err)
		}
	}
}

func TestProfileRoot_ReportsOwner(t *testing.T) {
	root := filepath.Join(t.TempDir(), "home")
	for _, f := range []string{"alice/notes.txt", "bob/todo.txt"} {
		full := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out, err := NewDir(root).CallTool(t.Context(), "search", map[string]any{"pattern": "*/*.txt"})
	if err != nil {
		t.Fatal(err)
	}
	matches := out.(map[string]any)["matches"].([]Entry)
	if len(matches) != 2 {
		t.Fatalf("matches=%+v", matches)
	}
	for _, e := range matches {
		if want, _, _ := strings.Cut(e.Path, "/"); e.Owner != want {
			t.Fatalf("owner=%q path=%q", e.Owner, e.Path)
		}
	}

	b, _ := json.Marshal(out)
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	anon, _ := json.Marshal(anonymize.New(anonymize.NewMemoryStore()).Apply(decoded))
	for _, name := range []string{"alice", "bob"} {
		if strings.Contains(string(anon), name) {
			t.Fatalf("%s leaked: %s", name, anon)
		}
	}
	if !strings.Contains(string(anon), "/notes.txt") {
		t.Fatalf("path shape lost: %s", anon)
	}

	e, err := New(testFS()).CallTool(t.Context(), "stat", map[string]any{"path": "docs/readme.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if e.(Entry).Owner != "" {
		t.Fatalf("owner outside a profile root: %+v", e)
	}
	if !isProfileRoot("/Users/") || !isProfileRoot("/HOME") {
		t.Fatal("profile root not detected")
	}
	if isProfileRoot("/srv/data") {
		t.Fatal("/srv/data detected as profile root")
	}
}

func TestNoRootAndUnknownAction(t *testing.T) {
	if _, err := New(nil).CallTool(t.Context(), "search", map[string]any{"pattern": "*"}); err == nil {
		t.Fatal("search without root succeeded")
	}
	if _, err := New(testFS()).CallTool(t.Context(), "delete", nil); err == nil {
		t.Fatal("unknown action accepted")
	}
}

func TestListTools_Register(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(New(testFS())); err != nil {
		t.Fatal(err)
	}
	r, err := reg.Route("filesearch_search")
	if err != nil {
		t.Fatal(err)
	}
	if errs := r.Schema.Validate(map[string]any{"pattern": "*", "limit": "ten"}); len(errs) == 0 || errs[0].Path != "arguments.limit" {
		t.Fatalf("errors=%+v", errs)
	}
	if _, err := reg.Route("filesearch_stat"); err != nil {
		t.Fatal(err)
	}
}
