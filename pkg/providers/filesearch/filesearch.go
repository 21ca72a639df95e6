// Package filesearch exposes glob search over a sandboxed file tree as the
// "filesearch" service.
package filesearch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/registry"
)

// ID is the service id.
const ID = "filesearch"

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var errLimit = errors.New("limit reached")

// Entry describes one file or directory.
type Entry struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	IsDir    bool      `json:"isDir"`
	Mode     string    `json:"mode"`
	// Owner is the profile a path belongs to when the root is a profiles
	// directory such as /home or C:\Users.
	Owner string `json:"owner,omitempty"`
}

// Provider implements registry.Provider over an fs.FS.
type Provider struct {
	fsys     fs.FS
	profiles bool
	logger   *slog.Logger
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

// WithProfileRoot marks the root as a profiles directory: the first
// segment of every path is a user name and is reported as Entry.Owner.
func WithProfileRoot(on bool) Option {
	return func(p *Provider) { p.profiles = on }
}

// New returns a provider searching fsys.
func New(fsys fs.FS, opts ...Option) *Provider {
	p := &Provider{fsys: fsys, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewDir returns a provider rooted at dir on the host file system. A dir
// named Users or home is treated as a profile root.
func NewDir(dir string, opts ...Option) *Provider {
	return New(os.DirFS(dir), append([]Option{WithProfileRoot(isProfileRoot(dir))}, opts...)...)
}

func isProfileRoot(dir string) bool {
	base := filepath.Base(filepath.Clean(dir))
	return strings.EqualFold(base, "Users") || strings.EqualFold(base, "home")
}

func (p *Provider) ID() string { return ID }

func (p *Provider) ListTools() []registry.ToolDefinition {
	closed := func() *jsonschema.Schema { return &jsonschema.Schema{Not: &jsonschema.Schema{}} }
	return []registry.ToolDefinition{
		{
			Name:        ID + "_search",
			Description: "Find files whose relative path matches a glob pattern. Supports ** for recursive matching.",
			Operation:   permission.OpRead,
			InputSchema: &jsonschema.Schema{
				Type:     "object",
				Required: []string{"pattern"},
				Properties: map[string]*jsonschema.Schema{
					"pattern": {Type: "string", MinLength: jsonschema.Ptr(1), MaxLength: jsonschema.Ptr(512), Description: "Glob pattern, e.g. **/*.log"},
					"limit":   {Type: "integer", Minimum: jsonschema.Ptr(1.0), Maximum: jsonschema.Ptr(float64(MaxLimit)), Description: "Maximum number of matches."},
				},
				AdditionalProperties: closed(),
			},
		},
		{
			Name:        ID + "_stat",
			Description: "Describe one file or directory.",
			Operation:   permission.OpRead,
			InputSchema: &jsonschema.Schema{
				Type:     "object",
				Required: []string{"path"},
				Properties: map[string]*jsonschema.Schema{
					"path": {Type: "string", MinLength: jsonschema.Ptr(1), MaxLength: jsonschema.Ptr(4096), Description: "Path relative to the search root."},
				},
				AdditionalProperties: closed(),
			},
		},
	}
}

func (p *Provider) CallTool(ctx context.Context, action string, args map[string]any) (any, error) {
	if p.fsys == nil {
		return nil, registry.Failf("no search root configured")
	}
	switch action {
	case "search":
		return p.search(ctx, args)
	case "stat":
		return p.stat(args)
	default:
		return nil, registry.Failf("unsupported action %q", action)
	}
}

func (p *Provider) search(ctx context.Context, args map[string]any) (any, error) {
	pattern, _ := args["pattern"].(string)
	limit := DefaultLimit
	if n, ok := args["limit"].(float64); ok {
		limit = int(n)
	}
	if escapes(pattern) {
		return nil, registry.Failf("invalid pattern")
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, registry.Failf("invalid glob pattern: %s", pattern)
	}

	matches := []Entry{}
	truncated := false
	err := doublestar.GlobWalk(p.fsys, pattern, func(name string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(matches) == limit {
			truncated = true
			return errLimit
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		matches = append(matches, p.entry(name, info))
		return nil
	}, doublestar.WithNoFollow())
	if err != nil && !errors.Is(err, errLimit) {
		return nil, &registry.ProviderError{Message: "search failed", Err: err}
	}
	p.logger.Debug("filesearch: search", "pattern", pattern, "matches", len(matches), "truncated", truncated)
	return map[string]any{"pattern": pattern, "matches": matches, "truncated": truncated}, nil
}

func (p *Provider) stat(args map[string]any) (any, error) {
	name, _ := args["path"].(string)
	name = strings.TrimPrefix(name, "./")
	if escapes(name) || !fs.ValidPath(name) {
		return nil, registry.Failf("invalid path")
	}
	info, err := fs.Stat(p.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, registry.Failf("no such file: %s", name)
	}
	if err != nil {
		return nil, &registry.ProviderError{Message: "stat failed", Err: err}
	}
	return p.entry(name, info), nil
}

// escapes reports whether p could leave the sandbox.
func escapes(p string) bool {
	if p == "" {
		return true
	}
	return filepath.IsAbs(p) || path.IsAbs(p) || strings.HasPrefix(p, `\`) ||
		strings.Contains(p, "..") || filepath.VolumeName(p) != "" ||
		(len(p) >= 2 && p[1] == ':')
}

func (p *Provider) entry(name string, info fs.FileInfo) Entry {
	e := Entry{
		Path:     name,
		Size:     info.Size(),
		Modified: info.ModTime().UTC(),
		IsDir:    info.IsDir(),
		Mode:     info.Mode().String(),
	}
	if p.profiles && name != "." {
		e.Owner, _, _ = strings.Cut(name, "/")
	}
	return e
}
