package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/jsonc"

	"github.com/wilhg/hostgate/internal/atomicfile"
	"github.com/wilhg/hostgate/pkg/audit"
	"github.com/wilhg/hostgate/pkg/permission"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrInvalidLevel   = permission.ErrInvalidLevel
	// ErrUnreadable is returned while the persisted state could not be
	// loaded; only ResetDefaults clears it.
	ErrUnreadable = errors.New("configuration unreadable")
)

// ServiceState is the stored state of one service.
type ServiceState = permission.State

// State is the whole persisted configuration.
type State struct {
	Version   int                     `json:"version"`
	Anonymize bool                    `json:"anonymize"`
	Services  map[string]ServiceState `json:"services"`
}

func defaultServiceState() ServiceState {
	return ServiceState{Enabled: true, Level: permission.DefaultLevel}
}

// defaultState has anonymization on and no services; EnsureServices seeds
// registered ones.
func defaultState() State {
	return State{Anonymize: true, Services: map[string]ServiceState{}}
}

func (s State) clone() State {
	out := s
	out.Services = make(map[string]ServiceState, len(s.Services))
	for k, v := range s.Services {
		out.Services[k] = v
	}
	return out
}

// Persister loads and saves State. Load reports found=false when nothing
// has been persisted yet.
type Persister interface {
	Load() (st State, found bool, err error)
	Save(State) error
}

// FilePersister stores State as JSON at Path. Hand-edited files may carry
// comments.
type FilePersister struct {
	Path string
}

func (p FilePersister) Load() (State, bool, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(jsonc.ToJSON(data), &st); err != nil {
		return State{}, false, fmt.Errorf("decode state: %w", err)
	}
	if st.Services == nil {
		st.Services = map[string]ServiceState{}
	}
	for id, svc := range st.Services {
		if !svc.Level.Valid() {
			return State{}, false, fmt.Errorf("decode state: service %q: %w", id, ErrInvalidLevel)
		}
	}
	return st, true, nil
}

func (p FilePersister) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return atomicfile.WriteFile(p.Path, data, 0o600)
}

// MemoryPersister keeps State in process; used in tests and when no state
// path is configured.
type MemoryPersister struct {
	mu    sync.Mutex
	st    *State
	saves int
}

func (p *MemoryPersister) Load() (State, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st == nil {
		return State{}, false, nil
	}
	return p.st.clone(), true, nil
}

func (p *MemoryPersister) Save(st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := st.clone()
	p.st = &c
	p.saves++
	return nil
}

// Saves returns how many times Save was called.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// Store is the Config Store. Reads are lock-free snapshots; mutations are
// serialized by one mutex, persisted once each, and then recorded as one
// audit entry.
type Store struct {
	persister Persister
	audit     audit.Logger
	logger    *slog.Logger

	mu         sync.Mutex
	state      atomic.Pointer[State]
	unreadable atomic.Bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithAudit sets the audit logger. Without one, mutations are not audited.
func WithAudit(l audit.Logger) StoreOption {
	return func(s *Store) { s.audit = l }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore loads state from p. A missing state yields secure defaults. A
// corrupt state is returned as an error alongside a usable Store that
// denies every permission check until ResetDefaults succeeds.
func NewStore(p Persister, opts ...StoreOption) (*Store, error) {
	if p == nil {
		p = &MemoryPersister{}
	}
	s := &Store{persister: p, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	st, found, err := p.Load()
	switch {
	case err != nil:
		d := defaultState()
		s.state.Store(&d)
		s.unreadable.Store(true)
		return s, fmt.Errorf("%w: %w", ErrUnreadable, err)
	case !found:
		st = defaultState()
	}
	s.state.Store(&st)
	return s, nil
}

// Open returns a Store persisted at path, or in memory when path is empty.
func Open(path string, opts ...StoreOption) (*Store, error) {
	if path == "" {
		return NewStore(&MemoryPersister{}, opts...)
	}
	return NewStore(FilePersister{Path: path}, opts...)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	return s.state.Load().clone()
}

// Readable reports whether the persisted state loaded successfully.
func (s *Store) Readable() bool { return !s.unreadable.Load() }

// ServiceState implements permission.StateSource.
func (s *Store) ServiceState(id string) (permission.State, bool, error) {
	if s.unreadable.Load() {
		return permission.State{}, false, ErrUnreadable
	}
	st, ok := s.state.Load().Services[id]
	return st, ok, nil
}

// Enabled reports whether a service is known and enabled. Unreadable
// configuration reports false.
func (s *Store) Enabled(id string) bool {
	st, ok, err := s.ServiceState(id)
	return err == nil && ok && st.Enabled
}

// AnonymizeEnabled reports whether results are anonymized. Unreadable
// configuration reports true.
func (s *Store) AnonymizeEnabled() bool {
	if s.unreadable.Load() {
		return true
	}
	return s.state.Load().Anonymize
}

// Services returns the known service ids, sorted.
func (s *Store) Services() []string {
	st := s.state.Load()
	ids := make([]string, 0, len(st.Services))
	for id := range st.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnsureServices seeds services that have no stored state with the secure
// default. It persists at most once and writes no audit entry.
func (s *Store) EnsureServices(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreadable.Load() {
		return ErrUnreadable
	}
	cur := s.state.Load()
	next := cur.clone()
	changed := false
	for _, id := range ids {
		if _, ok := next.Services[id]; !ok {
			next.Services[id] = defaultServiceState()
			changed = true
		}
	}
	if !changed {
		return nil
	}
	next.Version++
	if err := s.persister.Save(next); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.state.Store(&next)
	s.logger.Info("config: seeded services", "services", ids)
	return nil
}

// Enable enables a service and resets its level to read-only.
func (s *Store) Enable(ctx context.Context, id, source string) error {
	return s.mutateService(ctx, audit.ActionEnable, id, source, func(ServiceState) (ServiceState, error) {
		return defaultServiceState(), nil
	})
}

// Disable disables a service, keeping its level.
func (s *Store) Disable(ctx context.Context, id, source string) error {
	return s.mutateService(ctx, audit.ActionDisable, id, source, func(cur ServiceState) (ServiceState, error) {
		cur.Enabled = false
		return cur, nil
	})
}

// SetLevel sets a service's permission level.
func (s *Store) SetLevel(ctx context.Context, id, level, source string) error {
	l, err := permission.ParseLevel(level)
	if err != nil {
		return err
	}
	return s.mutateService(ctx, audit.ActionSetLevel, id, source, func(cur ServiceState) (ServiceState, error) {
		cur.Level = l
		return cur, nil
	})
}

// SetAnonymize turns result anonymization on or off.
func (s *Store) SetAnonymize(ctx context.Context, on bool, source string) error {
	return s.mutate(ctx, func(cur State) (State, audit.Entry, error) {
		next := cur.clone()
		next.Anonymize = on
		return next, audit.Entry{
			Action:   audit.ActionSetAnonymize,
			Previous: fmt.Sprint(cur.Anonymize),
			New:      fmt.Sprint(on),
			Source:   source,
		}, nil
	})
}

// ResetDefaults enables every known service at read-only and turns
// anonymization on. It also recovers a store whose file was unreadable.
func (s *Store) ResetDefaults(ctx context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.state.Load()
	next := defaultState()
	next.Version = cur.Version + 1
	for id := range cur.Services {
		next.Services[id] = defaultServiceState()
	}
	entry := audit.Entry{Action: audit.ActionReset, Previous: compact(cur), New: compact(&next), Source: source}
	if s.unreadable.Load() {
		entry.Previous = "unreadable"
	}
	if err := s.persister.Save(next); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.state.Store(&next)
	s.unreadable.Store(false)
	s.record(ctx, entry)
	return nil
}

func (s *Store) mutateService(ctx context.Context, action, id, source string, fn func(ServiceState) (ServiceState, error)) error {
	return s.mutate(ctx, func(cur State) (State, audit.Entry, error) {
		prev, ok := cur.Services[id]
		if !ok {
			return State{}, audit.Entry{}, fmt.Errorf("%w: %q", ErrUnknownService, id)
		}
		updated, err := fn(prev)
		if err != nil {
			return State{}, audit.Entry{}, err
		}
		next := cur.clone()
		next.Services[id] = updated
		return next, audit.Entry{
			Action:    action,
			ServiceID: id,
			Previous:  compact(prev),
			New:       compact(updated),
			Source:    source,
		}, nil
	})
}

// mutate runs one serialized mutation: compute, persist once, publish,
// audit once. The lock is released on every path.
func (s *Store) mutate(ctx context.Context, fn func(State) (State, audit.Entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreadable.Load() {
		return ErrUnreadable
	}
	cur := s.state.Load()
	next, entry, err := fn(*cur)
	if err != nil {
		return err
	}
	next.Version = cur.Version + 1
	if err := s.persister.Save(next); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.state.Store(&next)
	s.record(ctx, entry)
	return nil
}

// record appends an audit entry; failures are logged, never returned.
func (s *Store) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, e); err != nil {
		s.logger.Warn("config: audit append failed", "action", e.Action, "service", e.ServiceID, "error", err)
	}
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
