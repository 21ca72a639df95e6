// Package admin is the HTTP configuration channel. Its operations are meta
// operations: they are not subject to per-service permission checks, and
// every mutation goes through the config store, which audits it.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/hostgate/pkg/audit"
	"github.com/wilhg/hostgate/pkg/config"
	"github.com/wilhg/hostgate/pkg/errmodel"
	"github.com/wilhg/hostgate/pkg/metrics"
	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/ratelimit"
	"github.com/wilhg/hostgate/pkg/registry"
)

// Source is recorded in audit entries for mutations made here.
const Source = "admin"

const maxBody = 64 << 10

// Server serves the admin endpoints.
type Server struct {
	store    *config.Store
	reg      *registry.Registry
	audit    audit.Logger
	counters *metrics.Counters
	limiter  *ratelimit.Keyed
	logger   *slog.Logger
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAudit enables GET /api/audit.
func WithAudit(l audit.Logger) Option { return func(s *Server) { s.audit = l } }

// WithCounters enables GET /api/metrics.
func WithCounters(c *metrics.Counters) Option { return func(s *Server) { s.counters = c } }

// WithLimiter rate-limits every endpoint by remote IP.
func WithLimiter(l *ratelimit.Keyed) Option { return func(s *Server) { s.limiter = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server over the store and registry.
func New(store *config.Store, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		store:   store,
		reg:     reg,
		logger:  slog.New(slog.DiscardHandler),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counters == nil {
		s.counters = metrics.New()
	}
	return s
}

// Handler returns the instrumented mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /api/services", s.listServices)
	mux.HandleFunc("POST /api/services/{id}/enable", s.enable)
	mux.HandleFunc("POST /api/services/{id}/disable", s.disable)
	mux.HandleFunc("PUT /api/services/{id}/permission", s.setPermission)
	mux.HandleFunc("PUT /api/anonymization", s.setAnonymization)
	mux.HandleFunc("POST /api/reset", s.reset)
	mux.HandleFunc("GET /api/audit", s.listAudit)
	mux.HandleFunc("GET /api/metrics", s.metrics)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return otelhttp.NewHandler(h, "hostgate.admin")
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if !s.store.Readable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "config": "unreadable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ServiceView is one entry of GET /api/services.
type ServiceView struct {
	ID      string           `json:"id"`
	Enabled bool             `json:"enabled"`
	Level   permission.Level `json:"level"`
	Tools   []string         `json:"tools"`
}

func (s *Server) view(id string) (ServiceView, error) {
	st, ok, err := s.store.ServiceState(id)
	if err != nil {
		return ServiceView{}, err
	}
	if !ok {
		return ServiceView{}, config.ErrUnknownService
	}
	v := ServiceView{ID: id, Enabled: st.Enabled, Level: st.Level, Tools: []string{}}
	if svc, ok := s.reg.Service(id, s.store); ok {
		for _, d := range svc.ListTools() {
			v.Tools = append(v.Tools, d.Name)
		}
	}
	return v, nil
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	if !s.store.Readable() {
		s.fail(w, r, config.ErrUnreadable)
		return
	}
	views := []ServiceView{}
	for _, id := range s.store.Services() {
		v, err := s.view(id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anonymize": s.store.AnonymizeEnabled(),
		"services":  views,
	})
}

// service resolves {id} to a registered service or writes 404.
func (s *Server) service(w http.ResponseWriter, r *http.Request) (registry.Service, bool) {
	svc, ok := s.reg.Service(r.PathValue("id"), s.store)
	if !ok {
		s.fail(w, r, config.ErrUnknownService)
	}
	return svc, ok
}

func (s *Server) enable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, registry.Service.Enable)
}

func (s *Server) disable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, registry.Service.Disable)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(registry.Service, context.Context, string) error) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	if err := fn(svc, r.Context(), Source); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeService(w, r, svc.ID())
}

func (s *Server) setPermission(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var body struct {
		Level *string `json:"level"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Level == nil {
		s.fail(w, r, errmodel.Validation(errmodel.CodeBadRequest, "level is required", nil))
		return
	}
	if err := s.store.SetLevel(r.Context(), svc.ID(), *body.Level, Source); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeService(w, r, svc.ID())
}

func (s *Server) setAnonymization(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Enabled == nil {
		s.fail(w, r, errmodel.Validation(errmodel.CodeBadRequest, "enabled is required", nil))
		return
	}
	if err := s.store.SetAnonymize(r.Context(), *body.Enabled, Source); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anonymize": s.store.AnonymizeEnabled()})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResetDefaults(r.Context(), Source); err != nil {
		s.fail(w, r, err)
		return
	}
	// an unreadable file leaves no services behind; reseed the registered ones
	if err := s.store.EnsureServices(s.reg.Services()...); err != nil {
		s.fail(w, r, err)
		return
	}
	s.listServices(w, r)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.fail(w, r, errmodel.Validation(errmodel.CodeNotFound, "audit log not configured", nil))
		return
	}
	q := r.URL.Query()
	f := audit.Filter{ServiceID: q.Get("service"), Action: q.Get("action")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.fail(w, r, errmodel.Validation(errmodel.CodeBadRequest, "limit must be a positive integer", nil))
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(w, r, errmodel.Validation(errmodel.CodeBadRequest, "since must be RFC 3339", nil))
			return
		}
		f.Since = t
	}
	entries, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters":       s.counters.Snapshot(),
		"services":       len(s.reg.Services()),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) writeService(w http.ResponseWriter, r *http.Request, id string) {
	v, err := s.view(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// fail translates store errors to the errmodel envelope. Anything
// unrecognized is logged and reported as an internal error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ce *errmodel.Error
	switch {
	case errors.As(err, &ce):
	case errors.Is(err, config.ErrUnknownService):
		ce = errmodel.Config(errmodel.CodeUnknownService, "unknown service", map[string]any{"service": r.PathValue("id")})
	case errors.Is(err, config.ErrInvalidLevel):
		ce = errmodel.Config(errmodel.CodeInvalidPermissionLevel, "invalid permission level",
			map[string]any{"allowed": []permission.Level{permission.Disabled, permission.ReadOnly, permission.ReadWrite}})
	case errors.Is(err, config.ErrUnreadable):
		ce = errmodel.System(errmodel.CodeInternal, "configuration unreadable; POST /api/reset to restore defaults", nil)
	default:
		s.logger.Error("admin: request failed", "path", r.URL.Path, "error", err)
		ce = errmodel.System(errmodel.CodeInternal, "internal error", nil)
	}
	errmodel.WriteHTTP(w, r, ce)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return errmodel.Validation(errmodel.CodeBadRequest, "invalid JSON body", nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
