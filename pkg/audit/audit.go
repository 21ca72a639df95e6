// Package audit records configuration mutations. Entries are immutable once
// appended. Appends are best-effort from the caller's point of view: a
// failed append is logged by the mutating component and never rolls the
// mutation back.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the config store.
const (
	ActionEnable       = "enable"
	ActionDisable      = "disable"
	ActionSetLevel     = "set_level"
	ActionSetAnonymize = "set_anonymize"
	ActionReset        = "reset"
)

// Entry is one audit record. Previous and New hold compact JSON renderings
// of the affected state.
type Entry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ServiceID string    `json:"serviceId,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	New       string    `json:"new,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter narrows List. Zero values match everything; Limit <= 0 means
// DefaultLimit.
type Filter struct {
	ServiceID string
	Action    string
	Since     time.Time
	Limit     int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

func (f Filter) match(e Entry) bool {
	if f.ServiceID != "" && e.ServiceID != f.ServiceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Logger appends and lists entries. List returns newest first.
type Logger interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// prepare fills the id and timestamp of a new entry.
func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
