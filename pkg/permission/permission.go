// Package permission decides whether a tool operation may run against a
// service. Every path that cannot positively establish permission denies.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a per-service permission level.
type Level string

const (
	Disabled  Level = "disabled"
	ReadOnly  Level = "read-only"
	ReadWrite Level = "read-write"
)

// DefaultLevel is the level a service gets when it is first seen or
// re-enabled.
const DefaultLevel = ReadOnly

var ErrInvalidLevel = errors.New("invalid permission level")

// ParseLevel accepts exactly the three level names.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case Disabled, ReadOnly, ReadWrite:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	_, err := ParseLevel(string(l))
	return err == nil
}

// Operation is the kind of access a tool performs.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Allows reports whether l permits op. Unknown levels and operations deny.
func (l Level) Allows(op Operation) bool {
	switch l {
	case ReadWrite:
		return op == OpRead || op == OpWrite
	case ReadOnly:
		return op == OpRead
	default:
		return false
	}
}

// State is the permission-relevant part of a service's config.
type State struct {
	Enabled bool  `json:"enabled"`
	Level   Level `json:"level"`
}

// StateSource supplies service state. ok is false for services it does not
// know; a non-nil error means the configuration could not be read.
type StateSource interface {
	ServiceState(id string) (st State, ok bool, err error)
}

// Denial reasons.
const (
	ReasonUnknownService   = "unknown service"
	ReasonConfigUnreadable = "configuration unreadable"
	ReasonServiceDisabled  = "service disabled"
	ReasonLevelDisabled    = "permission level disabled"
	ReasonInvalidLevel     = "invalid permission level"
	ReasonUnknownOperation = "unknown operation"
	ReasonReadOnly         = "service is read-only"
)

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Checker evaluates decisions against a StateSource.
type Checker struct {
	src StateSource
}

// NewChecker returns a checker; a nil source denies everything.
func NewChecker(src StateSource) *Checker {
	return &Checker{src: src}
}

// Check decides whether op may run against serviceID.
func (c *Checker) Check(serviceID string, op Operation) Decision {
	if op != OpRead && op != OpWrite {
		return deny(ReasonUnknownOperation)
	}
	if c == nil || c.src == nil {
		return deny(ReasonConfigUnreadable)
	}
	st, ok, err := c.src.ServiceState(serviceID)
	if err != nil {
		return deny(ReasonConfigUnreadable)
	}
	if !ok {
		return deny(ReasonUnknownService)
	}
	if !st.Enabled {
		return deny(ReasonServiceDisabled)
	}
	switch st.Level {
	case Disabled:
		return deny(ReasonLevelDisabled)
	case ReadOnly, ReadWrite:
	default:
		return deny(ReasonInvalidLevel)
	}
	if !st.Level.Allows(op) {
		return deny(ReasonReadOnly)
	}
	return allow()
}

var metaMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"tools/list":                true,
	"ping":                      true,
}

// IsMeta reports whether a method is a meta operation that bypasses
// per-service checks: protocol handshake, listing, liveness and the
// admin surface.
func IsMeta(method string) bool {
	return metaMethods[method] || strings.HasPrefix(method, "admin/")
}
