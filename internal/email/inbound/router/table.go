package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/message"
)

// ErrUnknownTarget is returned when a route is registered against a target
// outside the fixed target set.
var ErrUnknownTarget = errors.New("unknown route target")

// ErrNoRouteMatched describes a message that matched no route for a target.
// The dispatcher only logs it.
var ErrNoRouteMatched = errors.New("no route matched")

// Target selects which part of a message a route is matched against.
type Target int

const (
	TargetFrom Target = iota
	TargetSubject

	targetCount
)

// Targets returns the closed target set in dispatch order.
func Targets() []Target {
	return []Target{TargetFrom, TargetSubject}
}

func (t Target) String() string {
	switch t {
	case TargetFrom:
		return "from"
	case TargetSubject:
		return "subject"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// Valid reports whether t belongs to the target set.
func (t Target) Valid() bool {
	return t >= 0 && t < targetCount
}

// ParseTarget maps "from" or "subject" to its Target.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "from":
		return TargetFrom, nil
	case "subject":
		return TargetSubject, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
}

// Request is what a handler receives for a matched route.
type Request struct {
	Target   Target
	Template string
	Message  *message.Message
	// Args holds extra context merged with the route captures.
	// Captures take precedence on key collisions.
	Args map[string]any
}

// Capture returns a captured placeholder (or any string argument) by name.
func (r *Request) Capture(name string) string {
	if r == nil || r.Args == nil {
		return ""
	}
	v, _ := r.Args[name].(string)
	return v
}

// Handler runs when a route matches.
type Handler func(ctx context.Context, req *Request) error

// Route is a compiled template bound to a handler.
type Route struct {
	Target  Target
	Pattern *Pattern
	Handler Handler
	Name    string
}

// Table holds one ordered route list per target. Evaluation order is
// registration order.
type Table struct {
	mu     sync.RWMutex
	routes [targetCount][]Route
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{}
}

// Register compiles template and appends it to target's routes.
func (t *Table) Register(target Target, template string, h Handler) error {
	return t.RegisterNamed(target, template, "", h)
}

// RegisterNamed is Register with a handler name kept for introspection.
func (t *Table) RegisterNamed(target Target, template, name string, h Handler) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if h == nil {
		return fmt.Errorf("route %s %q: nil handler", target, template)
	}
	p, err := Compile(template)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.routes[target] = append(t.routes[target], Route{Target: target, Pattern: p, Handler: h, Name: name})
	t.mu.Unlock()
	return nil
}

// From registers a route on the sender address.
func (t *Table) From(template string, h Handler) error {
	return t.Register(TargetFrom, template, h)
}

// Subject registers a route on the decoded subject.
func (t *Table) Subject(template string, h Handler) error {
	return t.Register(TargetSubject, template, h)
}

// MustFrom is From for init-time wiring; it panics on error.
func (t *Table) MustFrom(template string, h Handler) {
	if err := t.From(template, h); err != nil {
		panic(err)
	}
}

// MustSubject is Subject for init-time wiring; it panics on error.
func (t *Table) MustSubject(template string, h Handler) {
	if err := t.Subject(template, h); err != nil {
		panic(err)
	}
}

// Resolve returns the first route for target that matches candidate.
func (t *Table) Resolve(target Target, candidate string) (Captures, Route, bool) {
	if !target.Valid() {
		return nil, Route{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes[target] {
		if caps, ok := r.Pattern.Match(candidate); ok {
			return caps, r, true
		}
	}
	return nil, Route{}, false
}

// Len returns the number of routes registered for target.
func (t *Table) Len(target Target) int {
	if !target.Valid() {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes[target])
}

// Routes returns a copy of target's routes in resolution order.
func (t *Table) Routes(target Target) []Route {
	if !target.Valid() {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Route(nil), t.routes[target]...)
}
