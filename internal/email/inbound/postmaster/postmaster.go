// Package postmaster dispatches parsed messages to the routes registered on
// a router.Table.
package postmaster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/router"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/message"
)

// ErrInvalidMessageType rejects a batch containing something that is not a
// parsed message. No handler runs for a rejected batch.
var ErrInvalidMessageType = errors.New("invalid message type")

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("handler panic")

// Dispatch outcomes reported per message and target.
const (
	ActionMatched   = "matched"
	ActionUnmatched = "unmatched"
	ActionFailed    = "failed"
	ActionIgnored   = "ignored"
)

// HandlerError is a handler failure, logged and never returned by Run.
type HandlerError struct {
	Target   router.Target
	Template string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s %q: %v", e.Target, e.Template, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Result tracks what happened to a message on one target.
type Result struct {
	MessageID string
	From      string
	Subject   string
	Target    router.Target
	Template  string
	Route     string
	Action    string
	Duration  time.Duration
	Err       error
}

// Recorder persists dispatch results.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

// Service resolves each message against the route table and invokes the
// matching handlers, one message and one target at a time.
type Service struct {
	routes   *router.Table
	chain    filters.Chain
	logger   *log.Logger
	debug    bool
	recorder Recorder
	observe  func(Result)
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebug enables debug lines.
func WithDebug(debug bool) Option {
	return func(s *Service) { s.debug = debug }
}

// WithFilterChain runs chain on every message before resolution.
func WithFilterChain(chain filters.Chain) Option {
	return func(s *Service) { s.chain = chain }
}

// WithRecorder stores every dispatch result.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithObserver is called with every dispatch result.
func WithObserver(fn func(Result)) Option {
	return func(s *Service) { s.observe = fn }
}

// NewService returns a dispatcher over routes.
func NewService(routes *router.Table, opts ...Option) *Service {
	s := &Service{
		routes: routes,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.routes == nil {
		s.routes = router.NewTable()
	}
	return s
}

// Routes returns the table the service resolves against.
func (s *Service) Routes() *router.Table { return s.routes }

// Run dispatches msgs in order. extra is merged into every request's Args,
// with filter annotations layered on top and route captures winning over
// both. Unmatched targets and handler failures are logged, not returned.
func (s *Service) Run(ctx context.Context, msgs []*message.Message, extra map[string]any) error {
	for i, m := range msgs {
		if !m.Valid() {
			return fmt.Errorf("%w: item %d is not a parsed message", ErrInvalidMessageType, i)
		}
	}
	for _, m := range msgs {
		s.dispatch(ctx, m, extra)
	}
	return nil
}

// RunFetched parses fetched payloads and runs them as one batch. A payload
// that does not parse is logged and reported as failed, and the rest of the
// batch still runs. A nil entry rejects the whole batch.
func (s *Service) RunFetched(ctx context.Context, fetched []*connector.FetchedMessage, extra map[string]any) error {
	for i, f := range fetched {
		if f == nil {
			return fmt.Errorf("%w: item %d is nil", ErrInvalidMessageType, i)
		}
	}
	msgs := make([]*message.Message, 0, len(fetched))
	for _, f := range fetched {
		m, err := message.Parse(f.Raw)
		if err == nil && !m.Valid() {
			err = errors.New("no header fields")
		}
		if err != nil {
			err = fmt.Errorf("%w: %s message %s: %v", ErrInvalidMessageType, f.Connector, f.UID, err)
			s.logf("postmaster: skipping unparsable message: %v", err)
			s.report(ctx, Result{MessageID: fetchedID(f), Action: ActionFailed, Err: err})
			continue
		}
		m.ReceivedAt = f.ReceivedAt
		for k, v := range f.Metadata {
			m.Metadata[k] = v
		}
		setIfEmpty(m.Metadata, "connector", f.Connector)
		setIfEmpty(m.Metadata, "uid", f.UID)
		setIfEmpty(m.Metadata, "remote_id", f.RemoteID)
		msgs = append(msgs, m)
	}
	return s.Run(ctx, msgs, extra)
}

// fetchedID names a payload that has no Message-ID to offer.
func fetchedID(f *connector.FetchedMessage) string {
	if f.RemoteID != "" {
		return f.RemoteID
	}
	return f.Connector + ":" + f.UID
}

func (s *Service) dispatch(ctx context.Context, m *message.Message, extra map[string]any) {
	id := m.MessageID()
	mc := &filters.MessageContext{Message: m, Annotations: map[string]any{}}
	if err := s.chain.Run(ctx, mc); err != nil {
		s.logf("postmaster: filter chain failed for %s: %v", id, err)
		s.report(ctx, Result{MessageID: id, Action: ActionFailed, Err: err})
		return
	}
	if mc.Ignored() {
		s.logf("info: postmaster: ignoring message %s due to annotation", id)
		s.report(ctx, Result{MessageID: id, Action: ActionIgnored})
		return
	}

	for _, target := range router.Targets() {
		key := dispatchKey(m, target)
		res := Result{MessageID: id, From: m.FromAddress(), Subject: m.Subject(), Target: target}

		caps, route, ok := s.routes.Resolve(target, key)
		if !ok {
			s.logf("info: postmaster: %v on %s for %q", router.ErrNoRouteMatched, target, key)
			res.Action = ActionUnmatched
			s.report(ctx, res)
			continue
		}

		res.Template = route.Pattern.Template()
		res.Route = route.Name
		req := &router.Request{
			Target:   target,
			Template: res.Template,
			Message:  m,
			Args:     s.args(extra, mc.Annotations, caps),
		}
		start := s.now()
		err := invoke(ctx, route.Handler, req)
		res.Duration = s.now().Sub(start)
		if err != nil {
			herr := &HandlerError{Target: target, Template: res.Template, Err: err}
			s.logf("postmaster: message %s: %v", id, herr)
			res.Action = ActionFailed
			res.Err = herr
		} else {
			s.debugf("postmaster: message %s handled by %s %q", id, target, res.Template)
			res.Action = ActionMatched
		}
		s.report(ctx, res)
	}
}

func (s *Service) args(extra, annotations map[string]any, caps router.Captures) map[string]any {
	args := make(map[string]any, len(extra)+len(annotations)+len(caps))
	for k, v := range extra {
		args[k] = v
	}
	for k, v := range annotations {
		args[k] = v
	}
	for k, v := range caps {
		if prev, ok := args[k]; ok {
			s.debugf("postmaster: capture %q replaces context value %v", k, prev)
		}
		args[k] = v
	}
	return args
}

func invoke(ctx context.Context, h router.Handler, req *router.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, req)
}

func (s *Service) report(ctx context.Context, res Result) {
	if s.observe != nil {
		s.observe(res)
	}
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, res); err != nil {
		s.logf("postmaster: record result for %s failed: %v", res.MessageID, err)
	}
}

func dispatchKey(m *message.Message, target router.Target) string {
	switch target {
	case router.TargetFrom:
		return m.FromAddress()
	case router.TargetSubject:
		return m.Subject()
	default:
		return ""
	}
}

func setIfEmpty(md map[string]string, key, value string) {
	if value == "" || md[key] != "" {
		return
	}
	md[key] = value
}

func (s *Service) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func (s *Service) debugf(format string, args ...any) {
	if s == nil || !s.debug {
		return
	}
	s.logf("debug: "+format, args...)
}
