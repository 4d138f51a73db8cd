package postmaster

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/router"
	"github.com/gotrs-io/gotrs-mailproc/internal/email/message"
)

type recordingHandler struct {
	calls     []*router.Request
	err       error
	panicWith any
}

func (h *recordingHandler) Handle(_ context.Context, req *router.Request) error {
	h.calls = append(h.calls, req)
	if h.panicWith != nil {
		panic(h.panicWith)
	}
	return h.err
}

type stubFilter struct {
	annotations map[string]any
	err         error
}

func (f stubFilter) ID() string { return "stub" }

func (f stubFilter) Apply(_ context.Context, m *filters.MessageContext) error {
	if f.err != nil {
		return f.err
	}
	for k, v := range f.annotations {
		m.Annotate(k, v)
	}
	return nil
}

type sliceRecorder struct{ results []Result }

func (r *sliceRecorder) Record(_ context.Context, res Result) error {
	r.results = append(r.results, res)
	return nil
}

func rawMail(from, subject string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: inbox@test.com",
		"Subject: " + subject,
		"Message-ID: <" + strings.ReplaceAll(subject, " ", ".") + "@test.com>",
		"",
		"Body",
	}, "\r\n"))
}

func parsed(t *testing.T, from, subject string) *message.Message {
	t.Helper()
	m, err := message.Parse(rawMail(from, subject))
	require.NoError(t, err)
	return m
}

func newTestService(t *testing.T, table *router.Table, opts ...Option) (*Service, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts = append([]Option{WithLogger(log.New(&buf, "", 0)), WithDebug(true)}, opts...)
	return NewService(table, opts...), &buf
}

func TestRunFromCaptureStripsDisplayName(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.From("<name>@test.com", h.Handle))
	svc, _ := newTestService(t, table)

	require.NoError(t, svc.Run(context.Background(), []*message.Message{parsed(t, "Alice <alice@test.com>", "anything")}, nil))
	require.Len(t, h.calls, 1)
	require.Equal(t, "alice", h.calls[0].Capture("name"))
	require.Equal(t, router.TargetFrom, h.calls[0].Target)
	require.Equal(t, "<name>@test.com", h.calls[0].Template)
}

func TestRunSubjectMatchAndMiss(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.Subject("hello <part>", h.Handle))
	svc, logs := newTestService(t, table)

	msgs := []*message.Message{
		parsed(t, "bob@test.com", "hello world"),
		parsed(t, "bob@test.com", "goodbye world"),
	}
	require.NoError(t, svc.Run(context.Background(), msgs, nil))
	require.Len(t, h.calls, 1)
	require.Equal(t, "world", h.calls[0].Capture("part"))
	require.Same(t, msgs[0], h.calls[0].Message)
	require.Contains(t, logs.String(), `info: postmaster: no route matched on subject for "goodbye world"`)
}

func TestRunRejectsInvalidBatchBeforeDispatch(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.Subject("<any>", h.Handle))
	svc, _ := newTestService(t, table)

	err := svc.Run(context.Background(), []*message.Message{parsed(t, "a@test.com", "first"), nil}, nil)
	require.ErrorIs(t, err, ErrInvalidMessageType)
	require.Empty(t, h.calls)

	err = svc.Run(context.Background(), []*message.Message{{}}, nil)
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestRunIsolatesHandlerFailures(t *testing.T) {
	table := router.NewTable()
	failing := &recordingHandler{err: errors.New("db down")}
	panicking := &recordingHandler{panicWith: "nil map"}
	require.NoError(t, table.From("<user>@test.com", failing.Handle))
	require.NoError(t, table.Subject("<s>", panicking.Handle))
	rec := &sliceRecorder{}
	svc, logs := newTestService(t, table, WithRecorder(rec))

	msgs := []*message.Message{parsed(t, "a@test.com", "one"), parsed(t, "b@test.com", "two")}
	require.NoError(t, svc.Run(context.Background(), msgs, nil))
	require.Len(t, failing.calls, 2)
	require.Len(t, panicking.calls, 2)
	require.Contains(t, logs.String(), "db down")

	require.Len(t, rec.results, 4)
	for _, res := range rec.results {
		require.Equal(t, ActionFailed, res.Action)
		var herr *HandlerError
		require.ErrorAs(t, res.Err, &herr)
	}
	require.ErrorIs(t, rec.results[1].Err, ErrHandlerPanic)
	require.Equal(t, router.TargetSubject, rec.results[1].Target)
}

func TestRunFirstRegisteredRouteWins(t *testing.T) {
	table := router.NewTable()
	first, second := &recordingHandler{}, &recordingHandler{}
	require.NoError(t, table.Subject("order <id>", first.Handle))
	require.NoError(t, table.Subject("<any>", second.Handle))
	svc, _ := newTestService(t, table)

	require.NoError(t, svc.Run(context.Background(), []*message.Message{parsed(t, "a@test.com", "order 42")}, nil))
	require.Len(t, first.calls, 1)
	require.Empty(t, second.calls)
}

func TestRunMergesContextCapturesWin(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.Subject("ticket <id>", h.Handle))
	svc, logs := newTestService(t, table, WithFilterChain(filters.NewChain(stubFilter{
		annotations: map[string]any{"source": "filter", "tag": "vip"},
	})))

	extra := map[string]any{"id": "from-extra", "source": "extra", "db": 1}
	require.NoError(t, svc.Run(context.Background(), []*message.Message{parsed(t, "a@test.com", "ticket 9")}, extra))
	require.Len(t, h.calls, 1)
	args := h.calls[0].Args
	require.Equal(t, "9", args["id"])
	require.Equal(t, "filter", args["source"])
	require.Equal(t, "vip", args["tag"])
	require.Equal(t, 1, args["db"])
	require.Equal(t, "from-extra", extra["id"])
	require.Contains(t, logs.String(), `debug: postmaster: capture "id" replaces context value from-extra`)
}

func TestRunSkipsIgnoredAndFilterErrors(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.Subject("<any>", h.Handle))

	var seen []Result
	svc, _ := newTestService(t, table,
		WithFilterChain(filters.NewChain(stubFilter{annotations: map[string]any{filters.AnnotationIgnoreMessage: true}})),
		WithObserver(func(r Result) { seen = append(seen, r) }),
	)
	require.NoError(t, svc.Run(context.Background(), []*message.Message{parsed(t, "a@test.com", "x")}, nil))
	require.Empty(t, h.calls)
	require.Len(t, seen, 1)
	require.Equal(t, ActionIgnored, seen[0].Action)

	svc, _ = newTestService(t, table, WithFilterChain(filters.NewChain(stubFilter{err: errors.New("bad filter")})))
	require.NoError(t, svc.Run(context.Background(), []*message.Message{parsed(t, "a@test.com", "x")}, nil))
	require.Empty(t, h.calls)
}

func TestRunPreservesOrderAcrossTargets(t *testing.T) {
	table := router.NewTable()
	var order []string
	record := func(label string) router.Handler {
		return func(_ context.Context, req *router.Request) error {
			order = append(order, label+":"+req.Message.Subject())
			return nil
		}
	}
	require.NoError(t, table.From("<u>@test.com", record("from")))
	require.NoError(t, table.Subject("<s>", record("subject")))
	svc, _ := newTestService(t, table)

	msgs := []*message.Message{parsed(t, "a@test.com", "one"), parsed(t, "b@test.com", "two")}
	require.NoError(t, svc.Run(context.Background(), msgs, nil))
	require.Equal(t, []string{"from:one", "subject:one", "from:two", "subject:two"}, order)
}

func TestRunFetchedCarriesTransportMetadata(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.Subject("hello <part>", h.Handle))
	svc, _ := newTestService(t, table)

	received := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	fetched := []*connector.FetchedMessage{{
		Connector:  "imap",
		UID:        "42",
		RemoteID:   "agent@mail:42",
		ReceivedAt: received,
		Raw:        rawMail("a@test.com", "hello there"),
		Metadata:   map[string]string{"imap_folder": "INBOX"},
	}}
	require.NoError(t, svc.RunFetched(context.Background(), fetched, nil))
	require.Len(t, h.calls, 1)
	m := h.calls[0].Message
	require.Equal(t, received, m.ReceivedAt)
	require.Equal(t, "INBOX", m.Metadata["imap_folder"])
	require.Equal(t, "imap", m.Metadata["connector"])
	require.Equal(t, "42", m.Metadata["uid"])

	err := svc.RunFetched(context.Background(), []*connector.FetchedMessage{nil}, nil)
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestRunFetchedSkipsUnparsablePayload(t *testing.T) {
	table := router.NewTable()
	h := &recordingHandler{}
	require.NoError(t, table.Subject("hello <part>", h.Handle))
	rec := &sliceRecorder{}
	svc, logs := newTestService(t, table, WithRecorder(rec))

	fetched := []*connector.FetchedMessage{
		{Connector: "pop3", UID: "1", RemoteID: "agent@mail:1", Raw: []byte("this line has no colon\r\n\r\nbody")},
		{Connector: "pop3", UID: "2", Raw: rawMail("a@test.com", "hello there")},
	}
	require.NoError(t, svc.RunFetched(context.Background(), fetched, nil))
	require.Len(t, h.calls, 1)
	require.Equal(t, "2", h.calls[0].Message.Metadata["uid"])

	require.NotEmpty(t, rec.results)
	first := rec.results[0]
	require.Equal(t, "agent@mail:1", first.MessageID)
	require.Equal(t, ActionFailed, first.Action)
	require.ErrorIs(t, first.Err, ErrInvalidMessageType)
	require.Contains(t, logs.String(), "skipping unparsable message")
}
