package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/router"
	"github.com/gotrs-io/gotrs-mailproc/internal/store"
)

// SourceHandler labels log rows written by the store handler.
const SourceHandler = "handler"

// builtinHandlers are the handler names a manifest may reference.
// The store handler is only registered when a store is configured.
func builtinHandlers(logger *log.Logger, st *store.Store) router.HandlerRegistry {
	reg := router.HandlerRegistry{
		"log":     logHandler(logger),
		"discard": func(context.Context, *router.Request) error { return nil },
	}
	if st != nil {
		reg["store"] = storeHandler(st)
	}
	return reg
}

func logHandler(logger *log.Logger) router.Handler {
	return func(_ context.Context, req *router.Request) error {
		logger.Printf("route %s %q: from=%s subject=%q args=%s",
			req.Target, req.Template, req.Message.FromAddress(), req.Message.Subject(), formatArgs(req.Args))
		return nil
	}
}

type storedMessage struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	Subject   string            `json:"subject"`
	Captures  map[string]string `json:"captures,omitempty"`
	Text      string            `json:"text,omitempty"`
}

func storeHandler(st *store.Store) router.Handler {
	return func(ctx context.Context, req *router.Request) error {
		rec := storedMessage{
			MessageID: req.Message.MessageID(),
			From:      req.Message.FromAddress(),
			Subject:   req.Message.Subject(),
			Text:      req.Message.Text(),
		}
		for k, v := range req.Args {
			if s, ok := v.(string); ok {
				if rec.Captures == nil {
					rec.Captures = map[string]string{}
				}
				rec.Captures[k] = s
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		return st.AddLog(ctx, SourceHandler, req.Template, string(data))
	}
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
