package store

import (
	"context"
	"encoding/json"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/postmaster"
)

// SourceDispatch is the log source used by DispatchRecorder.
const SourceDispatch = "dispatch"

// DispatchRecorder writes one log row per dispatch result. The label is the
// result action and the value a JSON summary.
type DispatchRecorder struct {
	Store *Store
}

type dispatchRecord struct {
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Target    string `json:"target,omitempty"`
	Template  string `json:"template,omitempty"`
	Route     string `json:"route,omitempty"`
	Millis    int64  `json:"duration_ms"`
	Error     string `json:"error,omitempty"`
}

// Record implements postmaster.Recorder.
func (r DispatchRecorder) Record(ctx context.Context, res postmaster.Result) error {
	rec := dispatchRecord{
		MessageID: res.MessageID,
		From:      res.From,
		Subject:   res.Subject,
		Template:  res.Template,
		Route:     res.Route,
		Millis:    res.Duration.Milliseconds(),
	}
	if res.Template != "" || res.Action == postmaster.ActionUnmatched {
		rec.Target = res.Target.String()
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.Store.AddLog(ctx, SourceDispatch, res.Action, string(value))
}
