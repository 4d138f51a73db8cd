package runner

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingTask struct {
	name  string
	runs  atomic.Int32
	err   error
	sched string
}

func (c *countingTask) Name() string           { return c.name }
func (c *countingTask) Schedule() string       { return c.sched }
func (c *countingTask) Timeout() time.Duration { return time.Second }
func (c *countingTask) Run(ctx context.Context) error {
	c.runs.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	return c.err
}

func TestRunnerRunOnce(t *testing.T) {
	reg := NewTaskRegistry()
	ok := &countingTask{name: "b", sched: "* * * * * *"}
	bad := &countingTask{name: "a", sched: "* * * * * *", err: errors.New("boom")}
	reg.Register(ok)
	reg.Register(bad)
	require.Equal(t, []string{"a", "b"}, reg.Names())

	var logs bytes.Buffer
	r := NewRunner(reg, WithLogger(log.New(&logs, "", 0)), WithSignals(false))
	require.NoError(t, r.RunOnce(context.Background(), "b"))
	require.ErrorContains(t, r.RunOnce(context.Background(), "a"), "boom")
	require.ErrorContains(t, r.RunOnce(context.Background(), "c"), `unknown task "c"`)
	require.Contains(t, logs.String(), "Task a failed")
	require.EqualValues(t, 1, ok.runs.Load())
}

func TestRunnerStartRunsScheduleUntilCancelled(t *testing.T) {
	reg := NewTaskRegistry()
	task := &countingTask{name: "tick", sched: "* * * * * *"}
	reg.Register(task)
	r := NewRunner(reg, WithLogger(log.New(&bytes.Buffer{}, "", 0)), WithSignals(false))

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	err := r.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, task.runs.Load(), int32(1))
}

func TestRunnerRejectsBadSchedule(t *testing.T) {
	reg := NewTaskRegistry()
	reg.Register(&countingTask{name: "bad", sched: "whenever"})
	r := NewRunner(reg, WithLogger(log.New(&bytes.Buffer{}, "", 0)), WithSignals(false))
	require.ErrorContains(t, r.Start(context.Background()), "failed to schedule task bad")
}
