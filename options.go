package gearman

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a structured logger. Default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// TaskOption configures a single task.
type TaskOption func(*Task)

// WithUniq sets the coalescing key. Tasks sharing a uniq land on the same
// job server, which merges concurrent submissions into one execution.
func WithUniq(uniq string) TaskOption {
	return func(t *Task) {
		t.uniq = uniq
	}
}

// WithHighPriority selects the high-priority submit type. Ordering is
// enforced by the job server's queue, not by the client.
func WithHighPriority() TaskOption {
	return func(t *Task) {
		t.high = true
	}
}

// WithBackground marks the task fire-and-forget: submission returns the
// handle and completion is observed only through status polls.
func WithBackground() TaskOption {
	return func(t *Task) {
		t.background = true
	}
}

// WithRetries overrides the client's default retry count for this task.
func WithRetries(n int) TaskOption {
	return func(t *Task) {
		t.retries = n
		t.retriesSet = true
	}
}

// WithTaskTimeout fails the task locally when no terminal response arrived
// within d after dispatch. The job server may keep executing the job.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		t.timeout = d
	}
}

// OnComplete registers the continuation fired with the worker result.
func OnComplete(f func(result []byte)) TaskOption {
	return func(t *Task) {
		t.onComplete = f
	}
}

// OnFail registers the continuation fired when the task reaches the failed
// state, either from a worker failure with no retries left, a dispatch
// error or a local timeout.
func OnFail(f func()) TaskOption {
	return func(t *Task) {
		t.onFail = f
	}
}

// OnException registers the continuation fired with the message of a worker
// that died. Exceptions are terminal and never consume retries.
func OnException(f func(message []byte)) TaskOption {
	return func(t *Task) {
		t.onException = f
	}
}

// OnRetry registers the continuation fired before each re-dispatch of a
// failed execution.
func OnRetry(f func()) TaskOption {
	return func(t *Task) {
		t.onRetry = f
	}
}
