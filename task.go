package gearman

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
)

// taskState tracks a task through the taskset loop.
type taskState uint8

const (
	statePending taskState = iota
	stateDispatched
	stateCompleted
	stateFailed
	stateException
)

func (s taskState) terminal() bool {
	return s == stateCompleted || s == stateFailed || s == stateException
}

// JobHandle identifies a dispatched job: the owning server address plus the
// opaque identifier the server assigned.
type JobHandle struct {
	Server string `json:"server"`
	ID     string `json:"id"`
}

// String renders the handle in the server//id form used for correlation.
func (h JobHandle) String() string {
	return h.Server + "//" + h.ID
}

// Outcome is the terminal result kind of a task.
type Outcome uint8

const (
	// OutcomeNone means the task never reached a terminal worker response,
	// e.g. the dispatch itself failed or the wait was abandoned.
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeException
)

// TaskResult is the tagged terminal result of a task. Data holds the worker
// result for OutcomeCompleted and the worker message for OutcomeException.
type TaskResult struct {
	Outcome Outcome
	Data    []byte
}

// DecodeJSON unmarshals a completed task's result payload into v.
func (r *TaskResult) DecodeJSON(v any) error {
	const op = errors.Op("task_result_decode")
	if r.Outcome != OutcomeCompleted {
		return wrapE(op, errors.Str("task did not complete"))
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return wrapE(op, err)
	}
	return nil
}

// Task is a single named job with an opaque argument and the continuations
// fired on its terminal transitions. A task belongs to at most one taskset.
type Task struct {
	fn         string
	arg        []byte
	uniq       string
	high       bool
	background bool
	timeout    time.Duration
	retries    int
	retriesSet bool

	onComplete  func(result []byte)
	onFail      func()
	onException func(message []byte)
	onRetry     func()

	state       taskState
	handle      JobHandle
	submittedAt time.Time
	deadline    time.Time
	resultData  []byte
}

// NewTask creates a task for the named function with an opaque argument.
func NewTask(fn string, arg []byte, opts ...TaskOption) *Task {
	t := &Task{fn: fn, arg: arg}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewTaskJSON creates a task whose argument is the JSON encoding of v.
func NewTaskJSON(fn string, v any, opts ...TaskOption) (*Task, error) {
	const op = errors.Op("task_encode_arg")
	arg, err := json.Marshal(v)
	if err != nil {
		return nil, wrapE(op, err)
	}
	return NewTask(fn, arg, opts...), nil
}

// Function returns the job function name.
func (t *Task) Function() string {
	return t.fn
}

// Handle returns the job handle assigned on dispatch. Zero before dispatch.
func (t *Task) Handle() JobHandle {
	return t.handle
}

// Result returns the tagged terminal result of the task.
func (t *Task) Result() *TaskResult {
	switch t.state {
	case stateCompleted:
		return &TaskResult{Outcome: OutcomeCompleted, Data: t.resultData}
	case stateFailed:
		return &TaskResult{Outcome: OutcomeFailed}
	case stateException:
		return &TaskResult{Outcome: OutcomeException, Data: t.resultData}
	default:
		return &TaskResult{}
	}
}

func (t *Task) complete(result []byte) {
	t.state = stateCompleted
	t.resultData = result
	if t.onComplete != nil {
		t.onComplete(result)
	}
}

func (t *Task) fail() {
	t.state = stateFailed
	if t.onFail != nil {
		t.onFail()
	}
}

func (t *Task) exception(message []byte) {
	t.state = stateException
	t.resultData = message
	if t.onException != nil {
		t.onException(message)
	}
}

// retry re-enters the pending state, consuming one retry. The caller checks
// retries > 0 first.
func (t *Task) retry() {
	t.retries--
	t.state = statePending
	t.handle = JobHandle{}
	t.deadline = time.Time{}
	if t.onRetry != nil {
		t.onRetry()
	}
}
