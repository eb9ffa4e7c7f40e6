package gearman

import (
	"context"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/p-alik/gearman/protocol"
)

// readResult is one packet (or read failure) delivered by an armed reader.
type readResult struct {
	cn  *conn
	pkt *protocol.Packet
	err error
}

// TaskSet is a mutable collection of tasks dispatched and awaited together.
// Its wait loop is the sole driver of every connection it touches: packets
// are decoded and routed, handlers fire and task state changes all on the
// goroutine that called Wait. Handlers may append further tasks to the set;
// the loop terminates only when every task, including appended ones, is
// terminal.
type TaskSet struct {
	c   *Client
	log *zap.Logger

	mu     sync.Mutex
	tasks  []*Task
	closed bool

	// wait-loop state, owned by the Wait goroutine
	conns      map[string]*conn
	needHandle map[*conn][]*Task
	byHandle   map[string][]*Task
	armed      map[*conn]bool
	dirty      map[*conn]bool
	results    chan readResult
	done       chan struct{}
}

// NewTaskSet creates an empty taskset bound to the client's server pool.
func (c *Client) NewTaskSet() *TaskSet {
	return &TaskSet{
		c:          c,
		log:        c.log,
		conns:      make(map[string]*conn),
		needHandle: make(map[*conn][]*Task),
		byHandle:   make(map[string][]*Task),
		armed:      make(map[*conn]bool),
		dirty:      make(map[*conn]bool),
	}
}

// Add appends a task to the set. Safe to call before Wait and from inside a
// handler running under Wait; the loop re-scans for pending tasks after
// every handler batch. Background tasks bypass tasksets, use DoBackground.
func (ts *TaskSet) Add(t *Task) error {
	const op = errors.Op("taskset_add")

	if t.background {
		return wrapE(op, errors.Str("background tasks are not awaited in a taskset"))
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return wrapE(op, ErrSetClosed)
	}

	if !t.retriesSet {
		t.retries = ts.c.cfg.RetryCount
	}
	t.state = statePending
	ts.tasks = append(ts.tasks, t)
	return nil
}

// Wait dispatches every pending task and multiplexes readiness across all
// connections in use until the set is drained. Cancellation of ctx abandons
// the wait: still-outstanding tasks fail locally and ErrTimeout is returned;
// the job servers may keep executing the abandoned jobs.
func (ts *TaskSet) Wait(ctx context.Context) error {
	const op = errors.Op("taskset_wait")

	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return wrapE(op, ErrSetClosed)
	}
	ts.mu.Unlock()

	ts.results = make(chan readResult)
	ts.done = make(chan struct{})
	defer ts.teardown()

	for {
		// dispatch every pending task, re-scanning because handlers fired
		// below may have appended more
		for t := ts.nextPending(); t != nil; t = ts.nextPending() {
			ts.dispatch(t)
		}

		if ts.outstanding() == 0 {
			return nil
		}

		ts.armReaders()

		deadlineC, stop := ts.deadlineTimer()
		select {
		case r := <-ts.results:
			stop()
			ts.handleResult(r)

		case <-deadlineC:
			stop()
			ts.expire(time.Now())

		case <-ctx.Done():
			stop()
			ts.abandon()
			return wrapE(op, ErrTimeout)
		}
	}
}

// handleResult applies one armed-reader delivery. A connection the loop no
// longer owns, released by a dispatch redial before its blocked reader
// drained, is dropped here: acting on it would tear down its replacement.
func (ts *TaskSet) handleResult(r readResult) {
	delete(ts.armed, r.cn)

	if ts.conns[r.cn.addr] != r.cn {
		ts.log.Debug("dropping delivery from released connection",
			zap.String("server", r.cn.addr))
		return
	}

	if r.err != nil {
		ts.connBroken(r.cn, r.err)
		return
	}
	ts.route(r.cn, r.pkt)
}

// nextPending pops the first pending task, nil when none.
func (ts *TaskSet) nextPending() *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.tasks {
		if t.state == statePending {
			return t
		}
	}
	return nil
}

// outstanding counts tasks still pending or awaiting a server response.
func (ts *TaskSet) outstanding() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, t := range ts.tasks {
		if !t.state.terminal() {
			n++
		}
	}
	return n
}

// dispatch submits t on its selected server. The submit packet is written
// here; the JOB_CREATED reply is routed through the normal read path and
// matched FIFO per connection, since replies on a connection arrive in
// submit order. A dispatch-level error fails the task immediately and does
// not consume a retry.
func (ts *TaskSet) dispatch(t *Task) {
	addr := ts.c.pickServer(t)

	cn, fresh, err := ts.lease(addr)
	if err != nil {
		ts.dispatchFailed(t, err)
		return
	}

	frame := protocol.EncodeSubmit(t.fn, t.uniq, t.arg, t.high, t.background)
	err = cn.writeFrame(frame)
	if err != nil && !fresh && !ts.connInUse(cn) {
		// stale pooled connection with nothing bound to it, reconnect once;
		// one already carrying dispatched tasks is handled as broken instead
		delete(ts.conns, addr)
		delete(ts.armed, cn)
		delete(ts.dirty, cn)
		cn.mu.Unlock()
		ts.c.pool.evict(cn)
		cn = nil
		if redialed, _, lerr := ts.lease(addr); lerr != nil {
			err = lerr
		} else {
			cn = redialed
			err = cn.writeFrame(frame)
		}
	}
	if err != nil {
		ts.dispatchFailed(t, err)
		if cn != nil {
			ts.connBroken(cn, err)
		}
		return
	}

	t.state = stateDispatched
	t.submittedAt = time.Now().UTC()
	if t.timeout > 0 {
		t.deadline = t.submittedAt.Add(t.timeout)
	}
	ts.needHandle[cn] = append(ts.needHandle[cn], t)
}

// lease returns the wait loop's connection for addr, taking ownership of a
// pooled or fresh one on first use. fresh reports a just-dialed connection.
func (ts *TaskSet) lease(addr string) (*conn, bool, error) {
	if cn, ok := ts.conns[addr]; ok {
		return cn, false, nil
	}
	cn, cached, err := ts.c.pool.lease(addr)
	if err != nil {
		return nil, false, err
	}
	ts.conns[addr] = cn
	return cn, !cached, nil
}

func (ts *TaskSet) dispatchFailed(t *Task, err error) {
	ts.log.Warn("task dispatch failed",
		zap.String("function", t.fn),
		zap.Error(err))
	ts.c.metrics.CountSubmitErr()
	ts.c.metrics.CountJobErr()
	t.fail()
}

// armReaders starts one single-packet reader per connection that has
// outstanding tasks and no reader in flight. The reader delivers exactly one
// result and exits; it never outlives the wait via the done channel.
func (ts *TaskSet) armReaders() {
	for _, cn := range ts.conns {
		if ts.armed[cn] || !ts.connInUse(cn) {
			continue
		}
		ts.armed[cn] = true
		go func(cn *conn) {
			p, err := cn.readPacket()
			select {
			case ts.results <- readResult{cn: cn, pkt: p, err: err}:
			case <-ts.done:
			}
		}(cn)
	}
}

// connInUse reports whether any non-terminal task is bound to cn.
func (ts *TaskSet) connInUse(cn *conn) bool {
	if len(ts.needHandle[cn]) > 0 {
		return true
	}
	for _, tasks := range ts.byHandle {
		for _, t := range tasks {
			if t.handle.Server == cn.addr && !t.state.terminal() {
				return true
			}
		}
	}
	return false
}

// route applies one decoded packet to the task it belongs to. Handlers run
// inline on the wait goroutine.
func (ts *TaskSet) route(cn *conn, p *protocol.Packet) {
	switch p.Type {
	case protocol.JobCreated:
		q := ts.needHandle[cn]
		if len(q) == 0 {
			ts.log.Warn("JOB_CREATED with no submission awaiting a handle", zap.String("server", cn.addr))
			return
		}
		t := q[0]
		ts.needHandle[cn] = q[1:]
		if t.state.terminal() {
			// expired locally while awaiting the handle
			ts.log.Debug("dropping handle for expired task", zap.String("function", t.fn))
			return
		}
		t.handle = JobHandle{Server: cn.addr, ID: p.Handle()}
		// the same handle binds every task the server coalesced on a uniq
		key := t.handle.String()
		ts.byHandle[key] = append(ts.byHandle[key], t)
		ts.c.metrics.CountSubmitOk()
		ts.c.metrics.ObserveSubmit(t.fn, time.Since(t.submittedAt))
		ts.log.Debug("job submitted",
			zap.String("function", t.fn),
			zap.String("handle", t.handle.String()),
			zap.Duration("elapsed", time.Since(t.submittedAt)))

	case protocol.WorkComplete:
		for _, t := range ts.take(cn, p) {
			ts.c.metrics.CountJobOk()
			t.complete(p.Field(1))
		}

	case protocol.WorkFail:
		for _, t := range ts.take(cn, p) {
			if t.retries > 0 {
				ts.c.metrics.CountJobRetry()
				ts.log.Debug("job failed, retrying",
					zap.String("handle", t.handle.String()),
					zap.Int("retries_left", t.retries-1))
				t.retry()
				continue
			}
			ts.c.metrics.CountJobErr()
			t.fail()
		}

	case protocol.WorkException:
		for _, t := range ts.take(cn, p) {
			ts.c.metrics.CountJobException()
			t.exception(p.Field(1))
		}

	case protocol.WorkStatus:
		// informational only, status is pulled on demand via GetStatus
		ts.log.Debug("work status",
			zap.String("server", cn.addr),
			zap.String("handle", p.Handle()),
			zap.ByteString("numerator", p.Field(1)),
			zap.ByteString("denominator", p.Field(2)))

	default:
		ts.log.Warn("unexpected packet in wait loop",
			zap.String("server", cn.addr),
			zap.String("type", p.Type.String()))
	}
}

// take resolves a WORK_* packet to the tasks bound to its handle, usually
// one, several when the server coalesced submissions, and unbinds them. A
// miss means every bound task already expired or failed locally; the late
// result is dropped.
func (ts *TaskSet) take(cn *conn, p *protocol.Packet) []*Task {
	key := JobHandle{Server: cn.addr, ID: p.Handle()}.String()
	tasks, ok := ts.byHandle[key]
	if !ok {
		ts.log.Debug("dropping result for unknown handle",
			zap.String("handle", key),
			zap.String("type", p.Type.String()))
		return nil
	}
	delete(ts.byHandle, key)
	return tasks
}

// connBroken fails every task bound to cn, locally and without consuming
// retries, and tears the connection down. Tasks on other connections are
// unaffected.
func (ts *TaskSet) connBroken(cn *conn, err error) {
	ts.log.Warn("connection to job server broken",
		zap.String("server", cn.addr),
		zap.Error(err))

	for _, t := range ts.needHandle[cn] {
		ts.c.metrics.CountJobErr()
		t.fail()
	}
	delete(ts.needHandle, cn)

	for key, tasks := range ts.byHandle {
		if len(tasks) == 0 || tasks[0].handle.Server != cn.addr {
			continue
		}
		delete(ts.byHandle, key)
		for _, t := range tasks {
			ts.c.metrics.CountJobErr()
			t.fail()
		}
	}

	delete(ts.conns, cn.addr)
	delete(ts.armed, cn)
	delete(ts.dirty, cn)
	cn.mu.Unlock()
	ts.c.pool.evict(cn)
}

// deadlineTimer arms a timer for the earliest per-task deadline, if any.
func (ts *TaskSet) deadlineTimer() (<-chan time.Time, func()) {
	var earliest time.Time
	ts.mu.Lock()
	for _, t := range ts.tasks {
		if t.state != stateDispatched || t.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || t.deadline.Before(earliest) {
			earliest = t.deadline
		}
	}
	ts.mu.Unlock()

	if earliest.IsZero() {
		return nil, func() {}
	}
	timer := time.NewTimer(time.Until(earliest))
	return timer.C, func() { timer.Stop() }
}

// expire fails every dispatched task whose deadline passed. The job server
// may still finish the job; its late result is dropped by take.
func (ts *TaskSet) expire(now time.Time) {
	ts.mu.Lock()
	var expired []*Task
	for _, t := range ts.tasks {
		if t.state == stateDispatched && !t.deadline.IsZero() && !t.deadline.After(now) {
			expired = append(expired, t)
		}
	}
	ts.mu.Unlock()

	for _, t := range expired {
		ts.log.Warn("task timed out locally",
			zap.String("function", t.fn),
			zap.String("handle", t.handle.String()))
		ts.markDirty(t)
		if t.handle.ID != "" {
			ts.unbind(t)
		}
		ts.c.metrics.CountJobErr()
		t.fail()
	}
}

// markDirty flags the connection of a task being failed locally: the server
// still owes frames for it, so the connection cannot be pooled again.
func (ts *TaskSet) markDirty(t *Task) {
	if t.handle.ID != "" {
		if cn := ts.conns[t.handle.Server]; cn != nil {
			ts.dirty[cn] = true
		}
		return
	}
	// still awaiting its JOB_CREATED
	for cn, q := range ts.needHandle {
		for _, queued := range q {
			if queued == t {
				ts.dirty[cn] = true
				return
			}
		}
	}
}

// unbind removes one task from its handle's binding, leaving coalesced
// siblings in place.
func (ts *TaskSet) unbind(t *Task) {
	key := t.handle.String()
	tasks := ts.byHandle[key]
	kept := tasks[:0]
	for _, bound := range tasks {
		if bound != t {
			kept = append(kept, bound)
		}
	}
	if len(kept) == 0 {
		delete(ts.byHandle, key)
		return
	}
	ts.byHandle[key] = kept
}

// abandon fails every still-outstanding task locally.
func (ts *TaskSet) abandon() {
	ts.mu.Lock()
	var outstanding []*Task
	for _, t := range ts.tasks {
		if !t.state.terminal() {
			outstanding = append(outstanding, t)
		}
	}
	ts.mu.Unlock()

	for _, t := range outstanding {
		ts.markDirty(t)
		ts.c.metrics.CountJobErr()
		t.fail()
	}
}

// teardown releases every connection the wait loop owned. A connection with
// a reader still blocked on it cannot be returned to the pool: the reader
// would steal the next owner's packets. Neither can a dirty one: the server
// will still send frames for its dropped handles, which would corrupt the
// next owner's stream. Both are torn down and the next operation redials.
func (ts *TaskSet) teardown() {
	ts.mu.Lock()
	ts.closed = true
	ts.mu.Unlock()

	close(ts.done)

	for addr, cn := range ts.conns {
		delete(ts.conns, addr)
		if ts.armed[cn] || ts.dirty[cn] {
			cn.broken.Store(true)
			cn.mu.Unlock()
			ts.c.pool.evict(cn)
			continue
		}
		cn.mu.Unlock()
	}
}
