package gearman

import (
	"bytes"
	"context"
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/p-alik/gearman/protocol"
)

// Client is a Gearman client: it dispatches tasks to a pool of
// interchangeable job servers, runs taskset wait loops, issues background
// submissions and status polls, and queries servers over the admin protocol.
type Client struct {
	cfg     *Config
	log     *zap.Logger
	pool    *pool
	metrics *statsExporter

	// round-robin cursor for tasks without a uniq
	next uint32
}

// New creates a client for the configured job-server set.
func New(cfg *Config, opts ...Option) (*Client, error) {
	const op = errors.Op("client_new")

	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.InitDefaults(); err != nil {
		return nil, wrapE(op, err)
	}

	c := &Client{
		cfg: cfg,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pool = newPool(cfg, c.log)
	c.metrics = newStatsExporter()

	return c, nil
}

// Close releases every pooled connection. In-flight jobs on the servers are
// unaffected.
func (c *Client) Close() {
	c.pool.close()
}

// pickServer selects the job server for a task. A uniq key hashes to a
// deterministic server so concurrent submissions with the same key land
// where the server can coalesce them; tasks without one rotate round-robin.
func (c *Client) pickServer(t *Task) string {
	if len(c.cfg.Servers) == 1 {
		return c.cfg.Servers[0]
	}
	if t.uniq != "" {
		return c.cfg.Servers[crc32.ChecksumIEEE([]byte(t.uniq))%uint32(len(c.cfg.Servers))]
	}
	return c.cfg.Servers[(atomic.AddUint32(&c.next, 1)-1)%uint32(len(c.cfg.Servers))]
}

// submitOn writes the submit packet for t on cn and reads until the matching
// JOB_CREATED arrives. Submissions on a connection are serialized by its
// driver lock, so the first JOB_CREATED after our write is ours; WORK_*
// packets for other jobs read meanwhile are returned for the caller to route.
func (c *Client) submitOn(cn *conn, t *Task) (JobHandle, []*protocol.Packet, error) {
	const op = errors.Op("client_submit")

	start := time.Now().UTC()
	if err := cn.writeFrame(protocol.EncodeSubmit(t.fn, t.uniq, t.arg, t.high, t.background)); err != nil {
		c.metrics.CountSubmitErr()
		return JobHandle{}, nil, wrapE(op, err)
	}

	var strays []*protocol.Packet
	for {
		p, err := cn.readPacket()
		if err != nil {
			c.metrics.CountSubmitErr()
			return JobHandle{}, strays, wrapE(op, err)
		}

		if p.Type != protocol.JobCreated {
			strays = append(strays, p)
			continue
		}

		h := JobHandle{Server: cn.addr, ID: p.Handle()}
		c.metrics.CountSubmitOk()
		c.metrics.ObserveSubmit(t.fn, time.Since(start))
		c.log.Debug("job submitted",
			zap.String("function", t.fn),
			zap.String("handle", h.String()),
			zap.Bool("background", t.background),
			zap.Duration("elapsed", time.Since(start)))
		return h, strays, nil
	}
}

// Do runs a single task to its terminal state, blocking the caller. It is a
// one-task taskset: handlers registered on the task fire as usual and the
// tagged result mirrors the terminal outcome. A task that failed without
// completing yields an OutcomeFailed result and a nil error.
func (c *Client) Do(ctx context.Context, fn string, arg []byte, opts ...TaskOption) (*TaskResult, error) {
	const op = errors.Op("client_do")

	t := NewTask(fn, arg, opts...)
	ts := c.NewTaskSet()
	if err := ts.Add(t); err != nil {
		return nil, wrapE(op, err)
	}
	if err := ts.Wait(ctx); err != nil {
		return t.Result(), wrapE(op, err)
	}
	return t.Result(), nil
}

// DoBackground submits a fire-and-forget job and returns its handle right
// after JOB_CREATED. Completion is observed only through GetStatus polls.
func (c *Client) DoBackground(ctx context.Context, fn string, arg []byte, opts ...TaskOption) (JobHandle, error) {
	const op = errors.Op("client_do_background")

	t := NewTask(fn, arg, append(opts, WithBackground())...)
	addr := c.pickServer(t)

	cn, cached, err := c.pool.lease(addr)
	if err != nil {
		return JobHandle{}, wrapE(op, err)
	}
	restore := applyDeadline(cn, ctx)

	h, strays, err := c.submitOn(cn, t)
	if err != nil && cached {
		// stale pooled connection, reconnect once
		cn.mu.Unlock()
		c.pool.evict(cn)
		if cn, _, err = c.pool.lease(addr); err != nil {
			return JobHandle{}, wrapE(op, err)
		}
		restore = applyDeadline(cn, ctx)
		h, strays, err = c.submitOn(cn, t)
	}
	c.dropStrays(cn, strays)
	restore()
	if err != nil {
		cn.mu.Unlock()
		c.pool.evict(cn)
		return JobHandle{}, wrapE(op, err)
	}

	cn.mu.Unlock()
	return h, nil
}

// applyDeadline maps a context deadline onto the connection for the duration
// of one synchronous round-trip.
func applyDeadline(cn *conn, ctx context.Context) func() {
	d, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	_ = cn.nc.SetDeadline(d)
	return func() { _ = cn.nc.SetDeadline(time.Time{}) }
}

// Echo verifies a job server is alive with an ECHO round-trip.
func (c *Client) Echo(ctx context.Context, addr string, data []byte) error {
	const op = errors.Op("client_echo")

	cn, _, err := c.pool.lease(normalizeAddr(addr))
	if err != nil {
		return wrapE(op, err)
	}
	defer cn.mu.Unlock()
	defer applyDeadline(cn, ctx)()

	if err := cn.writeFrame(protocol.EncodeEcho(data)); err != nil {
		c.pool.evict(cn)
		return wrapE(op, err)
	}

	for {
		p, err := cn.readPacket()
		if err != nil {
			c.pool.evict(cn)
			return wrapE(op, err)
		}
		if p.Type != protocol.EchoRes {
			// a leftover of an abandoned operation on this connection
			c.log.Warn("unexpected packet during echo", zap.String("type", p.Type.String()))
			continue
		}
		if !bytes.Equal(p.Field(0), data) {
			c.pool.evict(cn)
			return wrapE(op, errors.Str("echo payload mismatch"))
		}
		return nil
	}
}

// dropStrays logs packets that arrived for jobs nobody is waiting on.
func (c *Client) dropStrays(cn *conn, strays []*protocol.Packet) {
	for _, p := range strays {
		c.log.Warn("dropping stray packet",
			zap.String("server", cn.addr),
			zap.String("type", p.Type.String()),
			zap.String("handle", p.Handle()))
	}
}
