package gearman

import (
	"context"
	"strconv"
	"sync"

	"github.com/roadrunner-server/errors"
	"golang.org/x/sync/errgroup"

	"github.com/p-alik/gearman/protocol"
)

// FunctionStatus is the per-function row of a server's status report.
// A function absent from the report has all three counters at zero.
type FunctionStatus struct {
	Capable uint64 `json:"capable"`
	Running uint64 `json:"running"`
	Queued  uint64 `json:"queued"`
}

// JobServerStatus runs the status admin command against every configured
// server and returns per-address, per-function counters.
func (c *Client) JobServerStatus(ctx context.Context) (map[string]map[string]FunctionStatus, error) {
	const op = errors.Op("admin_status")

	out := make(map[string]map[string]FunctionStatus, len(c.cfg.Servers))
	err := c.eachServer(ctx, func(addr string, rows []string) error {
		report := make(map[string]FunctionStatus, len(rows))
		for _, row := range rows {
			st, err := protocol.ParseStatusLine(row)
			if err != nil {
				return err
			}
			report[st.Function] = FunctionStatus{
				Capable: st.Capable,
				Running: st.Running,
				Queued:  st.Queued,
			}
		}
		out[addr] = report
		return nil
	}, protocol.AdminStatus)
	if err != nil {
		return nil, wrapE(op, err)
	}
	return out, nil
}

// JobServerWorkers runs the workers admin command against every configured
// server: each row is one connected worker with its registered functions.
func (c *Client) JobServerWorkers(ctx context.Context) (map[string][]protocol.WorkerLine, error) {
	const op = errors.Op("admin_workers")

	out := make(map[string][]protocol.WorkerLine, len(c.cfg.Servers))
	err := c.eachServer(ctx, func(addr string, rows []string) error {
		workers := make([]protocol.WorkerLine, 0, len(rows))
		for _, row := range rows {
			w, err := protocol.ParseWorkerLine(row)
			if err != nil {
				return err
			}
			workers = append(workers, w)
		}
		out[addr] = workers
		return nil
	}, protocol.AdminWorkers)
	if err != nil {
		return nil, wrapE(op, err)
	}
	return out, nil
}

// JobServerJobs runs the jobs admin command against every configured server
// and returns per-address, per-function job rows.
func (c *Client) JobServerJobs(ctx context.Context) (map[string]map[string]protocol.JobLine, error) {
	const op = errors.Op("admin_jobs")

	out := make(map[string]map[string]protocol.JobLine, len(c.cfg.Servers))
	err := c.eachServer(ctx, func(addr string, rows []string) error {
		jobs := make(map[string]protocol.JobLine, len(rows))
		for _, row := range rows {
			j, err := protocol.ParseJobLine(row)
			if err != nil {
				return err
			}
			jobs[j.Function] = j
		}
		out[addr] = jobs
		return nil
	}, protocol.AdminJobs)
	if err != nil {
		return nil, wrapE(op, err)
	}
	return out, nil
}

// JobServerClients runs the clients admin command against every configured
// server: per-address, per-client-id, per-function job rows.
func (c *Client) JobServerClients(ctx context.Context) (map[string]map[string]map[string]protocol.ClientJobLine, error) {
	const op = errors.Op("admin_clients")

	out := make(map[string]map[string]map[string]protocol.ClientJobLine, len(c.cfg.Servers))
	err := c.eachServer(ctx, func(addr string, rows []string) error {
		clients, err := protocol.ParseClientsReport(rows)
		if err != nil {
			return err
		}
		out[addr] = clients
		return nil
	}, protocol.AdminClients)
	if err != nil {
		return nil, wrapE(op, err)
	}
	return out, nil
}

// MaxQueue caps the queue depth of fn on one server. Once the depth would
// exceed n, the server fails further submissions for fn immediately until
// the depth drops back under the cap.
func (c *Client) MaxQueue(ctx context.Context, addr, fn string, n int) error {
	const op = errors.Op("admin_maxqueue")

	cn, _, err := c.pool.lease(normalizeAddr(addr))
	if err != nil {
		return wrapE(op, err)
	}
	defer cn.mu.Unlock()
	defer applyDeadline(cn, ctx)()

	cmd := protocol.EncodeAdminCommand(protocol.AdminMaxQueue, fn, strconv.Itoa(n))
	if err := cn.writeFrame(cmd); err != nil {
		c.pool.evict(cn)
		return wrapE(op, err)
	}

	if err := protocol.ReadAdminOK(cn.br); err != nil {
		cn.broken.Store(true)
		c.pool.evict(cn)
		return wrapE(op, err)
	}
	return nil
}

// eachServer issues one admin command against every configured server
// concurrently, bounded by AdminParallelism, and hands each server's rows to
// collect. collect runs under a shared lock, so it may write into shared
// maps directly.
func (c *Client) eachServer(ctx context.Context, collect func(addr string, rows []string) error, cmd string, args ...string) error {
	mu := sync.Mutex{}
	errg, ctx := errgroup.WithContext(ctx)
	errg.SetLimit(c.cfg.AdminParallelism)

	for _, addr := range c.cfg.Servers {
		addr := addr
		errg.Go(func() error {
			rows, err := c.adminRoundTrip(ctx, addr, cmd, args...)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return collect(addr, rows)
		})
	}

	return errg.Wait()
}

func (c *Client) adminRoundTrip(ctx context.Context, addr, cmd string, args ...string) ([]string, error) {
	cn, _, err := c.pool.lease(addr)
	if err != nil {
		return nil, err
	}
	defer cn.mu.Unlock()
	defer applyDeadline(cn, ctx)()

	if err := cn.writeFrame(protocol.EncodeAdminCommand(cmd, args...)); err != nil {
		c.pool.evict(cn)
		return nil, err
	}

	rows, err := protocol.ReadAdminResponse(cn.br)
	if err != nil {
		cn.broken.Store(true)
		c.pool.evict(cn)
		return nil, err
	}
	return rows, nil
}
