package gearman

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/p-alik/gearman/protocol"
)

// JobStatus is a point-in-time snapshot of a job, obtained by polling its
// owning server. Polling is the only way to observe a background job:
// callers poll until Known turns false or Percent reaches 1.
type JobStatus struct {
	Handle      JobHandle `json:"handle"`
	Known       bool      `json:"known"`
	Running     bool      `json:"running"`
	Numerator   uint64    `json:"numerator"`
	Denominator uint64    `json:"denominator"`
}

// Percent returns the progress fraction, 0 while the denominator is unset.
func (s *JobStatus) Percent() float64 {
	if s.Denominator == 0 {
		return 0
	}
	return float64(s.Numerator) / float64(s.Denominator)
}

// GetStatus polls the job server that owns h for the job's progress.
func (c *Client) GetStatus(ctx context.Context, h JobHandle) (*JobStatus, error) {
	const op = errors.Op("client_get_status")

	cn, _, err := c.pool.lease(h.Server)
	if err != nil {
		return nil, wrapE(op, err)
	}
	defer cn.mu.Unlock()
	defer applyDeadline(cn, ctx)()

	if err := cn.writeFrame(protocol.EncodeGetStatus(h.ID)); err != nil {
		c.pool.evict(cn)
		return nil, wrapE(op, err)
	}

	for {
		p, err := cn.readPacket()
		if err != nil {
			c.pool.evict(cn)
			return nil, wrapE(op, err)
		}

		if p.Type != protocol.StatusRes || p.Handle() != h.ID {
			// a leftover of an abandoned operation on this connection
			c.log.Warn("unexpected packet during status poll",
				zap.String("server", cn.addr),
				zap.String("type", p.Type.String()),
				zap.String("handle", p.Handle()))
			continue
		}

		st, err := parseStatusRes(h, p)
		if err != nil {
			c.pool.evict(cn)
			return nil, wrapE(op, err)
		}
		return st, nil
	}
}

func parseStatusRes(h JobHandle, p *protocol.Packet) (*JobStatus, error) {
	st := &JobStatus{
		Handle:  h,
		Known:   string(p.Field(1)) == "1",
		Running: string(p.Field(2)) == "1",
	}

	for i, dst := range []*uint64{&st.Numerator, &st.Denominator} {
		v, err := parseUint(p.Field(3 + i))
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return st, nil
}

func parseUint(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return v, nil
}
