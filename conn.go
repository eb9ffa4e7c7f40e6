package gearman

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/p-alik/gearman/protocol"
)

// conn is one live connection to a job server. The mutex is the explicit
// single-driver lock: whoever holds it (a taskset wait loop, a one-shot
// submit, an admin query) is the only reader and writer until release, so
// packet framing can never interleave.
type conn struct {
	mu sync.Mutex

	addr string
	nc   net.Conn
	br   *bufio.Reader

	// set by whichever side notices the failure first: the loop goroutine
	// writing or an armed reader
	broken atomic.Bool
}

func (c *conn) writeFrame(frame []byte) error {
	const op = errors.Op("conn_write")
	if err := protocol.WritePacket(c.nc, frame); err != nil {
		c.broken.Store(true)
		return connErr(op, err)
	}
	return nil
}

func (c *conn) readPacket() (*protocol.Packet, error) {
	p, err := protocol.ReadPacket(c.br)
	if err != nil {
		c.broken.Store(true)
		return nil, err
	}
	return p, nil
}

func (c *conn) close() error {
	c.broken.Store(true)
	return c.nc.Close()
}

// pool caches one connection per job-server address. Connections are leased
// with their driver lock held; a broken connection is evicted on next lease
// and redialed transparently.
type pool struct {
	mu sync.Mutex

	cfg   *Config
	log   *zap.Logger
	conns map[string]*conn
}

func newPool(cfg *Config, log *zap.Logger) *pool {
	return &pool{
		cfg:   cfg,
		log:   log,
		conns: make(map[string]*conn, len(cfg.Servers)),
	}
}

// lease returns the connection for addr with its driver lock held. cached
// reports whether it came from the cache: a write failure on a cached
// connection warrants exactly one evict-and-redial, a fresh one does not.
func (p *pool) lease(addr string) (cn *conn, cached bool, err error) {
	p.mu.Lock()
	cn = p.conns[addr]
	p.mu.Unlock()

	if cn != nil {
		cn.mu.Lock()
		// the previous owner may have broken it while we waited
		if !cn.broken.Load() {
			return cn, true, nil
		}
		cn.mu.Unlock()
		p.evict(cn)
	}

	cn, err = p.dial(addr)
	if err != nil {
		return nil, false, err
	}

	cn.mu.Lock()
	p.mu.Lock()
	p.conns[addr] = cn
	p.mu.Unlock()
	return cn, false, nil
}

func (p *pool) dial(addr string) (*conn, error) {
	const op = errors.Op("pool_dial")

	d := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, connErr(op, err)
	}

	if p.cfg.SocketOption != nil {
		p.cfg.SocketOption(nc)
	}

	if p.cfg.TLS != nil {
		tc := p.cfg.TLS.Clone()
		if tc.ServerName == "" {
			host, _, _ := net.SplitHostPort(addr)
			tc.ServerName = host
		}
		nc = tls.Client(nc, tc)
	}

	p.log.Debug("connected to job server", zap.String("server", addr))
	return &conn{addr: addr, nc: nc, br: bufio.NewReader(nc)}, nil
}

// evict closes cn and drops it from the cache unless a newer connection for
// the same address already replaced it.
func (p *pool) evict(cn *conn) {
	p.mu.Lock()
	if p.conns[cn.addr] == cn {
		delete(p.conns, cn.addr)
	}
	p.mu.Unlock()

	if err := cn.close(); err != nil {
		p.log.Debug("closing evicted connection", zap.String("server", cn.addr), zap.Error(err))
	}
}

func (p *pool) close() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, cn := range p.conns {
		conns = append(conns, cn)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, cn := range conns {
		if err := cn.close(); err != nil {
			p.log.Debug("closing pooled connection", zap.String("server", cn.addr), zap.Error(err))
		}
	}
}
