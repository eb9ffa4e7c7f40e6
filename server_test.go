package gearman

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/p-alik/gearman/protocol"
)

// fakePacket is one scripted worker response. gateOn holds it back until a
// submission for that function arrives, which lets tests control the order
// in which results reach the wait loop. closeConn drops the connection
// instead of answering.
type fakePacket struct {
	typ       protocol.Type
	data      []byte
	gateOn    string
	closeConn bool
}

func workComplete(data []byte) fakePacket {
	return fakePacket{typ: protocol.WorkComplete, data: data}
}

func workFail() fakePacket {
	return fakePacket{typ: protocol.WorkFail}
}

func workException(msg []byte) fakePacket {
	return fakePacket{typ: protocol.WorkException, data: msg}
}

func gatedOn(fn string, p fakePacket) fakePacket {
	p.gateOn = fn
	return p
}

type fakeStatus struct {
	known, running bool
	num, den       uint64
}

type pendingSend struct {
	fc     *fakeConn
	handle string
	pkt    fakePacket
}

// fakeServer speaks just enough of both job-server protocols for the engine
// tests: binary submissions answered from per-function scripts, status and
// echo round-trips, and canned admin reports.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu        sync.Mutex
	handlers  map[string]func(call int, arg []byte) []fakePacket
	calls     map[string]int
	statuses  map[string]fakeStatus
	gated     map[string][]pendingSend
	admin     map[string][]string
	coalesced map[string]string
	maxqueue  []string
	nextID    int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &fakeServer{
		t:         t,
		ln:        ln,
		handlers:  make(map[string]func(int, []byte) []fakePacket),
		calls:     make(map[string]int),
		statuses:  make(map[string]fakeStatus),
		gated:     make(map[string][]pendingSend),
		admin:     make(map[string][]string),
		coalesced: make(map[string]string),
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(nc)
		}
	}()
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) handle(fn string, f func(call int, arg []byte) []fakePacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[fn] = f
}

// respond scripts the same responses for every submission of fn.
func (s *fakeServer) respond(fn string, pkts ...fakePacket) {
	s.handle(fn, func(int, []byte) []fakePacket { return pkts })
}

func (s *fakeServer) callCount(fn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[fn]
}

func (s *fakeServer) setStatus(handle string, known, running bool, num, den uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[handle] = fakeStatus{known: known, running: running, num: num, den: den}
}

func (s *fakeServer) setAdmin(cmd string, rows ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin[cmd] = rows
}

func (s *fakeServer) maxqueueCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.maxqueue...)
}

// fakeConn serializes writes from the serving goroutine and gated flushes
// triggered by submissions on other connections.
type fakeConn struct {
	mu sync.Mutex
	nc net.Conn
}

func (fc *fakeConn) send(typ protocol.Type, fields ...[]byte) {
	payload := bytes.Join(fields, []byte{0})
	frame := make([]byte, 12, 12+len(payload))
	copy(frame, "\x00RES")
	binary.BigEndian.PutUint32(frame[4:8], uint32(typ))
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(payload)))
	frame = append(frame, payload...)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	_, _ = fc.nc.Write(frame)
}

func (fc *fakeConn) writeLine(line string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	_, _ = fc.nc.Write([]byte(line + "\n"))
}

func (s *fakeServer) serve(nc net.Conn) {
	defer nc.Close()

	fc := &fakeConn{nc: nc}
	br := bufio.NewReader(nc)
	for {
		first, err := br.Peek(1)
		if err != nil {
			return
		}
		if first[0] == 0 {
			err = s.serveBinary(fc, br)
		} else {
			err = s.serveAdmin(fc, br)
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeServer) serveBinary(fc *fakeConn, br *bufio.Reader) error {
	header := make([]byte, 12)
	if _, err := io.ReadFull(br, header); err != nil {
		return err
	}
	typ := protocol.Type(binary.BigEndian.Uint32(header[4:8]))
	payload := make([]byte, binary.BigEndian.Uint32(header[8:12]))
	if _, err := io.ReadFull(br, payload); err != nil {
		return err
	}

	switch typ {
	case protocol.SubmitJob, protocol.SubmitJobHigh, protocol.SubmitJobBG:
		parts := bytes.SplitN(payload, []byte{0}, 3)
		s.submit(fc, string(parts[0]), string(parts[1]), parts[2])

	case protocol.GetStatus:
		handle := string(payload)
		s.mu.Lock()
		st := s.statuses[handle]
		s.mu.Unlock()
		fc.send(protocol.StatusRes, []byte(handle), bool01(st.known), bool01(st.running),
			[]byte(fmt.Sprintf("%d", st.num)), []byte(fmt.Sprintf("%d", st.den)))

	case protocol.EchoReq:
		fc.send(protocol.EchoRes, payload)
	}
	return nil
}

func (s *fakeServer) submit(fc *fakeConn, fn, uniq string, arg []byte) {
	// an outstanding job with the same uniq is coalesced: the duplicate gets
	// the existing handle and the worker runs once
	if uniq != "" {
		s.mu.Lock()
		if handle, ok := s.coalesced[fn+"\x00"+uniq]; ok {
			s.mu.Unlock()
			fc.send(protocol.JobCreated, []byte(handle))
			return
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.nextID++
	handle := fmt.Sprintf("H:fake:%d", s.nextID)
	s.calls[fn]++
	call := s.calls[fn]
	h := s.handlers[fn]
	if uniq != "" {
		s.coalesced[fn+"\x00"+uniq] = handle
	}
	s.mu.Unlock()

	fc.send(protocol.JobCreated, []byte(handle))

	var pkts []fakePacket
	if h != nil {
		pkts = h(call, arg)
	}
	for _, p := range pkts {
		if p.gateOn != "" {
			s.mu.Lock()
			s.gated[p.gateOn] = append(s.gated[p.gateOn], pendingSend{fc: fc, handle: handle, pkt: p})
			s.mu.Unlock()
			continue
		}
		s.deliver(fc, handle, p)
	}

	// release responses other submissions parked on this function
	s.mu.Lock()
	flush := s.gated[fn]
	delete(s.gated, fn)
	s.mu.Unlock()
	for _, ps := range flush {
		s.deliver(ps.fc, ps.handle, ps.pkt)
	}
}

func (s *fakeServer) deliver(fc *fakeConn, handle string, p fakePacket) {
	if p.closeConn {
		_ = fc.nc.Close()
		return
	}
	switch p.typ {
	case protocol.WorkFail:
		fc.send(p.typ, []byte(handle))
	default:
		fc.send(p.typ, []byte(handle), p.data)
	}
}

func (s *fakeServer) serveAdmin(fc *fakeConn, br *bufio.Reader) error {
	line, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimRight(line, "\r\n")
	cmd := strings.Fields(line)[0]

	if cmd == protocol.AdminMaxQueue {
		s.mu.Lock()
		s.maxqueue = append(s.maxqueue, line)
		s.mu.Unlock()
		fc.writeLine("OK")
		return nil
	}

	s.mu.Lock()
	rows := s.admin[cmd]
	s.mu.Unlock()
	for _, row := range rows {
		fc.writeLine(row)
	}
	fc.writeLine(".")
	return nil
}

func bool01(b bool) []byte {
	if b {
		return []byte("1")
	}
	return []byte("0")
}

// newTestClient builds a client over the given fake servers and closes it
// with the test.
func newTestClient(t *testing.T, cfg *Config, servers ...*fakeServer) *Client {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	for _, fs := range servers {
		cfg.Servers = append(cfg.Servers, fs.addr())
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}
