package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/roadrunner-server/errors"
)

const (
	headerSize = 12

	// MaxPayload bounds a single frame. Anything larger is treated as
	// protocol corruption rather than a legitimate job payload.
	MaxPayload = 32 << 20
)

var (
	reqMagic = []byte("\x00REQ")
	resMagic = []byte("\x00RES")

	null = []byte{0}
)

// EncodeSubmit builds a submit request for the given function. The packet
// type is chosen by the (background, high) pair; the job server enforces the
// actual priority ordering, the client only selects the type.
func EncodeSubmit(fn, uniq string, arg []byte, high, background bool) []byte {
	t := SubmitJob
	switch {
	case background:
		t = SubmitJobBG
	case high:
		t = SubmitJobHigh
	}

	payload := bytes.Join([][]byte{[]byte(fn), []byte(uniq), arg}, null)
	return encodeRequest(t, payload)
}

// EncodeGetStatus builds a GET_STATUS request for a job handle.
func EncodeGetStatus(handle string) []byte {
	return encodeRequest(GetStatus, []byte(handle))
}

// EncodeEcho builds an ECHO_REQ carrying opaque data.
func EncodeEcho(data []byte) []byte {
	return encodeRequest(EchoReq, data)
}

func encodeRequest(t Type, payload []byte) []byte {
	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf, reqMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(t))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	return append(buf, payload...)
}

// WritePacket writes a fully encoded frame to w.
func WritePacket(w io.Writer, frame []byte) error {
	const op = errors.Op("protocol_write_packet")
	if _, err := w.Write(frame); err != nil {
		return wrapE(op, err)
	}
	return nil
}

// ReadPacket reads and validates one response frame from r. The payload is
// split on NUL into exactly the field count the packet type mandates.
func ReadPacket(r io.Reader) (*Packet, error) {
	const op = errors.Op("protocol_read_packet")

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, wrapE(op, err)
	}

	if !bytes.Equal(header[:4], resMagic) {
		return nil, malformed(op, "bad magic")
	}

	t := Type(binary.BigEndian.Uint32(header[4:8]))
	size := binary.BigEndian.Uint32(header[8:12])
	if size > MaxPayload {
		return nil, malformed(op, "payload of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, wrapE(op, err)
	}

	p := &Packet{Type: t}
	if n, ok := argc[t]; ok {
		// the last field may itself contain NUL bytes, split only n-1 times
		p.Fields = bytes.SplitN(payload, null, n)
		if len(p.Fields) != n {
			return nil, malformed(op, "%s: expected %d fields, got %d", t, n, len(p.Fields))
		}
	} else {
		p.Fields = bytes.Split(payload, null)
	}

	return p, nil
}
