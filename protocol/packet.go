package protocol

import (
	"fmt"

	"github.com/roadrunner-server/errors"
)

// Type is the numeric packet type carried in the frame header.
type Type uint32

const (
	SubmitJob     Type = 7
	JobCreated    Type = 8
	WorkStatus    Type = 12
	WorkComplete  Type = 13
	WorkFail      Type = 14
	GetStatus     Type = 15
	EchoReq       Type = 16
	EchoRes       Type = 17
	SubmitJobBG   Type = 18
	StatusRes     Type = 20
	SubmitJobHigh Type = 21
	WorkException Type = 25
)

// String returns the canonical job-server name of the packet type.
func (t Type) String() string {
	switch t {
	case SubmitJob:
		return "SUBMIT_JOB"
	case JobCreated:
		return "JOB_CREATED"
	case WorkStatus:
		return "WORK_STATUS"
	case WorkComplete:
		return "WORK_COMPLETE"
	case WorkFail:
		return "WORK_FAIL"
	case GetStatus:
		return "GET_STATUS"
	case EchoReq:
		return "ECHO_REQ"
	case EchoRes:
		return "ECHO_RES"
	case SubmitJobBG:
		return "SUBMIT_JOB_BG"
	case StatusRes:
		return "STATUS_RES"
	case SubmitJobHigh:
		return "SUBMIT_JOB_HIGH"
	case WorkException:
		return "WORK_EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformed reports a frame that violates the wire contract: wrong magic,
// oversized payload or a field count that does not match the packet type.
// Engine code matches it with errors.Is to classify protocol corruption.
var ErrMalformed = errors.Str("malformed packet")

// opError pairs the roadrunner-rendered error with its cause: *errors.Error
// has no Unwrap method, so stdlib errors.Is/As need the cause kept alongside
// to traverse the op chain.
type opError struct {
	error
	cause error
}

func (e *opError) Unwrap() error { return e.cause }

// wrapE builds errors.E(op, err) while keeping err reachable via errors.Is.
func wrapE(op errors.Op, err error) error {
	return &opError{errors.E(op, err), err}
}

// malformed wraps a violation detail so that errors.Is still reaches
// ErrMalformed through the op chain.
func malformed(op errors.Op, format string, args ...any) error {
	return wrapE(op, fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...)))
}

// argc maps a response type to its exact NUL-separated field count.
// Types absent from the map are passed through without validation.
var argc = map[Type]int{
	JobCreated:    1,
	WorkStatus:    3,
	WorkComplete:  2,
	WorkFail:      1,
	StatusRes:     5,
	WorkException: 2,
	EchoRes:       1,
}

// Packet is a single decoded frame.
type Packet struct {
	Type   Type
	Fields [][]byte
}

// Handle returns the job handle field. Every WORK_* and STATUS_RES packet
// carries it first.
func (p *Packet) Handle() string {
	if len(p.Fields) == 0 {
		return ""
	}
	return string(p.Fields[0])
}

// Field returns the i-th payload field, nil when out of range.
func (p *Packet) Field(i int) []byte {
	if i < 0 || i >= len(p.Fields) {
		return nil
	}
	return p.Fields[i]
}
