package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// buildResponse frames a response packet the way a job server would.
func buildResponse(t *testing.T, typ Type, fields ...[]byte) []byte {
	t.Helper()

	payload := bytes.Join(fields, []byte{0})
	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf, resMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(typ))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	return append(buf, payload...)
}

func TestEncodeSubmitPacketTypes(t *testing.T) {
	tests := []struct {
		name       string
		high       bool
		background bool
		want       Type
	}{
		{name: "normal", want: SubmitJob},
		{name: "high", high: true, want: SubmitJobHigh},
		{name: "background", background: true, want: SubmitJobBG},
		{name: "background wins over high", high: true, background: true, want: SubmitJobBG},
	}

	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeSubmit("reverse", "u1", []byte("payload"), tt.high, tt.background)

			if got := frame[:4]; !bytes.Equal(got, reqMagic) {
				t.Fatalf("unexpected magic: %q", got)
			}
			if got := Type(binary.BigEndian.Uint32(frame[4:8])); got != tt.want {
				t.Fatalf("unexpected type, got %s, want %s", got, tt.want)
			}

			wantPayload := []byte("reverse\x00u1\x00payload")
			if got := frame[headerSize:]; !bytes.Equal(got, wantPayload) {
				t.Fatalf("unexpected payload, got %q, want %q", got, wantPayload)
			}
			if got := binary.BigEndian.Uint32(frame[8:12]); got != uint32(len(wantPayload)) {
				t.Fatalf("unexpected length, got %d, want %d", got, len(wantPayload))
			}
		})
	}
}

func TestReadPacketWorkComplete(t *testing.T) {
	frame := buildResponse(t, WorkComplete, []byte("H:1"), []byte("result"))

	p, err := ReadPacket(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}

	if p.Type != WorkComplete {
		t.Fatalf("unexpected type: %s", p.Type)
	}
	if got, want := p.Handle(), "H:1"; got != want {
		t.Fatalf("unexpected handle, got %q, want %q", got, want)
	}
	if got, want := p.Field(1), []byte("result"); !bytes.Equal(got, want) {
		t.Fatalf("unexpected result, got %q, want %q", got, want)
	}
}

func TestReadPacketResultKeepsEmbeddedNUL(t *testing.T) {
	// the final field is opaque and may contain NUL bytes of its own
	frame := buildResponse(t, WorkComplete, []byte("H:1"), []byte("a\x00b"))

	p, err := ReadPacket(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Field(1), []byte("a\x00b"); !bytes.Equal(got, want) {
		t.Fatalf("unexpected result, got %q, want %q", got, want)
	}
}

func TestReadPacketStatusRes(t *testing.T) {
	frame := buildResponse(t, StatusRes, []byte("H:7"), []byte("1"), []byte("1"), []byte("2"), []byte("4"))

	p, err := ReadPacket(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Fields) != 5 {
		t.Fatalf("expected 5 fields, got %d", len(p.Fields))
	}
}

func TestReadPacketMalformed(t *testing.T) {
	badMagic := buildResponse(t, WorkFail, []byte("H:1"))
	copy(badMagic, "\x00XXX")

	oversized := make([]byte, headerSize)
	copy(oversized, resMagic)
	binary.BigEndian.PutUint32(oversized[4:8], uint32(WorkFail))
	binary.BigEndian.PutUint32(oversized[8:12], MaxPayload+1)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "bad magic", frame: badMagic},
		{name: "oversized payload", frame: oversized},
		{name: "wrong field count", frame: buildResponse(t, StatusRes, []byte("H:1"), []byte("1"))},
	}

	for i := range tests {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPacket(bytes.NewReader(tt.frame))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestReadPacketTruncated(t *testing.T) {
	frame := buildResponse(t, WorkComplete, []byte("H:1"), []byte("result"))

	if _, err := ReadPacket(bytes.NewReader(frame[:len(frame)-2])); err == nil {
		t.Fatal("expected error on truncated payload")
	}
	if _, err := ReadPacket(bytes.NewReader(frame[:6])); err == nil {
		t.Fatal("expected error on truncated header")
	}
}

func TestEncodeGetStatus(t *testing.T) {
	frame := EncodeGetStatus("H:42")

	if got := Type(binary.BigEndian.Uint32(frame[4:8])); got != GetStatus {
		t.Fatalf("unexpected type: %s", got)
	}
	if got, want := frame[headerSize:], []byte("H:42"); !bytes.Equal(got, want) {
		t.Fatalf("unexpected payload, got %q, want %q", got, want)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	frame := EncodeEcho([]byte("ping"))
	if got := Type(binary.BigEndian.Uint32(frame[4:8])); got != EchoReq {
		t.Fatalf("unexpected type: %s", got)
	}

	res := buildResponse(t, EchoRes, []byte("ping"))
	p, err := ReadPacket(bytes.NewReader(res))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Field(0), []byte("ping"); !bytes.Equal(got, want) {
		t.Fatalf("unexpected echo payload, got %q, want %q", got, want)
	}
}
