package moq

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func TestControlMsgRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	payload := []byte{0xca, 0xfe, 0xba, 0xbe}
	if err := WriteControlMsg(&buf, MsgSubscribe, payload); err != nil {
		t.Fatalf("WriteControlMsg: %v", err)
	}

	msgType, got, err := ReadControlMsg(&buf)
	if err != nil {
		t.Fatalf("ReadControlMsg: %v", err)
	}
	if msgType != MsgSubscribe || !bytes.Equal(got, payload) {
		t.Fatalf("read (0x%x, %x), want (0x%x, %x)", msgType, got, MsgSubscribe, payload)
	}
}

func TestReadControlMsgTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteControlMsg(&buf, MsgClientSetup, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteControlMsg: %v", err)
	}
	short := buf.Bytes()[:buf.Len()-1]
	if _, _, err := ReadControlMsg(bytes.NewReader(short)); err == nil {
		t.Fatal("expected an error reading a truncated frame")
	}
}

func TestParseClientSetup(t *testing.T) {
	t.Parallel()

	payload := quicvarint.Append(nil, 2) // two versions
	payload = quicvarint.Append(payload, 0xff00000e)
	payload = quicvarint.Append(payload, Version)
	payload = quicvarint.Append(payload, 2) // two params
	payload = quicvarint.Append(payload, paramPath)
	payload = quicvarint.Append(payload, 4)
	payload = append(payload, "live"...)
	payload = quicvarint.Append(payload, paramMaxRequestID)
	payload = quicvarint.Append(payload, 64)

	cs, err := ParseClientSetup(payload)
	if err != nil {
		t.Fatalf("ParseClientSetup: %v", err)
	}
	if len(cs.Versions) != 2 || cs.Versions[1] != Version {
		t.Errorf("Versions = %x, want to include 0x%x", cs.Versions, Version)
	}
	if cs.Path != "live" {
		t.Errorf("Path = %q, want \"live\"", cs.Path)
	}
	if cs.MaxRequestID != 64 {
		t.Errorf("MaxRequestID = %d, want 64", cs.MaxRequestID)
	}
}

func TestParseClientSetupSkipsUnknownParams(t *testing.T) {
	t.Parallel()

	payload := quicvarint.Append(nil, 1)
	payload = quicvarint.Append(payload, Version)
	payload = quicvarint.Append(payload, 2)
	payload = quicvarint.Append(payload, 0x41) // unknown odd key: bytes
	payload = quicvarint.Append(payload, 3)
	payload = append(payload, 1, 2, 3)
	payload = quicvarint.Append(payload, 0x42) // unknown even key: varint
	payload = quicvarint.Append(payload, 99)

	cs, err := ParseClientSetup(payload)
	if err != nil {
		t.Fatalf("ParseClientSetup: %v", err)
	}
	if cs.Path != "" || cs.MaxRequestID != 0 {
		t.Errorf("unknown params leaked into %+v", cs)
	}
}

func TestParseClientSetupTruncated(t *testing.T) {
	t.Parallel()

	payload := quicvarint.Append(nil, 3) // promises three versions
	payload = quicvarint.Append(payload, Version)
	_, err := ParseClientSetup(payload)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestServerSetupPayload(t *testing.T) {
	t.Parallel()

	payload := SerializeServerSetup(ServerSetup{SelectedVersion: Version, MaxRequestID: 128})

	c := cursor{rest: payload}
	if v := c.uvarint(); v != Version {
		t.Errorf("selected version = 0x%x, want 0x%x", v, Version)
	}
	if n := c.uvarint(); n != 1 {
		t.Fatalf("param count = %d, want 1", n)
	}
	if k := c.uvarint(); k != paramMaxRequestID {
		t.Errorf("param key = 0x%x, want max-request-id", k)
	}
	if v := c.uvarint(); v != 128 || c.err != nil {
		t.Errorf("param value = %d (err %v), want 128", v, c.err)
	}
	if len(c.rest) != 0 {
		t.Errorf("%d trailing bytes", len(c.rest))
	}
}

func subscribePayload(reqID uint64, namespace []string, track string, filter uint64, locs ...uint64) []byte {
	p := quicvarint.Append(nil, reqID)
	p = quicvarint.Append(p, uint64(len(namespace)))
	for _, part := range namespace {
		p = quicvarint.Append(p, uint64(len(part)))
		p = append(p, part...)
	}
	p = quicvarint.Append(p, uint64(len(track)))
	p = append(p, track...)
	p = append(p, 0x80, 0x01, 0x01) // priority, group order, forward
	p = quicvarint.Append(p, filter)
	for _, l := range locs {
		p = quicvarint.Append(p, l)
	}
	return quicvarint.Append(p, 0) // no subscribe parameters
}

func TestParseSubscribe(t *testing.T) {
	t.Parallel()

	payload := subscribePayload(7, []string{"prism", "main"}, "video", 0x02)
	s, err := ParseSubscribe(payload)
	if err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}
	if s.RequestID != 7 {
		t.Errorf("RequestID = %d, want 7", s.RequestID)
	}
	if len(s.Namespace) != 2 || s.Namespace[0] != "prism" || s.Namespace[1] != "main" {
		t.Errorf("Namespace = %v", s.Namespace)
	}
	if s.TrackName != "video" {
		t.Errorf("TrackName = %q", s.TrackName)
	}
}

func TestParseSubscribeAbsoluteRange(t *testing.T) {
	t.Parallel()

	payload := subscribePayload(1, []string{"ns"}, "t", filterAbsoluteRange, 10, 0, 20)
	if _, err := ParseSubscribe(payload); err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}

	truncated := subscribePayload(1, []string{"ns"}, "t", filterAbsoluteRange, 10)
	// Dropping the trailing zero param count leaves the payload ending
	// right after the start group, so the start object and the range end
	// are unreadable.
	if _, err := ParseSubscribe(truncated[:len(truncated)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestSubscribeOKPayload(t *testing.T) {
	t.Parallel()

	payload := SerializeSubscribeOK(SubscribeOK{
		RequestID:     7,
		TrackAlias:    1,
		ContentExists: true,
		LargestGroup:  42,
		LargestObject: 3,
	})

	c := cursor{rest: payload}
	if v := c.uvarint(); v != 7 {
		t.Errorf("request id = %d, want 7", v)
	}
	if v := c.uvarint(); v != 1 {
		t.Errorf("track alias = %d, want 1", v)
	}
	c.uvarint() // expires
	c.u8()      // group order
	if exists := c.u8(); exists != 1 {
		t.Fatalf("content exists = %d, want 1", exists)
	}
	if g := c.uvarint(); g != 42 {
		t.Errorf("largest group = %d, want 42", g)
	}
	if o := c.uvarint(); o != 3 {
		t.Errorf("largest object = %d, want 3", o)
	}
	if n := c.uvarint(); n != 0 || c.err != nil {
		t.Errorf("param count = %d (err %v), want 0", n, c.err)
	}
}

func TestCursorStickyError(t *testing.T) {
	t.Parallel()

	c := cursor{rest: []byte{}}
	c.u8()
	if c.err == nil {
		t.Fatal("reading past the end must set err")
	}
	// Every later read is a quiet no-op.
	if v := c.uvarint(); v != 0 {
		t.Errorf("uvarint after error = %d, want 0", v)
	}
	if b := c.blob(); b != nil {
		t.Errorf("blob after error = %v, want nil", b)
	}
}
