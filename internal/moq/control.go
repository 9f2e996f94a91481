// Package moq speaks just enough of the MoQ Transport control protocol
// (draft-ietf-moq-transport-15) for the distribution relay's accept path:
// message framing on the bidirectional control stream, the CLIENT_SETUP /
// SERVER_SETUP version handshake, and the SUBSCRIBE / SUBSCRIBE_OK
// exchange. Data-plane object delivery lives in the distribution package.
package moq

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type IDs (draft-15), limited to the exchange the relay
// implements.
const (
	MsgSubscribe   uint64 = 0x03
	MsgSubscribeOK uint64 = 0x04
	MsgClientSetup uint64 = 0x20
	MsgServerSetup uint64 = 0x21
)

// Version is the draft-15 protocol version (0xff000000 | draft number).
const Version uint64 = 0xff00000f

// Setup parameter keys (draft-15 §6.2). Odd keys carry length-prefixed
// bytes, even keys carry a varint.
const (
	paramPath         uint64 = 0x01
	paramMaxRequestID uint64 = 0x02
)

// Subscribe filter types that carry extra location fields.
const (
	filterAbsoluteStart uint64 = 0x03
	filterAbsoluteRange uint64 = 0x04
)

var (
	// ErrVersionMismatch is returned by the session layer when a client
	// offers no protocol version the relay speaks.
	ErrVersionMismatch = errors.New("moq: no compatible version")

	// ErrMalformed wraps every control-payload decode failure.
	ErrMalformed = errors.New("moq: malformed control message")
)

// ClientSetup is the first message on a client's control stream.
type ClientSetup struct {
	Versions     []uint64
	Path         string
	MaxRequestID uint64
}

// ServerSetup answers a ClientSetup with the selected version.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// Subscribe requests delivery of one track.
type Subscribe struct {
	RequestID  uint64
	Namespace  []string
	TrackName  string
	FilterType uint64
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	RequestID     uint64
	TrackAlias    uint64
	Expires       uint64
	GroupOrder    byte
	ContentExists bool
	LargestGroup  uint64
	LargestObject uint64
}

// ReadControlMsg reads one framed control message: a varint type, a
// big-endian uint16 length, then the payload.
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(interface {
		io.ByteReader
		io.Reader
	})
	if !ok {
		br = bufio.NewReader(r)
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("moq: read message type: %w", err)
	}
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("moq: read message length: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(br, payload); err != nil {
		return 0, nil, fmt.Errorf("moq: read message payload: %w", err)
	}
	return msgType, payload, nil
}

// WriteControlMsg frames and writes one control message in a single Write
// so concurrent writers on the same stream cannot interleave a frame.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	frame := quicvarint.Append(nil, msgType)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// ParseClientSetup decodes a CLIENT_SETUP payload: the offered version
// list followed by setup parameters (only path and max-request-id are
// retained; unknown parameters are skipped by key parity).
func ParseClientSetup(payload []byte) (ClientSetup, error) {
	c := cursor{rest: payload}
	var cs ClientSetup

	for n := c.uvarint(); n > 0 && c.err == nil; n-- {
		cs.Versions = append(cs.Versions, c.uvarint())
	}
	for n := c.uvarint(); n > 0 && c.err == nil; n-- {
		key := c.uvarint()
		if key%2 == 1 {
			val := c.blob()
			if key == paramPath {
				cs.Path = string(val)
			}
		} else {
			val := c.uvarint()
			if key == paramMaxRequestID {
				cs.MaxRequestID = val
			}
		}
	}

	if c.err != nil {
		return ClientSetup{}, fmt.Errorf("%w: CLIENT_SETUP: %v", ErrMalformed, c.err)
	}
	return cs, nil
}

// SerializeServerSetup encodes a SERVER_SETUP payload advertising the
// selected version and a max-request-id parameter.
func SerializeServerSetup(ss ServerSetup) []byte {
	out := quicvarint.Append(nil, ss.SelectedVersion)
	out = quicvarint.Append(out, 1) // one parameter
	out = quicvarint.Append(out, paramMaxRequestID)
	return quicvarint.Append(out, ss.MaxRequestID)
}

// ParseSubscribe decodes a SUBSCRIBE payload through its filter fields.
// Trailing subscribe parameters are not interpreted.
func ParseSubscribe(payload []byte) (Subscribe, error) {
	c := cursor{rest: payload}
	var s Subscribe

	s.RequestID = c.uvarint()
	for n := c.uvarint(); n > 0 && c.err == nil; n-- {
		s.Namespace = append(s.Namespace, string(c.blob()))
	}
	s.TrackName = string(c.blob())
	c.u8() // subscriber priority
	c.u8() // group order
	c.u8() // forward
	s.FilterType = c.uvarint()
	switch s.FilterType {
	case filterAbsoluteStart:
		c.uvarint() // start group
		c.uvarint() // start object
	case filterAbsoluteRange:
		c.uvarint()
		c.uvarint()
		c.uvarint() // end group
	}

	if c.err != nil {
		return Subscribe{}, fmt.Errorf("%w: SUBSCRIBE: %v", ErrMalformed, c.err)
	}
	return s, nil
}

// SerializeSubscribeOK encodes a SUBSCRIBE_OK payload.
func SerializeSubscribeOK(ok SubscribeOK) []byte {
	out := quicvarint.Append(nil, ok.RequestID)
	out = quicvarint.Append(out, ok.TrackAlias)
	out = quicvarint.Append(out, ok.Expires)
	out = append(out, ok.GroupOrder)
	if ok.ContentExists {
		out = append(out, 1)
		out = quicvarint.Append(out, ok.LargestGroup)
		out = quicvarint.Append(out, ok.LargestObject)
	} else {
		out = append(out, 0)
	}
	return quicvarint.Append(out, 0) // no parameters
}

// cursor is a sticky-error decoder over a control payload: after the
// first failure every further read is a no-op and err records the cause,
// so message parsers read field-by-field and check once at the end.
type cursor struct {
	rest []byte
	err  error
}

func (c *cursor) uvarint() uint64 {
	if c.err != nil {
		return 0
	}
	v, n, err := quicvarint.Parse(c.rest)
	if err != nil {
		c.err = err
		return 0
	}
	c.rest = c.rest[n:]
	return v
}

func (c *cursor) u8() byte {
	if c.err != nil {
		return 0
	}
	if len(c.rest) == 0 {
		c.err = io.ErrUnexpectedEOF
		return 0
	}
	b := c.rest[0]
	c.rest = c.rest[1:]
	return b
}

// blob reads a varint-length-prefixed byte string.
func (c *cursor) blob() []byte {
	n := c.uvarint()
	if c.err != nil {
		return nil
	}
	if uint64(len(c.rest)) < n {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	out := c.rest[:n]
	c.rest = c.rest[n:]
	return out
}
