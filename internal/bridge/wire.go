// Package bridge connects the receiver to a remote link-layer controller.
//
// The controller runs next to the radio and forwards scan results, sync
// events and received SDUs; the receiver answers with link-layer
// commands. Both directions use the same framing:
//
//	[message type (varint)] [payload length (uint16 big-endian)] [payload]
//
// Event messages flow controller → receiver, command messages flow
// receiver → controller.
package bridge

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/session"
)

// Event message types.
const (
	MsgSourceFound    uint64 = 0x01
	MsgPASynced       uint64 = 0x02
	MsgPASyncLost     uint64 = 0x03
	MsgPASyncTransfer uint64 = 0x04
	MsgBASE           uint64 = 0x05
	MsgSyncable       uint64 = 0x06
	MsgBroadcastCode  uint64 = 0x07
	MsgSyncRequest    uint64 = 0x08
	MsgStreamStarted  uint64 = 0x09
	MsgStreamStopped  uint64 = 0x0a
	MsgError          uint64 = 0x0b
	MsgFrame          uint64 = 0x0c
)

// Command message types.
const (
	CmdStartScan    uint64 = 0x40
	CmdStopScan     uint64 = 0x41
	CmdCreatePASync uint64 = 0x42
	CmdDeletePASync uint64 = 0x43
	CmdCreateSink   uint64 = 0x44
	CmdDeleteSink   uint64 = 0x45
	CmdSyncStreams  uint64 = 0x46
	CmdStopStreams  uint64 = 0x47
)

// MaxPayload is the largest payload the length field can carry.
const MaxPayload = 0xFFFF

var (
	ErrPayloadTooLarge = errors.New("bridge: payload too large")
	ErrUnknownMessage  = errors.New("bridge: unknown message type")
	ErrNotConnected    = errors.New("bridge: no controller connected")
	ErrLinkLost        = errors.New("bridge: controller link lost")
)

// ParseError records which field of a message failed to parse.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bridge: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ReadMessage reads one framed message. r should be buffered; if it is not
// an io.ByteReader it is wrapped in a bufio.Reader, which must then not be
// discarded between calls.
func ReadMessage(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// AppendMessage appends a framed message to buf.
func AppendMessage(buf []byte, msgType uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return buf, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf = quicvarint.Append(buf, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...), nil
}

// WriteMessage writes a framed message with a single Write call, so a
// message-oriented transport carries it as one packet.
func WriteMessage(w io.Writer, msgType uint64, payload []byte) error {
	buf, err := AppendMessage(nil, msgType, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Frame is a received SDU as carried by MsgFrame.
type Frame struct {
	BIS     uint8
	Timing  media.TimingInfo
	Payload []byte
}

func appendSource(buf []byte, s session.Source) []byte {
	buf = append(buf, s.Addr[:]...)
	buf = append(buf, s.AddrType, s.SID)
	return quicvarint.Append(buf, uint64(s.BroadcastID))
}

func parseSource(r *bufReader) (session.Source, error) {
	var s session.Source
	addr, err := r.readN(6)
	if err != nil {
		return s, &ParseError{Field: "address", Err: err}
	}
	copy(s.Addr[:], addr)
	if s.AddrType, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "address_type", Err: err}
	}
	if s.SID, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "sid", Err: err}
	}
	id, err := r.readVarint()
	if err != nil {
		return s, &ParseError{Field: "broadcast_id", Err: err}
	}
	if id > 0xFFFFFF {
		return s, &ParseError{Field: "broadcast_id", Err: fmt.Errorf("0x%x exceeds 24 bits", id)}
	}
	s.BroadcastID = uint32(id)
	return s, nil
}

// SerializeSourceFound serializes a MsgSourceFound payload.
func SerializeSourceFound(s session.Source) []byte {
	return appendSource(nil, s)
}

// ParseSourceFound parses a MsgSourceFound payload.
func ParseSourceFound(data []byte) (session.Source, error) {
	return parseSource(newBufReader(data))
}

// SerializeHandle serializes a payload carrying only a sync handle
// (MsgPASynced, CmdDeletePASync, CmdCreateSink).
func SerializeHandle(h session.SyncHandle) []byte {
	return quicvarint.Append(nil, uint64(h))
}

// ParseHandle parses a payload carrying only a sync handle.
func ParseHandle(data []byte) (session.SyncHandle, error) {
	v, err := newBufReader(data).readVarint()
	if err != nil {
		return 0, &ParseError{Field: "handle", Err: err}
	}
	if v > 0xFFFF {
		return 0, &ParseError{Field: "handle", Err: fmt.Errorf("0x%x exceeds 16 bits", v)}
	}
	return session.SyncHandle(v), nil
}

// SerializePASyncTransfer serializes a MsgPASyncTransfer payload.
func SerializePASyncTransfer(h session.SyncHandle, s session.Source) []byte {
	return appendSource(SerializeHandle(h), s)
}

// ParsePASyncTransfer parses a MsgPASyncTransfer payload.
func ParsePASyncTransfer(data []byte) (session.SyncHandle, session.Source, error) {
	r := newBufReader(data)
	v, err := r.readVarint()
	if err != nil || v > 0xFFFF {
		if err == nil {
			err = fmt.Errorf("0x%x exceeds 16 bits", v)
		}
		return 0, session.Source{}, &ParseError{Field: "handle", Err: err}
	}
	src, err := parseSource(r)
	return session.SyncHandle(v), src, err
}

// ParseReason parses a one-octet reason payload (MsgPASyncLost,
// MsgStreamStopped). An empty payload means reason zero.
func ParseReason(data []byte) uint8 {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

// ParseSyncable parses a MsgSyncable payload.
func ParseSyncable(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, &ParseError{Field: "encrypted", Err: io.ErrUnexpectedEOF}
	}
	return data[0] != 0, nil
}

// ParseBroadcastCode parses a MsgBroadcastCode payload.
func ParseBroadcastCode(data []byte) (session.BroadcastCode, error) {
	var code session.BroadcastCode
	if len(data) != len(code) {
		return code, &ParseError{Field: "broadcast_code", Err: fmt.Errorf("got %d octets, want 16", len(data))}
	}
	copy(code[:], data)
	return code, nil
}

// SerializeSyncRequest serializes a MsgSyncRequest payload.
func SerializeSyncRequest(req base.SyncRequest) []byte {
	buf := quicvarint.Append(nil, uint64(len(req)))
	for _, m := range req {
		buf = quicvarint.Append(buf, uint64(m))
	}
	return buf
}

// ParseSyncRequest parses a MsgSyncRequest payload.
func ParseSyncRequest(data []byte) (base.SyncRequest, error) {
	r := newBufReader(data)
	n, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "num_subgroups", Err: err}
	}
	if n > 255 {
		return nil, &ParseError{Field: "num_subgroups", Err: fmt.Errorf("%d subgroups", n)}
	}
	req := make(base.SyncRequest, n)
	for i := range req {
		v, err := r.readVarint()
		if err != nil {
			return nil, &ParseError{Field: "bitmask", Err: err}
		}
		if v > 0xFFFFFFFF {
			return nil, &ParseError{Field: "bitmask", Err: fmt.Errorf("0x%x exceeds 32 bits", v)}
		}
		req[i] = uint32(v)
	}
	return req, nil
}

// SerializeFrame serializes a MsgFrame payload.
func SerializeFrame(f Frame) []byte {
	buf := []byte{f.BIS, byte(f.Timing.Flags)}
	buf = quicvarint.Append(buf, uint64(f.Timing.Timestamp))
	buf = quicvarint.Append(buf, uint64(f.Timing.Sequence))
	return append(buf, f.Payload...)
}

// ParseFrame parses a MsgFrame payload. The returned Payload aliases data.
func ParseFrame(data []byte) (Frame, error) {
	r := newBufReader(data)
	var f Frame
	var err error
	if f.BIS, err = r.readByte(); err != nil {
		return f, &ParseError{Field: "bis", Err: err}
	}
	flags, err := r.readByte()
	if err != nil {
		return f, &ParseError{Field: "flags", Err: err}
	}
	f.Timing.Flags = media.FrameFlags(flags)
	ts, err := r.readVarint()
	if err != nil {
		return f, &ParseError{Field: "timestamp", Err: err}
	}
	seq, err := r.readVarint()
	if err != nil {
		return f, &ParseError{Field: "sequence", Err: err}
	}
	f.Timing.Timestamp = uint32(ts)
	f.Timing.Sequence = uint16(seq)
	f.Payload = r.rest()
	return f, nil
}

// SerializeSyncStreams serializes a CmdSyncStreams payload. The code is
// present only for encrypted broadcasts.
func SerializeSyncStreams(mask uint32, code *session.BroadcastCode) []byte {
	buf := quicvarint.Append(nil, uint64(mask))
	if code == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, code[:]...)
}

// ParseSyncStreams parses a CmdSyncStreams payload.
func ParseSyncStreams(data []byte) (uint32, *session.BroadcastCode, error) {
	r := newBufReader(data)
	mask, err := r.readVarint()
	if err != nil {
		return 0, nil, &ParseError{Field: "bitmask", Err: err}
	}
	hasCode, err := r.readByte()
	if err != nil {
		return 0, nil, &ParseError{Field: "has_code", Err: err}
	}
	if hasCode == 0 {
		return uint32(mask), nil, nil
	}
	raw, err := r.readN(16)
	if err != nil {
		return 0, nil, &ParseError{Field: "broadcast_code", Err: err}
	}
	var code session.BroadcastCode
	copy(code[:], raw)
	return uint32(mask), &code, nil
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readN(n int) ([]byte, error) {
	if len(b.data)-b.pos < n {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

func (b *bufReader) rest() []byte {
	v := b.data[b.pos:]
	b.pos = len(b.data)
	return v
}
