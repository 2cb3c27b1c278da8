// Package wire implements the node-to-node network protocol: a
// length-framed request/response exchange over a plain net.Conn,
// opening with a signed node-identity handshake and then carrying the
// same five Local Storage Node operations (Upload, Download, Take,
// Remove, Ping) that internal/localstore exposes in-process. Bulk entry
// transfer reuses the chunk/file binary entry codec so a chunk
// downloaded over the wire decodes with the exact same function that
// reads it off disk.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"crdtstore/internal/chunk/file"
	"crdtstore/internal/crdt"
	"crdtstore/internal/format"
)

// ProtocolVersion is the wire handshake version. A server refuses a
// client whose version it does not recognize rather than guessing at
// compatibility.
const ProtocolVersion byte = 1

// maxEnvelopeSize bounds a single control-message frame. Control
// envelopes are small (a handshake token, a since-watermark, an error
// string); there is no legitimate reason for one to approach this, so
// an oversized length prefix is treated as a protocol violation rather
// than an allocation hazard.
const maxEnvelopeSize = 64 << 10

// ErrProtocol marks a malformed or out-of-sequence exchange: a bad
// magic/version preamble, an envelope that doesn't decode, or a
// request type arriving where a different one was expected.
var ErrProtocol = errors.New("wire: protocol error")

// msgType discriminates the single envelope struct below into the
// protocol's logical messages.
type msgType byte

const (
	msgHandshake msgType = iota
	msgHandshakeRejected
	msgUpload
	msgUploadAck
	msgDownload
	msgDownloadStarted
	msgTake
	msgTakeStarted
	msgTakeAck
	msgRemove
	msgRemoveAck
	msgPing
	msgPong
	msgError
)

// envelope is the one control-message shape every request and response
// in the protocol uses, msgpack-encoded. Unused fields are simply left
// zero for a given Type — a single struct keeps the framing and
// (de)serialization code in one place instead of one type per message.
type envelope struct {
	Type    msgType
	Since   uint64 // Download request: only entries newer than this.
	NodeID  string // Handshake request: claimed identity.
	Token   string // Handshake request: signed proof of that identity.
	Version byte   // Handshake request/response: protocol version.
	Message string // Error/rejection detail.
}

// writeFrame writes a length-prefixed (u32 big-endian) payload.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed payload, rejecting anything
// larger than maxSize as a protocol violation rather than allocating on
// the caller's behalf.
func readFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, n, maxSize)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeEnvelope(w io.Writer, e envelope) error {
	payload, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	return writeFrame(w, payload)
}

func readEnvelope(r io.Reader) (envelope, error) {
	payload, err := readFrame(r, maxEnvelopeSize)
	if err != nil {
		return envelope{}, err
	}
	var e envelope
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	return e, nil
}

// writeHello writes the 4-byte connection preamble every wire
// connection opens with, ahead of the handshake envelope — the same
// signature-type-version prefix every on-disk structure in this engine
// uses, so a misdirected connection (e.g. an HTTP client hitting this
// port) fails fast on the first four bytes instead of deep inside
// msgpack decoding.
func writeHello(w io.Writer) error {
	h := format.Header{Type: format.TypeWireHello, Version: ProtocolVersion}
	enc := h.Encode()
	_, err := w.Write(enc[:])
	return err
}

func readHello(r io.Reader) error {
	var buf [format.HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if _, err := format.DecodeAndValidate(buf[:], format.TypeWireHello, ProtocolVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// writeEntry writes one bulk-stream element. Entry records are already
// self-delimiting (chunk/file.EncodeRecord embeds a leading length), so
// the bulk stream has no separate outer frame — it's read back with
// readEntry below until the zero-length terminator.
func writeEntry(w io.Writer, e crdt.Entry) error {
	rec, err := file.EncodeRecord(e)
	if err != nil {
		return err
	}
	_, err = w.Write(rec)
	return err
}

// writeStreamEnd writes the zero-length record that terminates a bulk
// entry stream.
func writeStreamEnd(w io.Writer) error {
	var zero [4]byte
	_, err := w.Write(zero[:])
	return err
}

// readEntry reads one bulk-stream element, reporting ok=false (no
// error) at the stream terminator.
func readEntry(r *bufio.Reader) (crdt.Entry, bool, error) {
	prefix, err := r.Peek(4)
	if err != nil {
		return crdt.Entry{}, false, err
	}
	size, err := file.PeekSize(prefix)
	if err != nil {
		return crdt.Entry{}, false, err
	}
	if size == 0 {
		if _, err := r.Discard(4); err != nil {
			return crdt.Entry{}, false, err
		}
		return crdt.Entry{}, false, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return crdt.Entry{}, false, err
	}
	e, err := file.DecodeRecord(buf)
	if err != nil {
		return crdt.Entry{}, false, fmt.Errorf("%w: decode stream entry: %v", ErrProtocol, err)
	}
	return e, true, nil
}

// streamSource adapts a connection's bulk entry stream into a
// crdt.Source, used for both the download and take read paths.
type streamSource struct {
	r    *bufio.Reader
	done bool
}

func (s *streamSource) Next() (crdt.Entry, bool, error) {
	if s.done {
		return crdt.Entry{}, false, nil
	}
	e, ok, err := readEntry(s.r)
	if err != nil || !ok {
		s.done = true
	}
	return e, ok, err
}

var _ crdt.Source = (*streamSource)(nil)
