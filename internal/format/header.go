// Package format provides the shared binary record header used by every
// on-disk structure in this engine (chunk data files, chunk metadata,
// WAL records). Giving every file format the same 4-byte prefix lets a
// single decoder validate "is this mine, and which version" before any
// structure-specific parsing happens.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'c' = 0x63)
//	type (1 byte, identifies the structure that follows)
//	version (1 byte)
//	flags (1 byte, structure-specific bits)
const (
	Signature  = 'c'
	HeaderSize = 4

	TypeChunkData = 'd' // chunk/file data file (sorted Data/Tombstone entries)
	TypeChunkMeta = 'm' // chunk/file meta.bin
	TypeWALRecord = 'w' // wal segment record
	TypeWireHello = 'h' // wire protocol connection preamble

	// FlagCompressed marks a chunk data file as compressed.
	// Only meaningful on TypeChunkData headers.
	FlagCompressed byte = 0x01
)

var (
	ErrHeaderTooSmall    = errors.New("format: header too small")
	ErrSignatureMismatch = errors.New("format: signature mismatch")
	ErrTypeMismatch      = errors.New("format: type mismatch")
	ErrVersionMismatch   = errors.New("format: version mismatch")
)

// Header represents the common 4-byte prefix shared by every file format
// in this engine.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode returns the 4-byte encoded form.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// EncodeInto writes the header at buf[0:HeaderSize] and returns HeaderSize.
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Type
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode reads a header from buf, checking only the signature byte.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{Type: buf[1], Version: buf[2], Flags: buf[3]}, nil
}

// DecodeAndValidate reads a header and checks it matches the expected
// type and version.
func DecodeAndValidate(buf []byte, expectedType, expectedVersion byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type != expectedType {
		return Header{}, ErrTypeMismatch
	}
	if h.Version != expectedVersion {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
