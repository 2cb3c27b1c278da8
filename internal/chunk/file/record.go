package file

import (
	"encoding/binary"
	"errors"
	"math"

	"crdtstore/internal/crdt"
)

// Record layout (size-prefixed at both ends, so a truncated tail is
// detectable from either direction during a crash-recovery scan):
//
//	size       u32  (total record length, this field included)
//	magic      1 byte
//	version    1 byte
//	kind       1 byte (0 = data, 1 = tombstone)
//	timestamp  u64
//	keyLen     u32
//	stateLen   u32  (always 0 for a tombstone)
//	key        keyLen bytes
//	state      stateLen bytes
//	size       u32  (repeated, for backward scans / truncation checks)
const (
	RecordMagic   = 0x63
	RecordVersion = 0x01

	sizeFieldBytes  = 4
	magicBytes      = 1
	versionBytes    = 1
	kindBytes       = 1
	timestampBytes  = 8
	keyLenBytes     = 4
	stateLenBytes   = 4
	recordHeadBytes = sizeFieldBytes + magicBytes + versionBytes + kindBytes + timestampBytes + keyLenBytes + stateLenBytes

	MinRecordSize = recordHeadBytes + sizeFieldBytes
)

var (
	ErrRecordTooSmall   = errors.New("chunk/file: record too small")
	ErrRecordTooLarge   = errors.New("chunk/file: record too large")
	ErrMagicMismatch    = errors.New("chunk/file: record magic mismatch")
	ErrVersionMismatch  = errors.New("chunk/file: record version mismatch")
	ErrSizeMismatch     = errors.New("chunk/file: record size mismatch")
	ErrLengthMismatch   = errors.New("chunk/file: record key/state length mismatch")
	ErrTruncatedRecord  = errors.New("chunk/file: truncated record")
)

func recordSize(keyLen, stateLen int) (uint32, error) {
	total := uint64(MinRecordSize) + uint64(keyLen) + uint64(stateLen)
	if total > math.MaxUint32 {
		return 0, ErrRecordTooLarge
	}
	return uint32(total), nil
}

// EncodeRecord serializes a single entry using the fixed binary layout
// described above: stable across minor versions, fixed-width enough to
// be memory-mappable and key-comparable without a full unmarshal. The
// same encoding is used on disk, in WAL records, and on the wire.
func EncodeRecord(e crdt.Entry) ([]byte, error) {
	stateLen := len(e.State)
	if e.IsTombstone() {
		stateLen = 0
	}
	size, err := recordSize(len(e.Key), stateLen)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	cursor := 0
	binary.LittleEndian.PutUint32(buf[cursor:], size)
	cursor += sizeFieldBytes
	buf[cursor] = RecordMagic
	cursor += magicBytes
	buf[cursor] = RecordVersion
	cursor += versionBytes
	buf[cursor] = byte(e.Kind)
	cursor += kindBytes
	binary.LittleEndian.PutUint64(buf[cursor:], e.Timestamp)
	cursor += timestampBytes
	binary.LittleEndian.PutUint32(buf[cursor:], uint32(len(e.Key)))
	cursor += keyLenBytes
	binary.LittleEndian.PutUint32(buf[cursor:], uint32(stateLen))
	cursor += stateLenBytes
	cursor += copy(buf[cursor:], e.Key)
	if stateLen > 0 {
		cursor += copy(buf[cursor:], e.State)
	}
	binary.LittleEndian.PutUint32(buf[cursor:], size)

	return buf, nil
}

// DecodeRecord parses exactly one record from buf, which must be
// precisely one record's worth of bytes (len(buf) is trusted as the
// record's size — callers read the leading size field first to know
// how many bytes to read before calling this).
func DecodeRecord(buf []byte) (crdt.Entry, error) {
	if len(buf) < MinRecordSize {
		return crdt.Entry{}, ErrRecordTooSmall
	}
	size := binary.LittleEndian.Uint32(buf[:sizeFieldBytes])
	if size != uint32(len(buf)) {
		return crdt.Entry{}, ErrSizeMismatch
	}
	cursor := sizeFieldBytes
	if buf[cursor] != RecordMagic {
		return crdt.Entry{}, ErrMagicMismatch
	}
	cursor += magicBytes
	if buf[cursor] != RecordVersion {
		return crdt.Entry{}, ErrVersionMismatch
	}
	cursor += versionBytes
	kind := crdt.Kind(buf[cursor])
	cursor += kindBytes
	ts := binary.LittleEndian.Uint64(buf[cursor:])
	cursor += timestampBytes
	keyLen := binary.LittleEndian.Uint32(buf[cursor:])
	cursor += keyLenBytes
	stateLen := binary.LittleEndian.Uint32(buf[cursor:])
	cursor += stateLenBytes

	end := cursor + int(keyLen) + int(stateLen)
	if end+sizeFieldBytes != len(buf) {
		return crdt.Entry{}, ErrLengthMismatch
	}

	key := make([]byte, keyLen)
	copy(key, buf[cursor:cursor+int(keyLen)])
	cursor += int(keyLen)

	var state []byte
	if stateLen > 0 {
		state = make([]byte, stateLen)
		copy(state, buf[cursor:cursor+int(stateLen)])
		cursor += int(stateLen)
	}

	trailing := binary.LittleEndian.Uint32(buf[cursor:])
	if trailing != size {
		return crdt.Entry{}, ErrSizeMismatch
	}

	return crdt.Entry{Key: key, Timestamp: ts, State: state, Kind: kind}, nil
}

// PeekSize reads just the leading size field, so a streaming reader can
// decide how many more bytes to pull before calling DecodeRecord.
func PeekSize(prefix []byte) (uint32, error) {
	if len(prefix) < sizeFieldBytes {
		return 0, ErrRecordTooSmall
	}
	return binary.LittleEndian.Uint32(prefix[:sizeFieldBytes]), nil
}
