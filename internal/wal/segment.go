// Package wal implements the write-ahead log: rolling segment files
// that absorb writes synchronously, plus a background Drainer that
// sorts, merges, and uploads finalized segments to a chunk.Manager.
// Segment framing reuses the chunk/file entry codec (the same fixed
// binary Data/Tombstone layout) wrapped in an outer length+checksum
// record.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"crdtstore/internal/chunk/file"
	"crdtstore/internal/crdt"
	"crdtstore/internal/format"
)

const (
	segmentVersion = 0x01

	finalSuffix = ".final"
)

var (
	// ErrTruncatedSegment names a partial record at EOF. readSegment does
	// not return it: its scan stops at such a tail and discards it
	// silently.
	ErrTruncatedSegment = errors.New("wal: truncated segment tail")

	ErrChecksumMismatch = errors.New("wal: record checksum mismatch")
)

// segmentFileName builds <generation>.<sequence>, with .final appended
// once the segment is rotated out from under the active writer.
func segmentFileName(generation string, seq int, final bool) string {
	name := fmt.Sprintf("%s.%06d", generation, seq)
	if final {
		name += finalSuffix
	}
	return name
}

// parseSegmentName splits a <generation>.<sequence>[.final] segment file
// name into its generation, sequence and whether it is finalized; ok is
// false for any other name. The Drainer uses it to find work.
func parseSegmentName(name string) (generation string, seq int, final bool, ok bool) {
	final = strings.HasSuffix(name, finalSuffix)
	base := strings.TrimSuffix(name, finalSuffix)
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		return "", 0, false, false
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return "", 0, false, false
	}
	return base[:idx], n, final, true
}

// appendRecord writes one outer-framed record: length(u32) || crc32(u32)
// || the chunk/file entry encoding of e. length covers everything after
// itself (checksum + record).
func appendRecord(w io.Writer, e crdt.Entry) (int, error) {
	rec, err := file.EncodeRecord(e)
	if err != nil {
		return 0, err
	}
	sum := crc32.ChecksumIEEE(rec)

	buf := make([]byte, 4+4+len(rec))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(4+len(rec)))
	binary.LittleEndian.PutUint32(buf[4:8], sum)
	copy(buf[8:], rec)

	n, err := w.Write(buf)
	return n, err
}

// writeSegmentHeader writes the shared format.Header every on-disk
// structure in this engine opens with.
func writeSegmentHeader(w io.Writer) error {
	h := format.Header{Type: format.TypeWALRecord, Version: segmentVersion}
	enc := h.Encode()
	_, err := w.Write(enc[:])
	return err
}

// readSegment decodes every well-formed record in a segment file,
// stopping (without error) at the first truncated or checksum-mismatched
// record — a crash can leave a half-written trailing record, and that
// tail must be silently discarded rather than failing the whole
// recovery.
func readSegment(path string) ([]crdt.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var headerBuf [format.HeaderSize]byte
	if len(data) < format.HeaderSize {
		return nil, nil
	}
	copy(headerBuf[:], data[:format.HeaderSize])
	if _, err := format.DecodeAndValidate(headerBuf[:], format.TypeWALRecord, segmentVersion); err != nil {
		return nil, fmt.Errorf("wal: segment header %s: %w", path, err)
	}
	body := data[format.HeaderSize:]

	var entries []crdt.Entry
	for len(body) > 0 {
		if len(body) < 8 {
			break // truncated length/checksum prefix; discard tail.
		}
		length := binary.LittleEndian.Uint32(body[0:4])
		sum := binary.LittleEndian.Uint32(body[4:8])
		total := 8 + int(length) - 4
		if total > len(body) || length < 4 {
			break // truncated record; discard tail.
		}
		rec := body[8 : 8+int(length)-4]
		if crc32.ChecksumIEEE(rec) != sum {
			break // torn write; discard tail.
		}
		e, err := file.DecodeRecord(rec)
		if err != nil {
			break
		}
		entries = append(entries, e)
		body = body[total:]
	}
	return entries, nil
}

// RotationPolicy decides when the active segment should roll: by size,
// entry count, or age, whichever triggers first.
type RotationPolicy struct {
	MaxBytes   int64
	MaxEntries int64
	MaxAge     time.Duration
}

// SegmentState tracks the active segment's size for rotation decisions.
type SegmentState struct {
	Bytes   int64
	Entries int64
	Opened  time.Time
}

// ShouldRotate reports whether appending one more record (recordBytes
// long) should trigger a roll before or after the append — callers
// check this before writing so a rotate never splits a record across
// two segments.
func (p RotationPolicy) ShouldRotate(state SegmentState, recordBytes int, now time.Time) bool {
	if p.MaxBytes > 0 && state.Bytes+int64(recordBytes) > p.MaxBytes {
		return true
	}
	if p.MaxEntries > 0 && state.Entries+1 > p.MaxEntries {
		return true
	}
	if p.MaxAge > 0 && !state.Opened.IsZero() && now.Sub(state.Opened) >= p.MaxAge {
		return true
	}
	return false
}

// recordEncodedSize previews how many bytes appendRecord would write,
// so RotationPolicy can be consulted before committing the write.
func recordEncodedSize(e crdt.Entry) (int, error) {
	rec, err := file.EncodeRecord(e)
	if err != nil {
		return 0, err
	}
	return 8 + len(rec), nil
}
