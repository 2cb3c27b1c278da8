package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/format"
)

func dataFileName(id chunk.ChunkID) string { return strconv.FormatUint(uint64(id), 10) }

// writeDataFile serializes entries (already in strictly ascending key
// order) into a chunk data file at dir/<id>: write to a temp file,
// compress the body if compression != CompressionNone, fsync, then
// atomically rename into place.
func writeDataFile(dir string, id chunk.ChunkID, entries []crdt.Entry, compression Compression, fileMode os.FileMode, fsync bool) error {
	body := make([]byte, 0, len(entries)*32)
	for _, e := range entries {
		rec, err := EncodeRecord(e)
		if err != nil {
			return err
		}
		body = append(body, rec...)
	}

	flags := byte(0)
	if compression != CompressionNone {
		flags = format.FlagCompressed
	}
	header := format.Header{Type: format.TypeChunkData, Version: RecordVersion, Flags: flags}.Encode()

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(header[:]); err != nil {
		cleanup()
		return err
	}
	if err := compressBody(tmp, body, compression); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(fileMode); err != nil {
		cleanup()
		return err
	}
	if fsync {
		if err := tmp.Sync(); err != nil {
			cleanup()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, filepath.Join(dir, dataFileName(id)))
}

// readDataFile loads every entry out of a chunk data file. Chunk files
// are immutable once renamed into place, so there is no concern about
// reading a half-written file the way there is for WAL segments.
// codec identifies which compression codec to use if the file's header
// reports it is compressed — the header only records the yes/no bit, a
// store's codec choice is fixed for its lifetime so the caller always
// knows which one that implies.
func readDataFile(dir string, id chunk.ChunkID, codec Compression) ([]crdt.Entry, error) {
	path := filepath.Join(dir, dataFileName(id))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var headerBuf [format.HeaderSize]byte
	if _, err := io.ReadFull(f, headerBuf[:]); err != nil {
		return nil, fmt.Errorf("chunk/file: read header of chunk %d: %w", id, err)
	}
	h, err := format.DecodeAndValidate(headerBuf[:], format.TypeChunkData, RecordVersion)
	if err != nil {
		return nil, fmt.Errorf("chunk/file: chunk %d: %w", id, err)
	}

	compression := CompressionNone
	if h.Flags&format.FlagCompressed != 0 {
		compression = codec
	}

	// The compressed body starts after the format header; a seekable
	// codec's internal offsets are relative to the body, not the file.
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(f, format.HeaderSize, info.Size()-format.HeaderSize)
	body, err := decompressBody(section, compression)
	if err != nil {
		return nil, fmt.Errorf("chunk/file: decompress chunk %d: %w", id, err)
	}

	return decodeEntries(body)
}

func decodeEntries(body []byte) ([]crdt.Entry, error) {
	var entries []crdt.Entry
	for len(body) > 0 {
		size, err := PeekSize(body)
		if err != nil {
			return nil, err
		}
		if int(size) > len(body) {
			return nil, ErrTruncatedRecord
		}
		e, err := DecodeRecord(body[:size])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		body = body[size:]
	}
	return entries, nil
}
