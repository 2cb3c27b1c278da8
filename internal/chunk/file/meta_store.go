package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"crdtstore/internal/chunk"
	"crdtstore/internal/format"
)

const currentMetaVersion = 0x01

var ErrMetaTooSmall = errors.New("chunk/file: meta record too small")

// metaFileName is <id>.meta inside the store's meta directory: one flat
// metadata file per chunk, since a chunk is a single content-addressed
// file rather than a directory of files.
func metaFileName(id chunk.ChunkID) string {
	return strconv.FormatUint(uint64(id), 10) + ".meta"
}

// MetaStore persists chunk.ChunkMeta as small binary records, atomically
// written via temp-file-then-rename.
type MetaStore struct {
	dir      string
	fileMode os.FileMode
}

func NewMetaStore(dir string, fileMode os.FileMode) (*MetaStore, error) {
	if fileMode == 0 {
		fileMode = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MetaStore{dir: dir, fileMode: fileMode}, nil
}

func (s *MetaStore) Save(meta chunk.ChunkMeta) error {
	data := encodeMeta(meta)
	tmp, err := os.CreateTemp(s.dir, "meta-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if err := tmp.Chmod(s.fileMode); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(s.dir, metaFileName(meta.ID)))
}

func (s *MetaStore) Delete(id chunk.ChunkID) error {
	err := os.Remove(filepath.Join(s.dir, metaFileName(id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *MetaStore) Load(id chunk.ChunkID) (chunk.ChunkMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, metaFileName(id)))
	if err != nil {
		return chunk.ChunkMeta{}, err
	}
	return decodeMeta(data)
}

func (s *MetaStore) List() ([]chunk.ChunkMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	metas := make([]chunk.ChunkMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		meta, err := decodeMeta(data)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// encodeMeta lays out a ChunkMeta record:
//
//	header (4 bytes, type=TypeChunkMeta)
//	chunkID   u64
//	count     u32
//	bytes     i64
//	minKeyLen u32, minKey
//	maxKeyLen u32, maxKey
func encodeMeta(meta chunk.ChunkMeta) []byte {
	size := format.HeaderSize + 8 + 4 + 8 + 4 + len(meta.MinKey) + 4 + len(meta.MaxKey)
	buf := make([]byte, size)

	flags := byte(0)
	if meta.Compressed {
		flags = format.FlagCompressed
	}
	h := format.Header{Type: format.TypeChunkMeta, Version: currentMetaVersion, Flags: flags}
	cursor := h.EncodeInto(buf)

	binary.LittleEndian.PutUint64(buf[cursor:], uint64(meta.ID))
	cursor += 8
	binary.LittleEndian.PutUint32(buf[cursor:], meta.Count)
	cursor += 4
	binary.LittleEndian.PutUint64(buf[cursor:], uint64(meta.Bytes))
	cursor += 8
	binary.LittleEndian.PutUint32(buf[cursor:], uint32(len(meta.MinKey)))
	cursor += 4
	cursor += copy(buf[cursor:], meta.MinKey)
	binary.LittleEndian.PutUint32(buf[cursor:], uint32(len(meta.MaxKey)))
	cursor += 4
	copy(buf[cursor:], meta.MaxKey)

	return buf
}

func decodeMeta(buf []byte) (chunk.ChunkMeta, error) {
	if len(buf) < format.HeaderSize+8+4+8+4+4 {
		return chunk.ChunkMeta{}, ErrMetaTooSmall
	}
	h, err := format.DecodeAndValidate(buf, format.TypeChunkMeta, currentMetaVersion)
	if err != nil {
		return chunk.ChunkMeta{}, fmt.Errorf("chunk/file: meta header: %w", err)
	}
	cursor := format.HeaderSize

	id := binary.LittleEndian.Uint64(buf[cursor:])
	cursor += 8
	count := binary.LittleEndian.Uint32(buf[cursor:])
	cursor += 4
	size := int64(binary.LittleEndian.Uint64(buf[cursor:]))
	cursor += 8

	minLen := int(binary.LittleEndian.Uint32(buf[cursor:]))
	cursor += 4
	if cursor+minLen > len(buf) {
		return chunk.ChunkMeta{}, ErrMetaTooSmall
	}
	minKey := append([]byte(nil), buf[cursor:cursor+minLen]...)
	cursor += minLen

	if cursor+4 > len(buf) {
		return chunk.ChunkMeta{}, ErrMetaTooSmall
	}
	maxLen := int(binary.LittleEndian.Uint32(buf[cursor:]))
	cursor += 4
	if cursor+maxLen > len(buf) {
		return chunk.ChunkMeta{}, ErrMetaTooSmall
	}
	maxKey := append([]byte(nil), buf[cursor:cursor+maxLen]...)

	return chunk.ChunkMeta{
		ID:         chunk.ChunkID(id),
		Count:      count,
		MinKey:     minKey,
		MaxKey:     maxKey,
		Bytes:      size,
		Compressed: h.Flags&format.FlagCompressed != 0,
	}, nil
}
