package file

import (
	"fmt"
	"io"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the framed codec a chunk body is written with,
// fixed at store creation.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionBrotli
)

var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("chunk/file: init zstd decoder: " + err.Error())
	}
}

// compressBody compresses a chunk body (everything after the format
// header) with the selected codec. zstd uses seekable framing so a
// future random-access reader over a chunk's body only has to
// decompress the frame(s) it needs instead of the whole file; brotli is
// a plain one-shot stream, offered as the alternate codec.
func compressBody(w io.Writer, body []byte, c Compression) error {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		defer enc.Close()
		sw, err := seekable.NewWriter(w, enc)
		if err != nil {
			return err
		}
		const frameSize = 256 << 10
		for off := 0; off < len(body); off += frameSize {
			end := off + frameSize
			if end > len(body) {
				end = len(body)
			}
			if _, err := sw.Write(body[off:end]); err != nil {
				sw.Close()
				return err
			}
		}
		return sw.Close()
	case CompressionBrotli:
		bw := brotli.NewWriter(w)
		if _, err := bw.Write(body); err != nil {
			bw.Close()
			return err
		}
		return bw.Close()
	default:
		_, err := w.Write(body)
		return err
	}
}

// decompressBody reverses compressBody given the FlagCompressed state
// read from a chunk's header. Chunk file headers don't record which
// codec wrote them (there is exactly one active codec per store for its
// lifetime, set at construction), so the caller supplies it.
func decompressBody(r io.Reader, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		sr, ok := r.(io.ReadSeeker)
		if !ok {
			return nil, fmt.Errorf("chunk/file: zstd body reader must support seeking")
		}
		reader, err := seekable.NewReader(sr, zstdDecoder)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case CompressionBrotli:
		return io.ReadAll(brotli.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}
