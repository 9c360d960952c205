package symbolizer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecompressedBytes caps the output of any decompression.
const DefaultMaxDecompressedBytes = 4 << 30

var ErrDecompressedTooLarge = errors.New("decompressed data too large")

// decompress unwraps gzip or zstd compressed data and returns anything else
// unchanged. Output beyond limit bytes is an error.
func decompress(data []byte, limit int64) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()

		decompressed, err := readAllLimited(r, limit)
		if err != nil {
			return nil, fmt.Errorf("decompress gzip data: %w", err)
		}
		return decompressed, nil
	}

	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		r, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()

		decompressed, err := readAllLimited(r, limit)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd data: %w", err)
		}
		return decompressed, nil
	}

	return data, nil
}

// readAllLimited reads r to the end and fails once more than limit bytes
// come out. A limit <= 0 means DefaultMaxDecompressedBytes.
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxDecompressedBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDecompressedTooLarge, limit)
	}
	return data, nil
}
