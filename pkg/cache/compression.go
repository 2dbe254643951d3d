package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how page payloads are stored
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

// ErrUnknownCompression is returned for an unsupported compression codec
var ErrUnknownCompression = errors.New("unknown compression codec")

// String returns the configuration name of the codec
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("COMPRESSION(%d)", uint8(c))
	}
}

// ParseCompression converts a configuration name into a Compression
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, s)
}

// compressor holds the codec state shared by all pages of a file. The zstd
// EncodeAll and DecodeAll calls are safe for concurrent use.
type compressor struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &compressor{zstdEncoder: enc, zstdDecoder: dec}, nil
}

// compress returns the payload encoded with codec c. When compression does
// not make the payload smaller the raw bytes are returned with
// CompressionNone.
func (z *compressor) compress(c Compression, data []byte) ([]byte, Compression, error) {
	var out []byte
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionSnappy:
		out = snappy.Encode(nil, data)
	case CompressionZstd:
		out = z.zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, c, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
	if len(out) >= len(data) {
		return data, CompressionNone, nil
	}
	return out, c, nil
}

func (z *compressor) decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrChecksum, err)
		}
		return out, nil
	case CompressionZstd:
		out, err := z.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrChecksum, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
}

func (z *compressor) close() {
	z.zstdEncoder.Close()
	z.zstdDecoder.Close()
}
