// Package compression encodes stored payloads as JSON and gzips the large
// ones.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// DefaultThreshold is the payload size above which Codec compresses.
const DefaultThreshold = 1024

// Compressor handles data compression and decompression
type Compressor struct {
	// Threshold in bytes above which compression is applied
	Threshold int
}

// Compress gzips data when it is larger than the threshold.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) <= c.Threshold {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress. Input without the gzip magic number is
// returned unchanged.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}

	return decompressed, nil
}

// IsCompressed reports whether data starts with the gzip magic number.
// JSON text never does.
func IsCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Codec turns values into stored payloads and back.
type Codec struct {
	compressor Compressor
}

// NewCodec returns a codec compressing payloads above threshold bytes. A
// negative threshold disables compression.
func NewCodec(threshold int) *Codec {
	if threshold < 0 {
		threshold = int(^uint(0) >> 1)
	}
	return &Codec{compressor: Compressor{Threshold: threshold}}
}

// Encode marshals v and compresses the result when it is large.
func (c *Codec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.compressor.Compress(data)
}

// Decode decompresses data if needed and unmarshals it into v.
func (c *Codec) Decode(data []byte, v any) error {
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
