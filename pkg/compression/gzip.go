package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressor gzips message payloads before they go on the wire. The
// zero value frames payloads without compressing them; use
// NewCompressor for the default level.
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a compressor at the default compression level.
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: gzip.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a compressor at the given level.
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// Compress gzips data. Small payloads can come out larger than they
// went in; the transport client decides whether compression applies.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("compressing payload: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("flushing gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress gunzips data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading gzip header: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}

	return buf.Bytes(), nil
}
