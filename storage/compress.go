package storage

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// maybeCompress gzips values above the threshold. The compressed flag is
// persisted alongside the payload so a reader can always tell compressed
// from raw — the payload itself is never sniffed.
func maybeCompress(value []byte, threshold int) ([]byte, bool) {
	if threshold < 0 || len(value) <= threshold {
		return value, false
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		zw.Close()
		return value, false
	}
	if err := zw.Close(); err != nil {
		return value, false
	}

	// Incompressible payloads stay raw.
	if buf.Len() >= len(value) {
		return value, false
	}
	return buf.Bytes(), true
}

func decompress(value []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
