// Package jsonx holds small JSON helpers shared by the broker adapters.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// MarshalGzip JSON-encodes v and gzips the result.
func MarshalGzip(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=jsonx.marshal: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("op=jsonx.gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("op=jsonx.gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalGzip gunzips data and JSON-decodes it into v. Plain JSON input is
// accepted too, so uncompressed records remain readable.
func UnmarshalGzip(data []byte, v any) error {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("op=jsonx.gunzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("op=jsonx.gunzip: %w", err)
		}
		data = raw
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("op=jsonx.unmarshal: %w", err)
	}
	return nil
}
