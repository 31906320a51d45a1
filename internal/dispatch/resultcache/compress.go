package resultcache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/scrapehive/dispatcher/pkg/types"
)

// compressionMinSize is the payload size below which compression is
// skipped; tiny payloads tend to grow when compressed.
const compressionMinSize = 256

// Marker bytes prefixing every stored value, so reads do not depend on
// the writer's configuration.
const (
	markerNone   byte = 0
	markerSnappy byte = 1
	markerLZ4    byte = 2
)

// compress wraps payload with a marker byte, compressing with the given
// algorithm when it is worth it.
func compress(payload []byte, algorithm types.CompressionAlgorithm) ([]byte, error) {
	if len(payload) < compressionMinSize || algorithm == types.CompressionNone {
		return append([]byte{markerNone}, payload...), nil
	}

	switch algorithm {
	case types.CompressionSnappy:
		return append([]byte{markerSnappy}, snappy.Encode(nil, payload)...), nil

	case types.CompressionLZ4:
		var buf bytes.Buffer
		buf.WriteByte(markerLZ4)
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

// decompress reverses compress, dispatching on the marker byte.
func decompress(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty cache value")
	}

	marker, payload := value[0], value[1:]
	switch marker {
	case markerNone:
		return payload, nil

	case markerSnappy:
		decompressed, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return decompressed, nil

	case markerLZ4:
		decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return decompressed, nil

	default:
		return nil, fmt.Errorf("unknown compression marker %d", marker)
	}
}
