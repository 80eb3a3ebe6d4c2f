package store

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a payload compression algorithm. The byte value is
// written as a frame tag in front of every stored value so reads are
// self-describing regardless of the writer's configuration.
type Algorithm byte

const (
	AlgorithmNone   Algorithm = 0x00
	AlgorithmSnappy Algorithm = 0x01
	AlgorithmLZ4    Algorithm = 0x02
	AlgorithmZstd   Algorithm = 0x03
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseAlgorithm converts a config string into an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return AlgorithmNone, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", name)
	}
}

// payloadCodec frames and optionally compresses stored values. Values below
// the threshold are stored uncompressed; compression on tiny JSON payloads
// costs more than it saves.
type payloadCodec struct {
	algorithm Algorithm
	threshold int

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

func newPayloadCodec(algorithm Algorithm, threshold int) (*payloadCodec, error) {
	c := &payloadCodec{
		algorithm: algorithm,
		threshold: threshold,
	}

	// zstd keeps reusable encoder/decoder state; the other codecs are
	// stateless block coders.
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.zstdEncoder = encoder
	c.zstdDecoder = decoder

	return c, nil
}

// Encode frames data with a one-byte algorithm tag, compressing when the
// payload crosses the threshold.
func (c *payloadCodec) Encode(data []byte) ([]byte, error) {
	algo := c.algorithm
	if algo == AlgorithmNone || len(data) < c.threshold {
		return append([]byte{byte(AlgorithmNone)}, data...), nil
	}

	var compressed []byte
	switch algo {
	case AlgorithmSnappy:
		compressed = snappy.Encode(nil, data)
	case AlgorithmLZ4:
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		compressed = buf.Bytes()
	case AlgorithmZstd:
		compressed = c.zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algo)
	}

	// Incompressible payloads are stored raw rather than grown.
	if len(compressed) >= len(data) {
		return append([]byte{byte(AlgorithmNone)}, data...), nil
	}

	return append([]byte{byte(algo)}, compressed...), nil
}

// Decode reverses Encode based on the frame tag.
func (c *payloadCodec) Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty framed payload")
	}

	algo := Algorithm(framed[0])
	body := framed[1:]

	switch algo {
	case AlgorithmNone:
		return body, nil
	case AlgorithmSnappy:
		data, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return data, nil
	case AlgorithmLZ4:
		reader := lz4.NewReader(bytes.NewReader(body))
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return data, nil
	case AlgorithmZstd:
		data, err := c.zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown payload frame tag: 0x%02x", framed[0])
	}
}
