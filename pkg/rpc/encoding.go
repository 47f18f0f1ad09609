package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// MaxBlobSize bounds a decompressed base64+zstd blob.
const MaxBlobSize = 1 << 20

// ErrBlobTooLarge is returned when a blob inflates past MaxBlobSize.
var ErrBlobTooLarge = errors.New("blob too large")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBlobSize))
)

// EncodeBlob encodes a packed blob as [data, encoding].
func EncodeBlob(data []byte, encoding Encoding) []string {
	switch encoding {
	case EncodingBase58:
		return []string{base58.Encode(data), string(EncodingBase58)}

	case EncodingBase64Zstd:
		compressed := encoder.EncodeAll(data, nil)
		return []string{base64.StdEncoding.EncodeToString(compressed), string(EncodingBase64Zstd)}

	default:
		return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}
	}
}

// DecodeBlob decodes blob data from the specified encoding.
func DecodeBlob(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		data, err := decoder.DecodeAll(compressed, nil)
		switch {
		case errors.Is(err, zstd.ErrDecoderSizeExceeded), errors.Is(err, zstd.ErrWindowSizeExceeded):
			return nil, ErrBlobTooLarge
		case err != nil:
			return nil, fmt.Errorf("zstd decode failed: %w", err)
		case len(data) > MaxBlobSize:
			return nil, ErrBlobTooLarge
		}
		return data, nil

	default:
		return base64.StdEncoding.DecodeString(encoded)
	}
}

// ParseEncoding parses an encoding string to Encoding type.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "base64":
		return EncodingBase64, nil
	case "base58":
		return EncodingBase58, nil
	case "base64+zstd":
		return EncodingBase64Zstd, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", s)
	}
}
