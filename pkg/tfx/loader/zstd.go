package loader

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared codecs; EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
)

// decompress inflates a container body. Output past MaxBodySize is refused
// before it is allocated.
func decompress(body []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(body, nil)
	switch {
	case errors.Is(err, zstd.ErrDecoderSizeExceeded), errors.Is(err, zstd.ErrWindowSizeExceeded):
		return nil, ErrTooLarge
	case err != nil:
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidContainer, err)
	case len(out) > MaxBodySize:
		return nil, ErrTooLarge
	}
	return out, nil
}
