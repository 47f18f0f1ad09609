package rpc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestDecodeBlob(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 64)
	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		encoded := EncodeBlob(data, enc)
		got, err := DecodeBlob(encoded[0], Encoding(encoded[1]))
		if err != nil {
			t.Fatalf("DecodeBlob(%s) failed: %v", enc, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("DecodeBlob(%s) returned %d bytes, want %d", enc, len(got), len(data))
		}
	}
}

func TestDecodeBlobTooLarge(t *testing.T) {
	compressed := encoder.EncodeAll(make([]byte, MaxBlobSize+1), nil)
	encoded := base64.StdEncoding.EncodeToString(compressed)

	if _, err := DecodeBlob(encoded, EncodingBase64Zstd); !errors.Is(err, ErrBlobTooLarge) {
		t.Errorf("DecodeBlob() error = %v, want ErrBlobTooLarge", err)
	}

	if _, err := DecodeBlob(base64.StdEncoding.EncodeToString([]byte("not zstd")), EncodingBase64Zstd); err == nil {
		t.Error("DecodeBlob() of invalid zstd succeeded")
	}
}
