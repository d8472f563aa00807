package client

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Runtime blobs are small JSON documents, sent zstd-compressed between
// daemons. Encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blobDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
)

// CompressBlob zstd-compresses a runtime blob.
func CompressBlob(data []byte) []byte {
	return blobEncoder.EncodeAll(data, make([]byte, 0, len(data)))
}

// DecompressBlob reverses CompressBlob.
func DecompressBlob(data []byte) ([]byte, error) {
	out, err := blobDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress runtime blob: %w", err)
	}
	return out, nil
}
