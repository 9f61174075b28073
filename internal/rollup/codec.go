package rollup

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Proofs are stored zstd-compressed. Encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll and are built once.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if codecErr != nil {
		codecErr = fmt.Errorf("create zstd encoder: %w", codecErr)
		return
	}
	decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(4))
	if codecErr != nil {
		codecErr = fmt.Errorf("create zstd decoder: %w", codecErr)
	}
}

func compressProof(proof []byte) ([]byte, error) {
	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, codecErr
	}
	return encoder.EncodeAll(proof, make([]byte, 0, len(proof))), nil
}

func decompressProof(blob []byte) ([]byte, error) {
	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, codecErr
	}
	proof, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress proof: %w", err)
	}
	return proof, nil
}
