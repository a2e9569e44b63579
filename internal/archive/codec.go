package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// codec applies the per-format shuffle pre-filter from shuffle.go, then a
// dictionary-free byte-oriented compressor. zstd is the nearest real,
// pack-attested dependency to the Blosc-family codec spec.md §4.1 calls
// for; it is dictionary-free in the mode used here (no shared dictionary
// across chunks, matching Blosc's per-block independence).
type codec struct {
	format   ChannelFormat
	elemSize int
	shuffle  Shuffle
}

func newCodec(format ChannelFormat) codec {
	return codec{format: format, elemSize: typeSizeFor(format), shuffle: shuffleFor(format)}
}

// encode shuffles then compresses n elements' worth of raw bytes.
func (c codec) encode(raw []byte) ([]byte, error) {
	shuffled := raw
	switch c.shuffle {
	case ByteShuffleKind:
		shuffled = ByteShuffle(raw, c.elemSize)
	case BitShuffleKind:
		shuffled = BitShuffle(raw, c.elemSize)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("archive: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(shuffled, nil), nil
}

// decode reverses encode. n is the element count, needed to undo bit
// shuffling (which is not byte-boundary reversible without it).
func (c codec) decode(compressed []byte, n int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: new zstd decoder: %w", err)
	}
	defer dec.Close()
	shuffled, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: zstd decode: %w", err)
	}

	switch c.shuffle {
	case ByteShuffleKind:
		return ByteUnshuffle(shuffled, c.elemSize), nil
	case BitShuffleKind:
		return BitUnshuffle(shuffled, c.elemSize, n), nil
	default:
		return shuffled, nil
	}
}
