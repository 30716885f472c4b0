package zio

import (
	"encoding/binary"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/blockpool/blockpool/internal/buffer"
	"github.com/blockpool/blockpool/pkg/errors"
	"github.com/blockpool/blockpool/pkg/types"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1), zstd.WithWindowSize(1<<20))
	zstdDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1))
)

// compressHeaderSize prefixes every compressed physical block with the exact
// compressed length, since the block itself is padded out to the allocation
// granularity and the decoders reject trailing bytes.
const compressHeaderSize = 4

func isZeroes(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// compressData compresses src with the requested algorithm. It returns the
// algorithm actually recorded, the compressed payload (a pooled buffer when
// effective is not CompressOff), and the allocation-rounded physical size.
// Compression is abandoned unless the rounded result is strictly smaller
// than the input. An all-zero block compresses to nothing at all, even with
// compression disabled: holes never reach a device.
func compressData(kind types.CompressKind, src []byte, pool *buffer.BytePool) (types.CompressKind, []byte, int64) {
	lsize := int64(len(src))
	if isZeroes(src) {
		return types.CompressEmpty, nil, 0
	}
	if kind == types.CompressOff {
		return types.CompressOff, nil, lsize
	}

	var out []byte
	switch kind {
	case types.CompressS2:
		out = s2.Encode(nil, src)
	case types.CompressZstd:
		out = zstdEncoder.EncodeAll(src, nil)
	default:
		return types.CompressOff, nil, lsize
	}

	psize := roundup(compressHeaderSize+int64(len(out)), types.MinBlockSize)
	if psize >= lsize {
		return types.CompressOff, nil, lsize
	}
	buf := pool.Get(int(psize))[:psize]
	binary.BigEndian.PutUint32(buf[:compressHeaderSize], uint32(len(out)))
	copy(buf[compressHeaderSize:], out)
	for i := compressHeaderSize + len(out); i < int(psize); i++ {
		buf[i] = 0
	}
	return kind, buf, psize
}

// decompressData expands src (psize bytes of physical payload) into dst,
// which must be exactly the logical size recorded at write time.
func decompressData(kind types.CompressKind, src, dst []byte) error {
	if kind == types.CompressEmpty {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	if len(src) < compressHeaderSize {
		return errors.NewError(errors.ErrCodeDecompress, "truncated compressed block")
	}
	clen := int(binary.BigEndian.Uint32(src[:compressHeaderSize]))
	if clen > len(src)-compressHeaderSize {
		return errors.Newf(errors.ErrCodeDecompress,
			"compressed length %d exceeds block size %d", clen, len(src))
	}
	payload := src[compressHeaderSize : compressHeaderSize+clen]

	switch kind {
	case types.CompressS2:
		out, err := s2.Decode(nil, payload)
		if err != nil {
			return errors.NewError(errors.ErrCodeDecompress, "s2 decode failed").
				WithCause(err)
		}
		if len(out) != len(dst) {
			return errors.Newf(errors.ErrCodeDecompress,
				"decoded %d bytes, want %d", len(out), len(dst))
		}
		copy(dst, out)
		return nil
	case types.CompressZstd:
		out, err := zstdDecoder.DecodeAll(payload, dst[:0])
		if err != nil {
			return errors.NewError(errors.ErrCodeDecompress, "zstd decode failed").
				WithCause(err)
		}
		if len(out) != len(dst) {
			return errors.Newf(errors.ErrCodeDecompress,
				"decoded %d bytes, want %d", len(out), len(dst))
		}
		return nil
	default:
		return errors.Newf(errors.ErrCodeDecompress,
			"unknown compression %d", kind)
	}
}

func roundup(n, align int64) int64 {
	return (n + align - 1) / align * align
}
