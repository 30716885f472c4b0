package zio

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/blockpool/blockpool/pkg/types"
)

// computeChecksum fills a 256-bit checksum for data under the given
// algorithm. The fast algorithm packs a 64-bit digest into word zero;
// the strong algorithm fills all four words and is collision resistant
// enough to key the dedup table.
func computeChecksum(kind types.ChecksumKind, data []byte) types.Checksum {
	var cs types.Checksum
	switch kind {
	case types.ChecksumXXHash64:
		cs[0] = xxhash.Sum64(data)
	case types.ChecksumSHA256:
		sum := sha256.Sum256(data)
		cs[0] = binary.BigEndian.Uint64(sum[0:8])
		cs[1] = binary.BigEndian.Uint64(sum[8:16])
		cs[2] = binary.BigEndian.Uint64(sum[16:24])
		cs[3] = binary.BigEndian.Uint64(sum[24:32])
	}
	return cs
}
