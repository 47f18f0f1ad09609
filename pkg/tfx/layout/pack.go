package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fortiblox/tfxvm/internal/types"
)

// Pack returns the constant buffer blob for the given registers. Bytes not
// covered by any entry, and entries whose registers are missing, are zero.
func Pack(registers []types.Vec4, b *OutputBinding) []byte {
	dst := make([]byte, b.Size)
	pack(dst, registers, b)
	return dst
}

// PackInto packs into dst, which must hold at least b.Size bytes. The
// first b.Size bytes of dst are overwritten entirely.
func PackInto(dst []byte, registers []types.Vec4, b *OutputBinding) error {
	if len(dst) < int(b.Size) {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(dst), b.Size)
	}
	dst = dst[:b.Size]
	clear(dst)
	pack(dst, registers, b)
	return nil
}

func pack(dst []byte, registers []types.Vec4, b *OutputBinding) {
	for _, e := range b.Entries {
		if e.Matrix {
			if e.Register+4 > len(registers) {
				continue
			}
			r := e.Register
			m := types.Mat4{registers[r], registers[r+1], registers[r+2], registers[r+3]}
			if e.RowMajor {
				m = m.Transpose()
			}
			for i, v := range m {
				putVec(dst[e.Offset+uint32(i)*RowSize:], v, 4)
			}
			continue
		}
		if e.Register >= len(registers) {
			continue
		}
		putVec(dst[e.Offset:], registers[e.Register], e.Components)
	}
}

// putVec writes the first n lanes of v as little-endian float32.
func putVec(dst []byte, v types.Vec4, n int) {
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v[i]))
	}
}
