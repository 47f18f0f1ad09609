package layout

import (
	"fmt"
	"strings"
)

// Entry places one output register (four for matrices) in the blob.
type Entry struct {
	Field      string `json:"field"`
	Element    int    `json:"element"`
	Register   int    `json:"register"`
	Offset     uint32 `json:"offset"`
	Components int    `json:"components"`
	Matrix     bool   `json:"matrix,omitempty"`
	RowMajor   bool   `json:"rowMajor,omitempty"`
}

// End returns the byte offset just past the entry.
func (e Entry) End() uint32 {
	return e.Offset + uint32(e.Components)*4
}

// OutputBinding maps output registers to byte offsets of a constant
// buffer. It is immutable once derived.
type OutputBinding struct {
	Layout    string  `json:"layout"`
	Size      uint32  `json:"size"`
	Registers int     `json:"registers"`
	Entries   []Entry `json:"entries"`
}

// alignedOffset rounds offset up to a multiple of alignment, which must be
// a power of two.
func alignedOffset(offset, alignment uint32) uint32 {
	if alignment == 0 {
		return offset
	}
	return (offset + alignment - 1) &^ (alignment - 1)
}

// Derive computes the output binding of a layout. Registers are assigned
// in declaration order: one per vector element and four per matrix.
func Derive(l Layout) (*OutputBinding, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	b := &OutputBinding{
		Layout:  l.Name,
		Entries: make([]Entry, 0, len(l.Fields)),
	}

	var offset uint32
	reg := 0
	for i, f := range l.Fields {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("field%d", i)
		}
		size := f.Type.Size()

		for el := 0; el < f.Elements(); el++ {
			switch {
			case f.Type == Float4x4 || f.IsArray():
				offset = alignedOffset(offset, RowSize)
			case offset%RowSize+size > RowSize:
				offset = alignedOffset(offset, RowSize)
			}

			b.Entries = append(b.Entries, Entry{
				Field:      name,
				Element:    el,
				Register:   reg,
				Offset:     offset,
				Components: f.Type.Components(),
				Matrix:     f.Type == Float4x4,
				RowMajor:   f.RowMajor && f.Type == Float4x4,
			})
			offset += size
			reg += f.Type.Registers()
		}
	}

	b.Size = alignedOffset(offset, RowSize)
	b.Registers = reg
	return b, nil
}

// Covers reports whether some entry writes the byte at off.
func (b *OutputBinding) Covers(off uint32) bool {
	for _, e := range b.Entries {
		if off >= e.Offset && off < e.End() {
			return true
		}
	}
	return false
}

// String returns a listing of the binding, one entry per line.
func (b *OutputBinding) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d bytes, %d registers\n", b.Layout, b.Size, b.Registers)
	for _, e := range b.Entries {
		kind := fmt.Sprintf("float%d", e.Components)
		if e.Components == 1 {
			kind = "float"
		}
		if e.Matrix {
			kind = "float4x4"
			if e.RowMajor {
				kind = "row_major float4x4"
			}
		}
		fmt.Fprintf(&sb, "  0x%04x  r%-3d %s %s[%d]\n", e.Offset, e.Register, kind, e.Field, e.Element)
	}
	return sb.String()
}
