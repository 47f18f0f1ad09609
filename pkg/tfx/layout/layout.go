// Package layout derives where evaluated registers land in a constant
// buffer and packs them into the byte blob a GPU backend uploads.
//
// Packing follows the HLSL constant buffer rules: the buffer is a sequence
// of 16-byte rows, a scalar or vector never straddles a row boundary, and
// every array element and matrix starts on a new row.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx"
)

var (
	// ErrInvalidLayout is returned for layouts that cannot be packed.
	ErrInvalidLayout = errors.New("invalid layout")

	// ErrBufferTooSmall is returned by PackInto when dst cannot hold the blob.
	ErrBufferTooSmall = errors.New("destination buffer too small")
)

// RowSize is the size of one constant buffer row in bytes.
const RowSize = 16

// Type is the element type of a constant buffer field.
type Type uint8

// Field element types.
const (
	Float Type = iota + 1
	Float2
	Float3
	Float4
	Float4x4
)

var typeNames = map[Type]string{
	Float:    "float",
	Float2:   "float2",
	Float3:   "float3",
	Float4:   "float4",
	Float4x4: "float4x4",
}

// String returns the HLSL type name.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t >= Float && t <= Float4x4
}

// Components returns the number of float lanes of one element.
func (t Type) Components() int {
	switch t {
	case Float4x4:
		return 16
	case Float, Float2, Float3, Float4:
		return int(t)
	default:
		return 0
	}
}

// Size returns the unpadded size of one element in bytes.
func (t Type) Size() uint32 {
	return uint32(t.Components()) * 4
}

// Registers returns how many output registers one element consumes.
func (t Type) Registers() int {
	if t == Float4x4 {
		return 4
	}
	return 1
}

// ParseType parses an HLSL type name.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field type %q", ErrInvalidLayout, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown field type %d", ErrInvalidLayout, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Field is one member of a constant buffer declaration.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`

	// Count is the array length. Zero and one both declare a single
	// element; only counts above one are packed as arrays.
	Count int `json:"count,omitempty"`

	// RowMajor stores matrices row by row. Registers always hold columns.
	RowMajor bool `json:"rowMajor,omitempty"`
}

// Elements returns the number of elements the field declares.
func (f Field) Elements() int {
	if f.Count < 1 {
		return 1
	}
	return f.Count
}

// IsArray reports whether the field is packed as an array.
func (f Field) IsArray() bool {
	return f.Count > 1
}

// Layout is a constant buffer declaration.
type Layout struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Rows returns the default layout of n float4 rows, with register i at
// byte offset 16*i.
func Rows(n int) Layout {
	if n < 1 {
		return Layout{Name: "rows"}
	}
	return Layout{
		Name:   "rows",
		Fields: []Field{{Name: "rows", Type: Float4, Count: n}},
	}
}

// Registers returns the number of output registers the layout consumes.
func (l Layout) Registers() int {
	n := 0
	for _, f := range l.Fields {
		n += f.Elements() * f.Type.Registers()
	}
	return n
}

// Validate checks the layout.
func (l Layout) Validate() error {
	seen := make(map[string]bool, len(l.Fields))
	for i, f := range l.Fields {
		if !f.Type.Valid() {
			return fmt.Errorf("%w: field %d has unknown type %d", ErrInvalidLayout, i, uint8(f.Type))
		}
		if f.Count < 0 {
			return fmt.Errorf("%w: field %q has negative count", ErrInvalidLayout, f.Name)
		}
		if f.Name != "" {
			if seen[f.Name] {
				return fmt.Errorf("%w: duplicate field %q", ErrInvalidLayout, f.Name)
			}
			seen[f.Name] = true
		}
	}
	if n := l.Registers(); n > tfx.MaxRegisters {
		return fmt.Errorf("%w: layout consumes %d registers, max %d", ErrInvalidLayout, n, tfx.MaxRegisters)
	}
	return nil
}

// Fingerprint returns a content hash of the declaration. Layouts with
// equal fingerprints derive equal bindings.
func (l Layout) Fingerprint() types.Hash {
	buf := make([]byte, 0, 16+len(l.Fields)*16)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(l.Name)))
	buf = append(buf, l.Name...)
	for _, f := range l.Fields {
		buf = append(buf, byte(f.Type))
		if f.RowMajor {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Elements()))
		if f.IsArray() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Name)))
		buf = append(buf, f.Name...)
	}
	return types.HashBytes(buf)
}

// String renders the layout as an HLSL cbuffer declaration.
func (l Layout) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cbuffer %s {\n", l.Name)
	for i, f := range l.Fields {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("field%d", i)
		}
		prefix := ""
		if f.RowMajor && f.Type == Float4x4 {
			prefix = "row_major "
		}
		if f.IsArray() {
			fmt.Fprintf(&sb, "    %s%s %s[%d];\n", prefix, f.Type, name, f.Count)
		} else {
			fmt.Fprintf(&sb, "    %s%s %s;\n", prefix, f.Type, name)
		}
	}
	sb.WriteString("};\n")
	return sb.String()
}
