// Package loader reads and writes the technique container format.
//
// A container carries everything a technique needs to be evaluated: the
// declared program limits, the constant pool, the bytecode and the
// constant buffer layout its registers are packed into.
//
//	"TFXB" | version u16 | flags u16 | body
//
// The body is optionally zstd-compressed (flag bit 0). A technique's hash
// is the blake3 hash of its uncompressed body, so compression does not
// change its identity.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/fortiblox/tfxvm/pkg/tfx/bytecode"
	"github.com/fortiblox/tfxvm/pkg/tfx/layout"
)

// Container magic bytes.
var magic = []byte("TFXB")

// bindings is shared by every loaded technique; techniques with the same
// layout share one binding.
var bindings = layout.NewCache()

// Container version.
const Version = 1

// Header flags.
const (
	FlagCompressed = 1 << 0
)

// Field flags.
const (
	fieldRowMajor = 1 << 0
)

// Maximum sizes.
const (
	HeaderSize   = 8
	MaxConstants = 256              // Constant operands are one byte
	MaxBodySize  = 16 * 1024 * 1024 // Decompressed body
	MaxFields    = 1024
)

// Container errors.
var (
	ErrInvalidContainer = errors.New("invalid technique container")
	ErrUnsupported      = errors.New("unsupported container version")
	ErrTooLarge         = errors.New("technique container too large")
)

// Technique is a loaded technique. It is immutable and shared read-only by
// every evaluation of it.
type Technique struct {
	Name      string
	Hash      types.Hash
	Code      []byte
	Program   *bytecode.Program
	Constants []types.Vec4
	Layout    layout.Layout
	Binding   *layout.OutputBinding
}

// Source is the uncompiled form of a technique.
type Source struct {
	Code      []byte
	Registers int
	Samplers  int
	Externs   []uint8
	Constants []types.Vec4
	Layout    layout.Layout
}

// Compile validates a source and builds a technique from it.
func Compile(src Source) (*Technique, error) {
	body, err := encodeBody(src)
	if err != nil {
		return nil, err
	}
	return build(src, body)
}

// Load parses a technique container.
func Load(data []byte) (*Technique, error) {
	body, err := readBody(data)
	if err != nil {
		return nil, err
	}
	src, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	return build(src, body)
}

// LoadFile reads and parses a technique container file.
func LoadFile(path string) (*Technique, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read technique: %w", err)
	}
	t, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Source returns the uncompiled form of the technique.
func (t *Technique) Source() Source {
	return Source{
		Code:      t.Code,
		Registers: t.Program.Limits.Registers,
		Samplers:  t.Program.Limits.Samplers,
		Externs:   t.Program.Limits.Externs,
		Constants: t.Constants,
		Layout:    t.Layout,
	}
}

// Encode writes the technique as a container.
func Encode(t *Technique, compress bool) ([]byte, error) {
	body, err := encodeBody(t.Source())
	if err != nil {
		return nil, err
	}

	var flags uint16
	if compress {
		flags |= FlagCompressed
		body = encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint16(out, flags)
	return append(out, body...), nil
}

// build decodes the program and derives the output binding.
func build(src Source, body []byte) (*Technique, error) {
	limits := bytecode.Limits{
		Registers: src.Registers,
		Constants: len(src.Constants),
		Samplers:  src.Samplers,
		Externs:   src.Externs,
	}
	prog, err := bytecode.Decode(src.Code, limits)
	if err != nil {
		return nil, err
	}

	binding, err := bindings.Get(src.Layout)
	if err != nil {
		return nil, err
	}
	if binding.Registers > src.Registers {
		return nil, fmt.Errorf("%w: layout %q packs %d registers, program declares %d",
			tfx.ErrMalformedProgram, src.Layout.Name, binding.Registers, src.Registers)
	}

	return &Technique{
		Name:      src.Layout.Name,
		Hash:      types.HashBytes(body),
		Code:      src.Code,
		Program:   prog,
		Constants: src.Constants,
		Layout:    src.Layout,
		Binding:   binding,
	}, nil
}

// readBody checks the header and returns the uncompressed body.
func readBody(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidContainer, len(data))
	}
	if !bytes.Equal(data[:4], magic) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidContainer, data[:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, v)
	}
	flags := binary.LittleEndian.Uint16(data[6:])
	if flags&^FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%04x", ErrInvalidContainer, flags)
	}

	body := data[HeaderSize:]
	if flags&FlagCompressed == 0 {
		if len(body) > MaxBodySize {
			return nil, ErrTooLarge
		}
		return body, nil
	}

	return decompress(body)
}

// reader is a bounds-checked little-endian cursor.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated at byte %d", ErrInvalidContainer, r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) str() string {
	return string(r.take(int(r.u8())))
}

func decodeBody(body []byte) (Source, error) {
	r := &reader{data: body}
	var src Source

	src.Registers = int(r.u16())
	src.Samplers = int(r.u8())
	if n := int(r.u8()); n > 0 {
		src.Externs = append([]uint8(nil), r.take(n)...)
	}

	nconst := int(r.u16())
	if nconst > MaxConstants {
		return Source{}, fmt.Errorf("%w: %d constants, max %d", tfx.ErrMalformedProgram, nconst, MaxConstants)
	}
	if raw := r.take(nconst * 16); raw != nil {
		src.Constants = make([]types.Vec4, nconst)
		for i := range src.Constants {
			for j := 0; j < 4; j++ {
				src.Constants[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*16+j*4:]))
			}
		}
	}

	codeLen := int(r.u32())
	if codeLen > bytecode.MaxCodeSize {
		return Source{}, fmt.Errorf("%w: code size %d exceeds %d", tfx.ErrMalformedProgram, codeLen, bytecode.MaxCodeSize)
	}
	src.Code = append([]byte(nil), r.take(codeLen)...)

	src.Layout.Name = r.str()
	nfields := int(r.u16())
	if nfields > MaxFields {
		return Source{}, fmt.Errorf("%w: %d layout fields, max %d", ErrInvalidContainer, nfields, MaxFields)
	}
	for i := 0; i < nfields && r.err == nil; i++ {
		f := layout.Field{Type: layout.Type(r.u8())}
		f.RowMajor = r.u8()&fieldRowMajor != 0
		f.Count = int(r.u16())
		f.Name = r.str()
		src.Layout.Fields = append(src.Layout.Fields, f)
	}

	if r.err != nil {
		return Source{}, r.err
	}
	if r.pos != len(body) {
		return Source{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidContainer, len(body)-r.pos)
	}
	return src, nil
}

func encodeBody(src Source) ([]byte, error) {
	switch {
	case src.Registers < 0 || src.Registers > tfx.MaxRegisters:
		return nil, fmt.Errorf("%w: register count %d out of range", tfx.ErrMalformedProgram, src.Registers)
	case src.Samplers < 0 || src.Samplers > math.MaxUint8:
		return nil, fmt.Errorf("%w: sampler count %d out of range", tfx.ErrMalformedProgram, src.Samplers)
	case len(src.Externs) > math.MaxUint8:
		return nil, fmt.Errorf("%w: %d externs declared", tfx.ErrMalformedProgram, len(src.Externs))
	case len(src.Constants) > MaxConstants:
		return nil, fmt.Errorf("%w: %d constants, max %d", tfx.ErrMalformedProgram, len(src.Constants), MaxConstants)
	case len(src.Code) > bytecode.MaxCodeSize:
		return nil, fmt.Errorf("%w: code size %d exceeds %d", tfx.ErrMalformedProgram, len(src.Code), bytecode.MaxCodeSize)
	case len(src.Layout.Name) > math.MaxUint8:
		return nil, fmt.Errorf("%w: layout name too long", ErrInvalidContainer)
	case len(src.Layout.Fields) > MaxFields:
		return nil, fmt.Errorf("%w: %d layout fields, max %d", ErrInvalidContainer, len(src.Layout.Fields), MaxFields)
	}

	buf := make([]byte, 0, 16+len(src.Externs)+len(src.Constants)*16+len(src.Code)+len(src.Layout.Fields)*8)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(src.Registers))
	buf = append(buf, uint8(src.Samplers), uint8(len(src.Externs)))
	buf = append(buf, src.Externs...)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(src.Constants)))
	for _, c := range src.Constants {
		for _, x := range c {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(src.Code)))
	buf = append(buf, src.Code...)

	buf = append(buf, uint8(len(src.Layout.Name)))
	buf = append(buf, src.Layout.Name...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(src.Layout.Fields)))
	for _, f := range src.Layout.Fields {
		if len(f.Name) > math.MaxUint8 || f.Count < 0 || f.Count > math.MaxUint16 {
			return nil, fmt.Errorf("%w: field %q cannot be encoded", ErrInvalidContainer, f.Name)
		}
		var flags uint8
		if f.RowMajor {
			flags |= fieldRowMajor
		}
		buf = append(buf, uint8(f.Type), flags)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Count))
		buf = append(buf, uint8(len(f.Name)))
		buf = append(buf, f.Name...)
	}
	return buf, nil
}
