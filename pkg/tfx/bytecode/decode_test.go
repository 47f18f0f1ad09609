package bytecode

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/fortiblox/tfxvm/pkg/tfx"
)

func testLimits() Limits {
	return Limits{
		Registers: 4,
		Constants: 8,
		Samplers:  2,
		Externs:   []uint8{1, 2},
	}
}

// TestDecodeBasic tests decoding of a simple program.
func TestDecodeBasic(t *testing.T) {
	code := []byte{
		byte(OpPushConstVec4), 0,
		byte(OpPushConstVec4), 1,
		byte(OpAdd),
		byte(OpPopRegister), 3,
	}

	prog, err := Decode(code, testLimits())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	if prog.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", prog.Len())
	}

	want := []Instruction{
		{Op: OpPushConstVec4, A: 0, Offset: 0},
		{Op: OpPushConstVec4, A: 1, Offset: 2},
		{Op: OpAdd, Offset: 4},
		{Op: OpPopRegister, A: 3, Offset: 5},
	}
	for i, ins := range prog.Instructions {
		if ins != want[i] {
			t.Errorf("Instructions[%d] = %+v, want %+v", i, ins, want[i])
		}
	}

	if prog.UnknownCount() != 0 {
		t.Errorf("UnknownCount() = %d, want 0", prog.UnknownCount())
	}
}

// TestDecodeOperandWidths tests multi-byte operands.
func TestDecodeOperandWidths(t *testing.T) {
	code := []byte{
		byte(OpPushExternVec4), 2, 3,
		byte(OpPushObjectChannel), 0xde, 0xad, 0xbe, 0xef,
		byte(OpPermute), 0x1b,
		byte(OpSetShaderTexture), 1<<5 | 7,
	}

	prog, err := Decode(code, testLimits())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if prog.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", prog.Len())
	}

	ext := prog.Instructions[0]
	if ext.A != 2 || ext.B != 3 {
		t.Errorf("extern operands = (%d, %d), want (2, 3)", ext.A, ext.B)
	}
	if h := prog.Instructions[1].Hash; h != 0xdeadbeef {
		t.Errorf("channel hash = 0x%08x, want 0xdeadbeef", h)
	}
	if prog.Instructions[2].Offset != 8 {
		t.Errorf("permute offset = %d, want 8", prog.Instructions[2].Offset)
	}

	stage, slot := StageSlot(prog.Instructions[3].A)
	if stage != StagePixel || slot != 7 {
		t.Errorf("StageSlot = (%v, %d), want (PS, 7)", stage, slot)
	}
}

// TestDecodeUnknownOpcode tests that unknown bytes do not abort decoding.
func TestDecodeUnknownOpcode(t *testing.T) {
	code := []byte{
		byte(OpPushConstVec4), 0,
		0xf0,
		byte(OpSpline4Const), 2,
		byte(OpPopRegister), 0,
	}

	prog, err := Decode(code, testLimits())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if prog.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", prog.Len())
	}
	if prog.UnknownCount() != 2 {
		t.Errorf("UnknownCount() = %d, want 2", prog.UnknownCount())
	}

	unk := prog.Instructions[1]
	if unk.Op != 0xf0 || unk.Known() || unk.Op.InTable() {
		t.Errorf("Instructions[1] = %+v, want unknown 0xf0 outside the table", unk)
	}

	spline := prog.Instructions[2]
	if spline.Known() || spline.A != 2 {
		t.Errorf("Instructions[2] = %+v, want unconfirmed spline4_const c2", spline)
	}
}

// TestDecodeMalformed tests eager bounds validation.
func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"truncated const", []byte{byte(OpPushConstVec4)}},
		{"truncated hash", []byte{byte(OpPushObjectChannel), 1, 2}},
		{"constant out of range", []byte{byte(OpPushConstVec4), 8}},
		{"lerp constant range", []byte{byte(OpLerpConstant), 7}},
		{"spline8 range", []byte{byte(OpSpline8Const), 0}},
		{"register out of range", []byte{byte(OpPopRegister), 4}},
		{"mat4 register range", []byte{byte(OpPopRegisterMat4), 1}},
		{"temp out of range", []byte{byte(OpPushTemp), 16}},
		{"undeclared extern", []byte{byte(OpPushExternFloat), 3, 0}},
		{"sampler out of range", []byte{byte(OpPushSampler), 2}},
		{"bad stage", []byte{byte(OpSetShaderSampler), 7 << 5}},
		{"zero stage", []byte{byte(OpSetShaderTexture), 3}},
		{"jump past end", []byte{byte(OpJumpIfZero), 2, byte(OpAdd)}},
		{"loop past end", []byte{byte(OpLoop), 3, 2, byte(OpAdd)}},
		{"jump out of loop", []byte{
			byte(OpLoop), 2, 2,
			byte(OpJumpIfZero), 2,
			byte(OpAdd),
			byte(OpAdd),
		}},
		{"jump into loop", []byte{
			byte(OpJumpIfZero), 2,
			byte(OpLoop), 2, 2,
			byte(OpAdd),
			byte(OpAdd),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := Decode(tt.code, testLimits())
			if !errors.Is(err, tfx.ErrMalformedProgram) {
				t.Errorf("Decode() error = %v, want ErrMalformedProgram", err)
			}
			if prog != nil {
				t.Error("Decode() returned a program on failure")
			}
		})
	}
}

// TestDecodeControlFlow tests accepted jump and loop shapes.
func TestDecodeControlFlow(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"jump to end", []byte{byte(OpPushConstVec4), 0, byte(OpJumpIfZero), 1, byte(OpAdd)}},
		{"empty loop", []byte{byte(OpLoop), 5, 0}},
		{"jump to loop end", []byte{
			byte(OpLoop), 3, 3,
			byte(OpPushConstVec4), 0,
			byte(OpJumpIfZero), 1,
			byte(OpAdd),
		}},
		{"nested loops sharing end", []byte{
			byte(OpLoop), 2, 2,
			byte(OpLoop), 2, 1,
			byte(OpAdd),
		}},
		{"jump over loop", []byte{
			byte(OpPushConstVec4), 0,
			byte(OpJumpIfZero), 2,
			byte(OpLoop), 1, 1,
			byte(OpAdd),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.code, testLimits()); err != nil {
				t.Errorf("Decode() failed: %v", err)
			}
		})
	}
}

// TestDecodeLoopDepth tests the nesting limit.
func TestDecodeLoopDepth(t *testing.T) {
	var code []byte
	for i := 0; i < tfx.MaxLoopDepth; i++ {
		code = append(code, byte(OpLoop), 2, byte(tfx.MaxLoopDepth-i))
	}
	code = append(code, byte(OpAdd))

	if _, err := Decode(code, testLimits()); err != nil {
		t.Fatalf("Decode() at max depth failed: %v", err)
	}

	deeper := append([]byte{byte(OpLoop), 2, byte(tfx.MaxLoopDepth + 1)}, code...)
	if _, err := Decode(deeper, testLimits()); !errors.Is(err, tfx.ErrMalformedProgram) {
		t.Errorf("Decode() beyond max depth error = %v, want ErrMalformedProgram", err)
	}
}

// TestDecodeLimits tests declared table validation.
func TestDecodeLimits(t *testing.T) {
	bad := []Limits{
		{Registers: 0},
		{Registers: 256},
		{Registers: 1, Constants: -1},
		{Registers: 1, Samplers: 300},
	}
	for _, l := range bad {
		if _, err := Decode(nil, l); !errors.Is(err, tfx.ErrMalformedProgram) {
			t.Errorf("Decode(limits=%+v) error = %v, want ErrMalformedProgram", l, err)
		}
	}

	if _, err := Decode(make([]byte, MaxCodeSize+1), testLimits()); !errors.Is(err, tfx.ErrMalformedProgram) {
		t.Errorf("oversized code error = %v, want ErrMalformedProgram", err)
	}
}

// TestDecodeTotality feeds random streams to the decoder. Every stream must
// either decode or fail with ErrMalformedProgram.
func TestDecodeTotality(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	limits := testLimits()

	for i := 0; i < 5000; i++ {
		code := make([]byte, rng.Intn(64))
		rng.Read(code)

		prog, err := Decode(code, limits)
		if err != nil {
			if !errors.Is(err, tfx.ErrMalformedProgram) {
				t.Fatalf("Decode(%x) error = %v, want ErrMalformedProgram", code, err)
			}
			continue
		}

		if got := Encode(prog.Instructions); string(got) != string(code) {
			t.Fatalf("Encode(Decode(%x)) = %x", code, got)
		}
	}
}

// TestDisassemble tests the listing format.
func TestDisassemble(t *testing.T) {
	code := []byte{
		byte(OpLoop), 2, 1,
		byte(OpPushExternVec4), 2, 2,
		byte(OpPermute), 0xe4,
		0x99,
	}

	prog, err := Decode(code, testLimits())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	out := prog.Disassemble()
	for _, want := range []string{
		"loop x2 {1}",
		"  push_extern_input_vec4 extern(2)+2",
		"permute .wzyx",
		"unk99 ; unknown",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Disassemble() missing %q in:\n%s", want, out)
		}
	}
}
