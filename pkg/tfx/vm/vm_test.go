package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/fortiblox/tfxvm/pkg/tfx/bytecode"
	"github.com/fortiblox/tfxvm/pkg/tfx/externs"
)

type I = bytecode.Instruction

// program encodes and decodes instructions against the given limits.
func program(t *testing.T, registers, constants int, code ...I) *bytecode.Program {
	t.Helper()
	limits := bytecode.Limits{
		Registers: registers,
		Constants: constants,
		Samplers:  2,
		Externs:   []uint8{uint8(externs.SlotFrame), uint8(externs.SlotView), uint8(externs.SlotRigidModel)},
	}
	prog, err := bytecode.Decode(bytecode.Encode(code), limits)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	return prog
}

func run(t *testing.T, policy tfx.Policy, prog *bytecode.Program, consts []types.Vec4) (*Result, error) {
	t.Helper()
	ip := NewInterpreter(Options{Policy: policy})
	return ip.Run(Evaluation{Program: prog, Constants: consts})
}

func bits(regs []types.Vec4) []uint32 {
	out := make([]uint32, 0, len(regs)*4)
	for _, r := range regs {
		for _, x := range r {
			out = append(out, math.Float32bits(x))
		}
	}
	return out
}

func sameBits(a, b []types.Vec4) bool {
	x, y := bits(a), bits(b)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// TestOperandOrder tests the stack operand order of every binary and
// ternary opcode.
func TestOperandOrder(t *testing.T) {
	tests := []struct {
		name   string
		op     bytecode.Op
		consts []types.Vec4
		want   types.Vec4
	}{
		{"add", bytecode.OpAdd, []types.Vec4{{1, 2, 3, 4}, {10, 20, 30, 40}}, types.Vec4{11, 22, 33, 44}},
		{"subtract", bytecode.OpSubtract, []types.Vec4{{5, 5, 5, 5}, {2, 3, 4, 5}}, types.Vec4{3, 2, 1, 0}},
		{"multiply", bytecode.OpMultiply, []types.Vec4{{1, 2, 3, 4}, {2, 2, 2, 2}}, types.Vec4{2, 4, 6, 8}},
		{"divide", bytecode.OpDivide, []types.Vec4{{8, 6, 4, 2}, {2, 2, 2, 2}}, types.Vec4{4, 3, 2, 1}},
		{"min", bytecode.OpMin, []types.Vec4{{1, 5, 3, 0}, {2, 2, 3, -1}}, types.Vec4{1, 2, 3, -1}},
		{"max", bytecode.OpMax, []types.Vec4{{1, 5, 3, 0}, {2, 2, 3, -1}}, types.Vec4{2, 5, 3, 0}},
		{"less_than", bytecode.OpLessThan, []types.Vec4{{1, 5, 3, 0}, {2, 2, 3, -1}}, types.Vec4{0, 1, 0, 1}},
		{"dot", bytecode.OpDot, []types.Vec4{{1, 2, 3, 4}, {1, 1, 1, 1}}, types.Splat(10)},
		{"merge_1_3", bytecode.OpMerge1_3, []types.Vec4{{1, 2, 3, 4}, {5, 6, 7, 8}}, types.Vec4{1, 5, 6, 7}},
		{"merge_2_2", bytecode.OpMerge2_2, []types.Vec4{{1, 2, 3, 4}, {5, 6, 7, 8}}, types.Vec4{1, 2, 5, 6}},
		{"merge_3_1", bytecode.OpMerge3_1, []types.Vec4{{1, 2, 3, 4}, {5, 6, 7, 8}}, types.Vec4{1, 2, 3, 5}},
		{"cubic", bytecode.OpCubic, []types.Vec4{{2, 2, 2, 2}, {1, 0, 0, 1}}, types.Splat(9)},
		{"lerp", bytecode.OpLerp, []types.Vec4{{10, 10, 10, 10}, {0, 0, 0, 0}, {0.5, 0.5, 0, 1}}, types.Vec4{5, 5, 0, 10}},
		{"multiply_add", bytecode.OpMultiplyAdd, []types.Vec4{{2, 2, 2, 2}, {3, 3, 3, 3}, {1, 1, 1, 1}}, types.Splat(7)},
		{"clamp", bytecode.OpClamp, []types.Vec4{{5, -5, 1, 0}, {0, 0, 0, 0}, {2, 2, 2, 2}}, types.Vec4{2, 0, 1, 0}},
		{"select", bytecode.OpSelect, []types.Vec4{{1, 2, 3, 4}, {5, 6, 7, 8}, {1, 0, 1, 0}}, types.Vec4{1, 6, 3, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := make([]I, 0, len(tt.consts)+2)
			for i := range tt.consts {
				code = append(code, I{Op: bytecode.OpPushConstVec4, A: uint8(i)})
			}
			code = append(code, I{Op: tt.op}, I{Op: bytecode.OpPopRegister, A: 0})

			res, err := run(t, tfx.Strict, program(t, 1, len(tt.consts), code...), tt.consts)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if res.Registers[0] != tt.want {
				t.Errorf("register 0 = %v, want %v", res.Registers[0], tt.want)
			}
		})
	}
}

// TestUnaryOps tests in-place unary opcodes.
func TestUnaryOps(t *testing.T) {
	tests := []struct {
		name string
		ins  I
		in   types.Vec4
		want types.Vec4
	}{
		{"is_zero", I{Op: bytecode.OpIsZero}, types.Vec4{0, 1, -1, 0}, types.Vec4{1, 0, 0, 1}},
		{"abs", I{Op: bytecode.OpAbs}, types.Vec4{-1, 2, -3, 0}, types.Vec4{1, 2, 3, 0}},
		{"signum", I{Op: bytecode.OpSignum}, types.Vec4{-4, 2, -0.5, 7}, types.Vec4{-1, 1, -1, 1}},
		{"floor", I{Op: bytecode.OpFloor}, types.Vec4{1.5, -1.5, 2, -0.25}, types.Vec4{1, -2, 2, -1}},
		{"ceil", I{Op: bytecode.OpCeil}, types.Vec4{1.5, -2.5, 2, 0.25}, types.Vec4{2, -2, 2, 1}},
		{"round", I{Op: bytecode.OpRound}, types.Vec4{1.5, -1.5, 2.4, 0.6}, types.Vec4{2, -2, 2, 1}},
		{"frac", I{Op: bytecode.OpFrac}, types.Vec4{1.25, -1.25, 3, 0.5}, types.Vec4{0.25, 0.75, 0, 0.5}},
		{"negate", I{Op: bytecode.OpNegate}, types.Vec4{1, -2, 3, -4}, types.Vec4{-1, 2, -3, 4}},
		{"permute_extend_x", I{Op: bytecode.OpPermuteExtendX}, types.Vec4{7, 1, 2, 3}, types.Splat(7)},
		{"permute_wzyx", I{Op: bytecode.OpPermute, A: 0xe4}, types.Vec4{1, 2, 3, 4}, types.Vec4{4, 3, 2, 1}},
		{"saturate", I{Op: bytecode.OpSaturate}, types.Vec4{-1, 0.5, 2, 1}, types.Vec4{0, 0.5, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := program(t, 1, 1,
				I{Op: bytecode.OpPushConstVec4, A: 0},
				tt.ins,
				I{Op: bytecode.OpPopRegister, A: 0},
			)
			res, err := run(t, tfx.Strict, prog, []types.Vec4{tt.in})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if res.Registers[0] != tt.want {
				t.Errorf("register 0 = %v, want %v", res.Registers[0], tt.want)
			}
		})
	}
}

// TestTransformVec4 tests matrix-vector transformation from stacked columns.
func TestTransformVec4(t *testing.T) {
	consts := []types.Vec4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{10, 20, 30, 1},
		{1, 2, 3, 1},
	}
	code := make([]I, 0, 7)
	for i := range consts {
		code = append(code, I{Op: bytecode.OpPushConstVec4, A: uint8(i)})
	}
	code = append(code, I{Op: bytecode.OpTransformVec4}, I{Op: bytecode.OpPopRegister, A: 0})

	res, err := run(t, tfx.Strict, program(t, 1, len(consts), code...), consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := types.Vec4{11, 22, 33, 1}
	if res.Registers[0] != want {
		t.Errorf("register 0 = %v, want %v", res.Registers[0], want)
	}
}

// TestPopRegisterMat4 tests that matrix pops land in column order.
func TestPopRegisterMat4(t *testing.T) {
	consts := []types.Vec4{{1, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 3, 0}, {4, 5, 6, 1}}
	code := make([]I, 0, 5)
	for i := range consts {
		code = append(code, I{Op: bytecode.OpPushConstVec4, A: uint8(i)})
	}
	code = append(code, I{Op: bytecode.OpPopRegisterMat4, A: 1})

	res, err := run(t, tfx.Strict, program(t, 5, len(consts), code...), consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	for i, want := range consts {
		if res.Registers[1+i] != want {
			t.Errorf("register %d = %v, want %v", 1+i, res.Registers[1+i], want)
		}
	}
	if res.Stats.Writes != 4 {
		t.Errorf("Writes = %d, want 4", res.Stats.Writes)
	}
}

// TestTempsAndRegisterReads tests temp slots and register read-back.
func TestTempsAndRegisterReads(t *testing.T) {
	consts := []types.Vec4{{1, 2, 3, 4}}
	prog := program(t, 2, 1,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopTemp, A: 15},
		I{Op: bytecode.OpPushTemp, A: 15},
		I{Op: bytecode.OpPopRegister, A: 0},
		I{Op: bytecode.OpPushRegister, A: 0},
		I{Op: bytecode.OpPushTemp, A: 15},
		I{Op: bytecode.OpAdd},
		I{Op: bytecode.OpPopRegister, A: 1},
	)
	res, err := run(t, tfx.Strict, prog, consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := types.Vec4{2, 4, 6, 8}
	if res.Registers[1] != want {
		t.Errorf("register 1 = %v, want %v", res.Registers[1], want)
	}
}

// TestLerpConstant tests interpolation between two pool entries.
func TestLerpConstant(t *testing.T) {
	consts := []types.Vec4{{0.25, 0.5, 0, 1}, {0, 0, 0, 0}, {4, 8, 4, 8}}
	prog := program(t, 1, 3,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpLerpConstant, A: 1},
		I{Op: bytecode.OpPopRegister, A: 0},
	)
	res, err := run(t, tfx.Strict, prog, consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := types.Vec4{1, 4, 0, 8}
	if res.Registers[0] != want {
		t.Errorf("register 0 = %v, want %v", res.Registers[0], want)
	}
}

// TestIEEEDivision tests that division by zero is not special-cased.
func TestIEEEDivision(t *testing.T) {
	consts := []types.Vec4{{1, -1, 0, 2}, {0, 0, 0, 0}}
	prog := program(t, 1, 2,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPushConstVec4, A: 1},
		I{Op: bytecode.OpDivide},
		I{Op: bytecode.OpPopRegister, A: 0},
	)
	res, err := run(t, tfx.Strict, prog, consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r := res.Registers[0]
	if !math.IsInf(float64(r[0]), 1) {
		t.Errorf("1/0 = %v, want +Inf", r[0])
	}
	if !math.IsInf(float64(r[1]), -1) {
		t.Errorf("-1/0 = %v, want -Inf", r[1])
	}
	if !math.IsNaN(float64(r[2])) {
		t.Errorf("0/0 = %v, want NaN", r[2])
	}
	if !math.IsInf(float64(r[3]), 1) {
		t.Errorf("2/0 = %v, want +Inf", r[3])
	}
}

// TestVectorMath tests cross, normalize, pow and sqrt without clamping.
func TestVectorMath(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name   string
		consts []types.Vec4
		op     bytecode.Op
		binary bool
		want   types.Vec4
	}{
		{"cross", []types.Vec4{{1, 0, 0, 5}, {0, 1, 0, 7}}, bytecode.OpCross, true, types.Vec4{0, 0, 1, 0}},
		{"cross reversed", []types.Vec4{{0, 1, 0, 0}, {1, 0, 0, 0}}, bytecode.OpCross, true, types.Vec4{0, 0, -1, 0}},
		{"normalize", []types.Vec4{{3, 0, 4, 0}}, bytecode.OpNormalize, false, types.Vec4{0.6, 0, 0.8, 0}},
		{"normalize zero", []types.Vec4{{0, 0, 0, 0}}, bytecode.OpNormalize, false, types.Vec4{nan, nan, nan, nan}},
		{"pow", []types.Vec4{{2, 9, -2, -8}, {3, 0.5, 2, 1.0 / 3}}, bytecode.OpPow, true, types.Vec4{8, 3, 4, nan}},
		{"sqrt", []types.Vec4{{4, -1, 0, 2.25}}, bytecode.OpSqrt, false, types.Vec4{2, nan, 0, 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := []I{{Op: bytecode.OpPushConstVec4, A: 0}}
			if tt.binary {
				code = append(code, I{Op: bytecode.OpPushConstVec4, A: 1})
			}
			code = append(code, I{Op: tt.op}, I{Op: bytecode.OpPopRegister, A: 0})

			prog := program(t, 1, len(tt.consts), code...)
			res, err := run(t, tfx.Strict, prog, tt.consts)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			got := res.Registers[0]
			for i := range got {
				if tt.want[i] != tt.want[i] {
					if got[i] == got[i] {
						t.Errorf("%s lane %d = %v, want NaN", tt.op, i, got[i])
					}
					continue
				}
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("%s lane %d = %v, want %v", tt.op, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestBoundedLoop tests that a loop of count N performs exactly N writes.
func TestBoundedLoop(t *testing.T) {
	for _, n := range []uint8{1, 7, 255} {
		prog := program(t, 1, 1,
			I{Op: bytecode.OpLoop, A: n, B: 2},
			I{Op: bytecode.OpPushConstVec4, A: 0},
			I{Op: bytecode.OpPopRegister, A: 0},
		)
		res, err := run(t, tfx.Strict, prog, []types.Vec4{{1, 1, 1, 1}})
		if err != nil {
			t.Fatalf("Run() with count %d failed: %v", n, err)
		}
		if res.Stats.Writes != int(n) {
			t.Errorf("count %d: Writes = %d, want %d", n, res.Stats.Writes, n)
		}
		if want := uint64(1 + 2*int(n)); res.Stats.Steps != want {
			t.Errorf("count %d: Steps = %d, want %d", n, res.Stats.Steps, want)
		}
	}
}

// TestZeroCountLoop tests that a zero count skips the body.
func TestZeroCountLoop(t *testing.T) {
	prog := program(t, 1, 1,
		I{Op: bytecode.OpLoop, A: 0, B: 2},
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopRegister, A: 0},
	)
	res, err := run(t, tfx.Strict, prog, []types.Vec4{{1, 1, 1, 1}})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Stats.Writes != 0 {
		t.Errorf("Writes = %d, want 0", res.Stats.Writes)
	}
	if res.Registers[0] != (types.Vec4{}) {
		t.Errorf("register 0 = %v, want zero", res.Registers[0])
	}
}

// TestNestedLoops tests loops sharing an end point.
func TestNestedLoops(t *testing.T) {
	consts := []types.Vec4{{1, 1, 1, 1}}
	prog := program(t, 1, 1,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopTemp, A: 0},
		I{Op: bytecode.OpLoop, A: 3, B: 5},
		I{Op: bytecode.OpLoop, A: 4, B: 4},
		I{Op: bytecode.OpPushTemp, A: 0},
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpAdd},
		I{Op: bytecode.OpPopTemp, A: 0},
		I{Op: bytecode.OpPushTemp, A: 0},
		I{Op: bytecode.OpPopRegister, A: 0},
	)
	res, err := run(t, tfx.Strict, prog, consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := types.Splat(13)
	if res.Registers[0] != want {
		t.Errorf("register 0 = %v, want %v", res.Registers[0], want)
	}
}

// TestJumpIfZero tests conditional forward jumps.
func TestJumpIfZero(t *testing.T) {
	tests := []struct {
		name string
		cond types.Vec4
		want types.Vec4
	}{
		{"taken", types.Vec4{0, 1, 1, 1}, types.Vec4{}},
		{"not taken", types.Vec4{1, 0, 0, 0}, types.Vec4{9, 9, 9, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consts := []types.Vec4{tt.cond, {9, 9, 9, 9}}
			prog := program(t, 2, 2,
				I{Op: bytecode.OpPushConstVec4, A: 0},
				I{Op: bytecode.OpJumpIfZero, A: 2},
				I{Op: bytecode.OpPushConstVec4, A: 1},
				I{Op: bytecode.OpPopRegister, A: 0},
				I{Op: bytecode.OpPushConstVec4, A: 1},
				I{Op: bytecode.OpPopRegister, A: 1},
			)
			res, err := run(t, tfx.Strict, prog, consts)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if res.Registers[0] != tt.want {
				t.Errorf("register 0 = %v, want %v", res.Registers[0], tt.want)
			}
			if res.Registers[1] != consts[1] {
				t.Errorf("register 1 = %v, want %v", res.Registers[1], consts[1])
			}
		})
	}
}

// TestUnknownOpcodePolicy tests lenient and strict unknown handling.
func TestUnknownOpcodePolicy(t *testing.T) {
	consts := []types.Vec4{{1, 2, 3, 4}, {5, 6, 7, 8}}
	prog := program(t, 2, 2,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopRegister, A: 0},
		I{Op: bytecode.OpPushConstVec4, A: 1},
		I{Op: bytecode.OpPushConstVec4, A: 1},
		I{Op: bytecode.OpUnk14},
		I{Op: bytecode.Op(0x30)},
	)
	if prog.UnknownCount() != 2 {
		t.Fatalf("UnknownCount() = %d, want 2", prog.UnknownCount())
	}

	report := externs.NewErrorReport()
	ip := NewInterpreter(Options{Policy: tfx.Lenient})
	res, err := ip.Run(Evaluation{
		Program:   prog,
		Constants: consts,
		Binder:    externs.NewBinder(nil, report),
	})
	if err != nil {
		t.Fatalf("lenient Run() failed: %v", err)
	}
	if res.Registers[0] != consts[0] {
		t.Errorf("register 0 = %v, want %v", res.Registers[0], consts[0])
	}
	if res.Registers[1] != (types.Vec4{}) {
		t.Errorf("register 1 = %v, want zero", res.Registers[1])
	}
	if res.Stats.Unknowns != 2 {
		t.Errorf("Unknowns = %d, want 2", res.Stats.Unknowns)
	}
	if report.Len() != 2 {
		t.Errorf("report Len() = %d, want 2", report.Len())
	}

	res, err = run(t, tfx.Strict, prog, consts)
	if !errors.Is(err, tfx.ErrUnknownOpcode) {
		t.Errorf("strict Run() error = %v, want ErrUnknownOpcode", err)
	}
	if res != nil {
		t.Error("strict Run() returned a result with an error")
	}
}

// TestUnknownPushesZero tests that unknown pushes keep the stack balanced.
func TestUnknownPushesZero(t *testing.T) {
	consts := []types.Vec4{{1, 2, 3, 4}}
	prog := program(t, 1, 1,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpUnk42},
		I{Op: bytecode.OpAdd},
		I{Op: bytecode.OpPopRegister, A: 0},
	)
	res, err := run(t, tfx.Lenient, prog, consts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Registers[0] != consts[0] {
		t.Errorf("register 0 = %v, want %v", res.Registers[0], consts[0])
	}
}

// TestExternFallback tests that an unset extern evaluates like a register
// that is never written.
func TestExternFallback(t *testing.T) {
	consts := []types.Vec4{{1, 2, 3, 4}}
	withExtern := program(t, 2, 1,
		I{Op: bytecode.OpPushExternVec4, A: uint8(externs.SlotRigidModel), B: 0x40 / 16},
		I{Op: bytecode.OpPopRegister, A: 0},
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopRegister, A: 1},
	)
	withoutWrite := program(t, 2, 1,
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopRegister, A: 1},
	)

	report := externs.NewErrorReport()
	ip := NewInterpreter(Options{Policy: tfx.Strict})
	a, err := ip.Run(Evaluation{Program: withExtern, Constants: consts, Binder: externs.NewBinder(nil, report)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	b, err := ip.Run(Evaluation{Program: withoutWrite, Constants: consts})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !sameBits(a.Registers, b.Registers) {
		t.Errorf("registers = %v, want %v", a.Registers, b.Registers)
	}
	if a.Stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", a.Stats.Misses)
	}
	if report.Len() != 1 {
		t.Errorf("report Len() = %d, want 1", report.Len())
	}
}

// TestExternReads tests float, vec4 and mat4 extern reads.
func TestExternReads(t *testing.T) {
	b := externs.NewContextBuilder().Enable(externs.SlotView)
	if err := b.SetFloat(externs.SlotFrame, 0x04, 2.5); err != nil {
		t.Fatalf("SetFloat() failed: %v", err)
	}
	pos := types.Vec4{1, 2, 3, 1}
	if err := b.SetVec4(externs.SlotView, 0x20, pos); err != nil {
		t.Fatalf("SetVec4() failed: %v", err)
	}
	m := types.Mat4{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}, {13, 14, 15, 16}}
	if err := b.SetMat4(externs.SlotView, 0x40, m); err != nil {
		t.Fatalf("SetMat4() failed: %v", err)
	}

	prog := program(t, 6, 0,
		I{Op: bytecode.OpPushExternFloat, A: uint8(externs.SlotFrame), B: 0x04 / 4},
		I{Op: bytecode.OpPopRegister, A: 0},
		I{Op: bytecode.OpPushExternVec4, A: uint8(externs.SlotView), B: 0x20 / 16},
		I{Op: bytecode.OpPopRegister, A: 1},
		I{Op: bytecode.OpPushExternMat4, A: uint8(externs.SlotView), B: 0x40 / 16},
		I{Op: bytecode.OpPopRegisterMat4, A: 2},
	)
	ip := NewInterpreter(Options{Policy: tfx.Strict})
	res, err := ip.Run(Evaluation{Program: prog, Binder: externs.NewBinder(b.Build(), nil)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res.Registers[0] != types.Splat(2.5) {
		t.Errorf("register 0 = %v, want splat 2.5", res.Registers[0])
	}
	if res.Registers[1] != pos {
		t.Errorf("register 1 = %v, want %v", res.Registers[1], pos)
	}
	for i := 0; i < 4; i++ {
		if res.Registers[2+i] != m[i] {
			t.Errorf("register %d = %v, want %v", 2+i, res.Registers[2+i], m[i])
		}
	}
	if res.Stats.Misses != 0 {
		t.Errorf("Misses = %d, want 0", res.Stats.Misses)
	}
}

// TestResourceBindings tests texture and sampler binding requests.
func TestResourceBindings(t *testing.T) {
	b := externs.NewContextBuilder()
	if err := b.SetTexture(externs.SlotFrame, 0x78, 0xABCDEF0123); err != nil {
		t.Fatalf("SetTexture() failed: %v", err)
	}

	prog := program(t, 1, 0,
		I{Op: bytecode.OpPushExternTexture, A: uint8(externs.SlotFrame), B: 0x78 / 8},
		I{Op: bytecode.OpSetShaderTexture, A: 1<<5 | 3},
		I{Op: bytecode.OpPushExternTexture, A: uint8(externs.SlotFrame), B: 0x80 / 8},
		I{Op: bytecode.OpSetShaderTexture, A: 2<<5 | 4},
		I{Op: bytecode.OpPushSampler, A: 1},
		I{Op: bytecode.OpSetShaderSampler, A: 1<<5 | 0},
	)
	ip := NewInterpreter(Options{Policy: tfx.Strict})
	res, err := ip.Run(Evaluation{
		Program:  prog,
		Binder:   externs.NewBinder(b.Build(), nil),
		Samplers: []uint64{0, 0x1234},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []Binding{
		{Kind: BindTexture, Stage: bytecode.StagePixel, Slot: 3, Handle: 0xABCDEF0123},
		{Kind: BindTexture, Stage: bytecode.StageVertex, Slot: 4, Null: true},
		{Kind: BindSampler, Stage: bytecode.StagePixel, Slot: 0, Handle: 0x1234},
	}
	if len(res.Bindings) != len(want) {
		t.Fatalf("len(Bindings) = %d, want %d", len(res.Bindings), len(want))
	}
	for i := range want {
		if res.Bindings[i] != want[i] {
			t.Errorf("Bindings[%d] = %+v, want %+v", i, res.Bindings[i], want[i])
		}
	}
}

// TestChannels tests global and object channel reads.
func TestChannels(t *testing.T) {
	obj := types.Vec4{3, 3, 3, 3}
	ctx := externs.NewContextBuilder().SetObjectChannel(0xdeadbeef, obj).Build()
	prog := program(t, 3, 0,
		I{Op: bytecode.OpPushGlobalChannel, A: 37},
		I{Op: bytecode.OpPopRegister, A: 0},
		I{Op: bytecode.OpPushObjectChannel, Hash: 0xdeadbeef},
		I{Op: bytecode.OpPopRegister, A: 1},
		I{Op: bytecode.OpPushObjectChannel, Hash: 1},
		I{Op: bytecode.OpPopRegister, A: 2},
	)
	ip := NewInterpreter(Options{Policy: tfx.Strict})
	res, err := ip.Run(Evaluation{Program: prog, Binder: externs.NewBinder(ctx, nil)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if want := (types.Vec4{50, 0, 0, 0}); res.Registers[0] != want {
		t.Errorf("global channel 37 = %v, want %v", res.Registers[0], want)
	}
	if res.Registers[1] != obj {
		t.Errorf("object channel = %v, want %v", res.Registers[1], obj)
	}
	if res.Registers[2] != (types.Vec4{}) {
		t.Errorf("missing object channel = %v, want zero", res.Registers[2])
	}
}

// TestExecutionFaults tests stack faults and the step budget.
func TestExecutionFaults(t *testing.T) {
	consts := []types.Vec4{{1, 1, 1, 1}}

	underflow := program(t, 1, 1, I{Op: bytecode.OpAdd})
	if _, err := run(t, tfx.Lenient, underflow, consts); !errors.Is(err, tfx.ErrStackUnderflow) {
		t.Errorf("underflow error = %v, want ErrStackUnderflow", err)
	}

	overflow := program(t, 1, 1,
		I{Op: bytecode.OpLoop, A: tfx.StackDepth + 1, B: 1},
		I{Op: bytecode.OpPushConstVec4, A: 0},
	)
	if _, err := run(t, tfx.Lenient, overflow, consts); !errors.Is(err, tfx.ErrStackOverflow) {
		t.Errorf("overflow error = %v, want ErrStackOverflow", err)
	}

	long := program(t, 1, 1,
		I{Op: bytecode.OpLoop, A: 255, B: 2},
		I{Op: bytecode.OpPushConstVec4, A: 0},
		I{Op: bytecode.OpPopRegister, A: 0},
	)
	ip := NewInterpreter(Options{Policy: tfx.Strict, MaxSteps: 100})
	if _, err := ip.Run(Evaluation{Program: long, Constants: consts}); !errors.Is(err, tfx.ErrStepBudgetExceeded) {
		t.Errorf("budget error = %v, want ErrStepBudgetExceeded", err)
	}
}

// TestRunValidation tests mismatched evaluation inputs.
func TestRunValidation(t *testing.T) {
	prog := program(t, 2, 2, I{Op: bytecode.OpPushConstVec4, A: 1}, I{Op: bytecode.OpPopRegister, A: 1})
	ip := NewInterpreter(Options{})

	if _, err := ip.Run(Evaluation{Program: prog, Constants: []types.Vec4{{}}}); !errors.Is(err, tfx.ErrMalformedProgram) {
		t.Errorf("short pool error = %v, want ErrMalformedProgram", err)
	}
	if _, err := ip.Run(Evaluation{Program: prog, Constants: make([]types.Vec4, 2), Registers: NewRegisterFile(3)}); err == nil {
		t.Error("Run() with wrong register file size succeeded")
	}
	if _, err := ip.Run(Evaluation{}); !errors.Is(err, tfx.ErrMalformedProgram) {
		t.Errorf("nil program error = %v, want ErrMalformedProgram", err)
	}
}

// TestDeterminism tests that repeated runs are bit-identical, including
// the noise opcodes.
func TestDeterminism(t *testing.T) {
	consts := []types.Vec4{{0.3, 1.7, -2.2, 9.1}}
	code := []I{}
	for i, op := range []bytecode.Op{
		bytecode.OpRotSin, bytecode.OpRotCos, bytecode.OpRotSinCos, bytecode.OpTriangle,
		bytecode.OpJitter, bytecode.OpWander, bytecode.OpRand, bytecode.OpRandSmooth,
	} {
		code = append(code,
			I{Op: bytecode.OpPushConstVec4, A: 0},
			I{Op: op},
			I{Op: bytecode.OpPopRegister, A: uint8(i)},
		)
	}
	prog := program(t, 8, 1, code...)

	arena := NewArena()
	ip := NewInterpreter(Options{Policy: tfx.Strict})
	var first []types.Vec4
	for i := 0; i < 3; i++ {
		rf := arena.Get(8)
		res, err := ip.Run(Evaluation{Program: prog, Constants: consts, Registers: rf})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if first == nil {
			first = append([]types.Vec4(nil), res.Registers...)
		} else if !sameBits(first, res.Registers) {
			t.Errorf("run %d registers = %v, want %v", i, res.Registers, first)
		}
		arena.Put(rf)
	}
}

// TestRegisterFileStack tests push/pop ordering and bounds.
func TestRegisterFileStack(t *testing.T) {
	rf := NewRegisterFile(1)

	if _, err := rf.Pop(); err != tfx.ErrStackUnderflow {
		t.Errorf("Pop() on empty = %v, want ErrStackUnderflow", err)
	}
	for i := 0; i < tfx.StackDepth; i++ {
		if err := rf.Push(types.Splat(float32(i))); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}
	if err := rf.Push(types.Vec4{}); err != tfx.ErrStackOverflow {
		t.Errorf("Push() on full = %v, want ErrStackOverflow", err)
	}

	v, err := rf.PopN(2)
	if err != nil {
		t.Fatalf("PopN(2) failed: %v", err)
	}
	if v[0] != types.Splat(62) || v[1] != types.Splat(63) {
		t.Errorf("PopN(2) = %v, want deepest first", v)
	}
	if rf.Depth() != tfx.StackDepth-2 {
		t.Errorf("Depth() = %d, want %d", rf.Depth(), tfx.StackDepth-2)
	}

	rf.SetRegister(0, types.One4)
	rf.SetTemp(3, types.One4)
	rf.Reset()
	if rf.Depth() != 0 || rf.Writes() != 0 || rf.Register(0) != (types.Vec4{}) || rf.Temp(3) != (types.Vec4{}) {
		t.Error("Reset() left state behind")
	}
}

// TestArena tests checkout by register count.
func TestArena(t *testing.T) {
	a := NewArena()

	rf := a.Get(4)
	if rf.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", rf.Len())
	}
	rf.SetRegister(2, types.One4)
	a.Put(rf)

	again := a.Get(4)
	if again.Register(2) != (types.Vec4{}) {
		t.Errorf("reused register 2 = %v, want zero", again.Register(2))
	}
	if other := a.Get(5); other.Len() != 5 {
		t.Errorf("Len() = %d, want 5", other.Len())
	}
}
