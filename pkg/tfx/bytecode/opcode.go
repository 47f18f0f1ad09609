// Package bytecode defines the TFX opcode table, the decoded instruction form
// and the single-pass decoder.
//
// Every opcode is one byte followed by a fixed number of operand bytes. The
// opcode table records, per byte value, the operand width, how operands are
// validated, the stack signature and whether the semantics are confirmed.
// Bytes outside the table decode as unknown instructions with no operands.
package bytecode

import "fmt"

// Op is a one-byte TFX opcode.
type Op uint8

// Arithmetic and vector opcodes (no operands unless noted).
const (
	OpAdd            Op = 0x01
	OpSubtract       Op = 0x02
	OpMultiply       Op = 0x03
	OpDivide         Op = 0x04
	OpMultiply2      Op = 0x05
	OpAdd2           Op = 0x06
	OpIsZero         Op = 0x07
	OpMin            Op = 0x08
	OpMax            Op = 0x09
	OpLessThan       Op = 0x0a
	OpDot            Op = 0x0b
	OpMerge1_3       Op = 0x0c
	OpMerge2_2       Op = 0x0d
	OpMerge3_1       Op = 0x0e
	OpCubic          Op = 0x0f
	OpLerp           Op = 0x10
	OpLerpSaturated  Op = 0x11
	OpMultiplyAdd    Op = 0x12
	OpClamp          Op = 0x13
	OpUnk14          Op = 0x14
	OpAbs            Op = 0x15
	OpSignum         Op = 0x16
	OpFloor          Op = 0x17
	OpCeil           Op = 0x18
	OpRound          Op = 0x19
	OpFrac           Op = 0x1a
	OpUnk1b          Op = 0x1b
	OpUnk1c          Op = 0x1c
	OpNegate         Op = 0x1d
	OpRotSin         Op = 0x1e
	OpRotCos         Op = 0x1f
	OpRotSinCos      Op = 0x20
	OpPermuteExtendX Op = 0x21
	OpPermute        Op = 0x22 // fields u8
	OpSaturate       Op = 0x23
	OpUnk24          Op = 0x24
	OpUnk25          Op = 0x25
	OpUnk26          Op = 0x26
	OpTriangle       Op = 0x27
	OpJitter         Op = 0x28
	OpWander         Op = 0x29
	OpRand           Op = 0x2a
	OpRandSmooth     Op = 0x2b
	OpUnk2c          Op = 0x2c
	OpUnk2d          Op = 0x2d
	OpTransformVec4  Op = 0x2e
)

// Constant pool opcodes (start/index u8).
const (
	OpPushConstVec4         Op = 0x34
	OpLerpConstant          Op = 0x35
	OpLerpConstantSaturated Op = 0x36
	OpSpline4Const          Op = 0x37
	OpSpline8Const          Op = 0x38
	OpSpline8ChainConst     Op = 0x39
	OpGradient4Const        Op = 0x3a
	OpUnk3b                 Op = 0x3b
)

// Extern opcodes (extern u8, offset u8).
const (
	OpPushExternFloat   Op = 0x3c // offset in 4-byte units
	OpPushExternVec4    Op = 0x3d // offset in 16-byte units
	OpPushExternMat4    Op = 0x3e // offset in 16-byte units
	OpPushExternTexture Op = 0x3f // offset in 8-byte units
	OpPushExternU32     Op = 0x40
	OpPushExternUav     Op = 0x41
)

// Register, resource and channel opcodes.
const (
	OpUnk42               Op = 0x42
	OpPushRegister        Op = 0x43 // element u8
	OpPopRegister         Op = 0x44 // element u8
	OpPopRegisterMat4     Op = 0x45 // element u8
	OpPushTemp            Op = 0x46 // slot u8
	OpPopTemp             Op = 0x47 // slot u8
	OpSetShaderTexture    Op = 0x48 // stage<<5 | slot
	OpUnk49               Op = 0x49
	OpSetShaderSampler    Op = 0x4a // stage<<5 | slot
	OpSetShaderUav        Op = 0x4b // stage<<5 | slot
	OpUnk4c               Op = 0x4c
	OpPushSampler         Op = 0x4d // index u8
	OpPushObjectChannel   Op = 0x4e // hash u32 big-endian
	OpPushGlobalChannel   Op = 0x4f // index u8
	OpUnk50               Op = 0x50
	OpUnk51               Op = 0x51
	OpPushTexDimensions   Op = 0x52 // index u8, fields u8
	OpPushTexTilingParams Op = 0x53 // index u8, fields u8
	OpPushTexLayerCount   Op = 0x54 // index u8, fields u8
	OpUnk55               Op = 0x55
	OpUnk56               Op = 0x56
	OpUnk57               Op = 0x57
	OpUnk58               Op = 0x58
)

// Control opcodes. Jumps go forward only and loops are counted.
const (
	OpSelect     Op = 0x60 // pops on-true, on-false, condition
	OpJumpIfZero Op = 0x61 // skip u8: instructions skipped when condition.x == 0
	OpLoop       Op = 0x62 // count u8, body u8: runs the next body instructions count times
)

// Extended math opcodes, no operands.
const (
	OpCross     Op = 0x63 // xyz cross product, w = 0
	OpNormalize Op = 0x64
	OpPow       Op = 0x65 // base deeper, exponent on top
	OpSqrt      Op = 0x66
)

// operandKind selects how the decoder validates operand bytes.
type operandKind uint8

const (
	operandNone     operandKind = iota
	operandFields               // permute selector
	operandConst                // constant index/start, validated with span
	operandExtern               // extern id + offset
	operandRegister             // output register element, validated with span
	operandTemp                 // temp slot
	operandStage                // shader stage + slot
	operandSampler              // sampler table index
	operandHash                 // u32 big-endian object channel hash
	operandChannel              // global channel index, always in range
	operandRaw                  // operand bytes with no known meaning
	operandSkip                 // forward jump distance
	operandLoop                 // loop count + body length
)

// opInfo describes one opcode.
type opInfo struct {
	name    string
	width   int         // operand bytes
	operand operandKind // operand validation
	span    int         // consecutive constants/registers addressed
	pops    int         // stack values consumed
	pushes  int         // stack values produced
	known   bool        // semantics confirmed
	inTable bool        // byte value is part of the instruction set
}

var opTable [256]opInfo

func def(op Op, name string, width int, operand operandKind, span, pops, pushes int, known bool) {
	opTable[op] = opInfo{
		name:    name,
		width:   width,
		operand: operand,
		span:    span,
		pops:    pops,
		pushes:  pushes,
		known:   known,
		inTable: true,
	}
}

func init() {
	def(OpAdd, "add", 0, operandNone, 0, 2, 1, true)
	def(OpSubtract, "subtract", 0, operandNone, 0, 2, 1, true)
	def(OpMultiply, "multiply", 0, operandNone, 0, 2, 1, true)
	def(OpDivide, "divide", 0, operandNone, 0, 2, 1, true)
	def(OpMultiply2, "multiply2", 0, operandNone, 0, 2, 1, true)
	def(OpAdd2, "add2", 0, operandNone, 0, 2, 1, true)
	def(OpIsZero, "is_zero", 0, operandNone, 0, 1, 1, true)
	def(OpMin, "min", 0, operandNone, 0, 2, 1, true)
	def(OpMax, "max", 0, operandNone, 0, 2, 1, true)
	def(OpLessThan, "less_than", 0, operandNone, 0, 2, 1, true)
	def(OpDot, "dot", 0, operandNone, 0, 2, 1, true)
	def(OpMerge1_3, "merge_1_3", 0, operandNone, 0, 2, 1, true)
	def(OpMerge2_2, "merge_2_2", 0, operandNone, 0, 2, 1, true)
	def(OpMerge3_1, "merge_3_1", 0, operandNone, 0, 2, 1, true)
	def(OpCubic, "cubic", 0, operandNone, 0, 2, 1, true)
	def(OpLerp, "lerp", 0, operandNone, 0, 3, 1, true)
	def(OpLerpSaturated, "lerp_saturated", 0, operandNone, 0, 3, 1, false)
	def(OpMultiplyAdd, "multiply_add", 0, operandNone, 0, 3, 1, true)
	def(OpClamp, "clamp", 0, operandNone, 0, 3, 1, true)
	def(OpUnk14, "unk14", 0, operandNone, 0, 2, 0, false)
	def(OpAbs, "abs", 0, operandNone, 0, 1, 1, true)
	def(OpSignum, "signum", 0, operandNone, 0, 1, 1, true)
	def(OpFloor, "floor", 0, operandNone, 0, 1, 1, true)
	def(OpCeil, "ceil", 0, operandNone, 0, 1, 1, true)
	def(OpRound, "round", 0, operandNone, 0, 1, 1, true)
	def(OpFrac, "frac", 0, operandNone, 0, 1, 1, true)
	def(OpUnk1b, "unk1b", 0, operandNone, 0, 0, 0, false)
	def(OpUnk1c, "unk1c", 0, operandNone, 0, 0, 0, false)
	def(OpNegate, "negate", 0, operandNone, 0, 1, 1, true)
	def(OpRotSin, "vector_rotations_sin", 0, operandNone, 0, 1, 1, true)
	def(OpRotCos, "vector_rotations_cos", 0, operandNone, 0, 1, 1, true)
	def(OpRotSinCos, "vector_rotations_sin_cos", 0, operandNone, 0, 1, 1, true)
	def(OpPermuteExtendX, "permute_extend_x", 0, operandNone, 0, 1, 1, true)
	def(OpPermute, "permute", 1, operandFields, 0, 1, 1, true)
	def(OpSaturate, "saturate", 0, operandNone, 0, 1, 1, true)
	def(OpUnk24, "unk24", 0, operandNone, 0, 0, 0, false)
	def(OpUnk25, "unk25", 0, operandNone, 0, 0, 0, false)
	def(OpUnk26, "unk26", 0, operandNone, 0, 0, 0, false)
	def(OpTriangle, "triangle", 0, operandNone, 0, 1, 1, true)
	def(OpJitter, "jitter", 0, operandNone, 0, 1, 1, true)
	def(OpWander, "wander", 0, operandNone, 0, 1, 1, true)
	def(OpRand, "rand", 0, operandNone, 0, 1, 1, true)
	def(OpRandSmooth, "rand_smooth", 0, operandNone, 0, 1, 1, true)
	def(OpUnk2c, "unk2c", 0, operandNone, 0, 1, 0, false)
	def(OpUnk2d, "unk2d", 0, operandNone, 0, 4, 0, false)
	def(OpTransformVec4, "transform_vec4", 0, operandNone, 0, 5, 1, true)

	def(OpPushConstVec4, "push_const_vec4", 1, operandConst, 1, 0, 1, true)
	def(OpLerpConstant, "lerp_constant", 1, operandConst, 2, 1, 1, true)
	def(OpLerpConstantSaturated, "lerp_constant_saturated", 1, operandConst, 2, 1, 1, false)
	def(OpSpline4Const, "spline4_const", 1, operandConst, 5, 1, 1, false)
	def(OpSpline8Const, "spline8_const", 1, operandConst, 10, 1, 1, false)
	def(OpSpline8ChainConst, "spline8_chain_const", 1, operandConst, 1, 1, 1, false)
	def(OpGradient4Const, "gradient4_const", 1, operandConst, 6, 1, 1, false)
	def(OpUnk3b, "unk3b", 1, operandConst, 11, 1, 1, false)

	def(OpPushExternFloat, "push_extern_input_float", 2, operandExtern, 0, 0, 1, true)
	def(OpPushExternVec4, "push_extern_input_vec4", 2, operandExtern, 0, 0, 1, true)
	def(OpPushExternMat4, "push_extern_input_mat4", 2, operandExtern, 0, 0, 4, true)
	def(OpPushExternTexture, "push_extern_input_texture_view", 2, operandExtern, 0, 0, 1, true)
	def(OpPushExternU32, "push_extern_input_u32", 2, operandExtern, 0, 0, 1, false)
	def(OpPushExternUav, "push_extern_input_uav", 2, operandExtern, 0, 0, 1, false)

	def(OpUnk42, "unk42", 0, operandNone, 0, 0, 1, false)
	def(OpPushRegister, "push_from_output", 1, operandRegister, 1, 0, 1, true)
	def(OpPopRegister, "pop_output", 1, operandRegister, 1, 1, 0, true)
	def(OpPopRegisterMat4, "pop_output_mat4", 1, operandRegister, 4, 4, 0, true)
	def(OpPushTemp, "push_temp", 1, operandTemp, 0, 0, 1, true)
	def(OpPopTemp, "pop_temp", 1, operandTemp, 0, 1, 0, true)
	def(OpSetShaderTexture, "set_shader_texture", 1, operandStage, 0, 1, 0, true)
	def(OpUnk49, "unk49", 1, operandRaw, 0, 1, 0, false)
	def(OpSetShaderSampler, "set_shader_sampler", 1, operandStage, 0, 1, 0, true)
	def(OpSetShaderUav, "set_shader_uav", 1, operandStage, 0, 1, 0, false)
	def(OpUnk4c, "unk4c", 1, operandRaw, 0, 0, 1, false)
	def(OpPushSampler, "push_sampler", 1, operandSampler, 0, 0, 1, true)
	def(OpPushObjectChannel, "push_object_channel_vector", 4, operandHash, 0, 0, 1, true)
	def(OpPushGlobalChannel, "push_global_channel_vector", 1, operandChannel, 0, 0, 1, true)
	def(OpUnk50, "unk50", 1, operandRaw, 0, 0, 1, false)
	def(OpUnk51, "unk51", 0, operandNone, 0, 1, 0, false)
	def(OpPushTexDimensions, "push_tex_dimensions", 2, operandRaw, 0, 0, 1, false)
	def(OpPushTexTilingParams, "push_tex_tiling_params", 2, operandRaw, 0, 0, 1, false)
	def(OpPushTexLayerCount, "push_tex_tile_layer_count", 2, operandRaw, 0, 0, 1, false)
	def(OpUnk55, "unk55", 0, operandNone, 0, 0, 0, false)
	def(OpUnk56, "unk56", 0, operandNone, 0, 0, 0, false)
	def(OpUnk57, "unk57", 0, operandNone, 0, 0, 0, false)
	def(OpUnk58, "unk58", 0, operandNone, 0, 0, 0, false)

	def(OpSelect, "select", 0, operandNone, 0, 3, 1, true)
	def(OpJumpIfZero, "jump_if_zero", 1, operandSkip, 0, 1, 0, true)
	def(OpLoop, "loop", 2, operandLoop, 0, 0, 0, true)

	def(OpCross, "cross", 0, operandNone, 0, 2, 1, true)
	def(OpNormalize, "normalize", 0, operandNone, 0, 1, 1, true)
	def(OpPow, "pow", 0, operandNone, 0, 2, 1, true)
	def(OpSqrt, "sqrt", 0, operandNone, 0, 1, 1, true)
}

// String returns the opcode mnemonic.
func (op Op) String() string {
	if info := opTable[op]; info.inTable {
		return info.name
	}
	return fmt.Sprintf("unk%02x", uint8(op))
}

// Width returns the number of operand bytes following the opcode.
func (op Op) Width() int {
	return opTable[op].width
}

// Known reports whether the opcode has confirmed semantics.
func (op Op) Known() bool {
	return opTable[op].known
}

// InTable reports whether the byte value is part of the instruction set.
func (op Op) InTable() bool {
	return opTable[op].inTable
}

// StackEffect returns how many values the opcode pops and pushes.
// Unknown opcodes outside the table have no stack effect.
func (op Op) StackEffect() (pops, pushes int) {
	info := opTable[op]
	return info.pops, info.pushes
}

// ShaderStage is the pipeline stage addressed by set_shader_* opcodes.
type ShaderStage uint8

// Shader stages, encoded in the top three bits of the operand.
const (
	StagePixel    ShaderStage = 1
	StageVertex   ShaderStage = 2
	StageGeometry ShaderStage = 3
	StageHull     ShaderStage = 4
	StageCompute  ShaderStage = 5
	StageDomain   ShaderStage = 6
)

// String returns the short stage name.
func (s ShaderStage) String() string {
	switch s {
	case StagePixel:
		return "PS"
	case StageVertex:
		return "VS"
	case StageGeometry:
		return "GS"
	case StageHull:
		return "HS"
	case StageCompute:
		return "CS"
	case StageDomain:
		return "DS"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// StageSlot splits a set_shader_* operand into stage and slot.
func StageSlot(value uint8) (ShaderStage, uint8) {
	return ShaderStage(value >> 5), value & 0x1f
}

// PermuteLanes splits a permute selector into four lane indices.
func PermuteLanes(fields uint8) (s0, s1, s2, s3 uint8) {
	return (fields >> 6) & 3, (fields >> 4) & 3, (fields >> 2) & 3, fields & 3
}
