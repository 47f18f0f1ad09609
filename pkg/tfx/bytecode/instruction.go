package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Instruction is one decoded opcode with its operands.
//
// Operand meaning depends on the opcode:
//   - constant ops: A = index or range start
//   - extern ops: A = extern slot id, B = offset in the op's unit size
//   - register/temp ops: A = element or slot
//   - set_shader_*: A = stage<<5 | slot
//   - permute: A = lane selector
//   - push_tex_*: A = index, B = fields
//   - jump_if_zero: A = instructions skipped
//   - loop: A = iteration count, B = body length in instructions
//   - push_object_channel_vector: Hash
//
// An instruction whose opcode is not Known is the Unknown variant; it keeps
// the raw opcode byte and operand bytes for diagnostics.
type Instruction struct {
	Op   Op
	A    uint8
	B    uint8
	Hash uint32

	// Offset is the byte offset of the opcode in the source stream.
	Offset int
}

// Known reports whether the instruction has confirmed semantics.
func (ins Instruction) Known() bool {
	return ins.Op.Known()
}

// Size returns the encoded size in bytes.
func (ins Instruction) Size() int {
	return 1 + ins.Op.Width()
}

// Target returns the instruction index a jump lands on or a loop body ends
// at, given the instruction's own index. Other opcodes return -1.
func (ins Instruction) Target(index int) int {
	switch ins.Op {
	case OpJumpIfZero:
		return index + 1 + int(ins.A)
	case OpLoop:
		return index + 1 + int(ins.B)
	default:
		return -1
	}
}

// AppendEncoded appends the wire encoding of the instruction to buf.
func (ins Instruction) AppendEncoded(buf []byte) []byte {
	buf = append(buf, byte(ins.Op))
	switch ins.Op.Width() {
	case 1:
		buf = append(buf, ins.A)
	case 2:
		buf = append(buf, ins.A, ins.B)
	case 4:
		buf = binary.BigEndian.AppendUint32(buf, ins.Hash)
	}
	return buf
}

// String returns the disassembly of the instruction.
func (ins Instruction) String() string {
	name := ins.Op.String()
	info := opTable[ins.Op]

	var s string
	switch info.operand {
	case operandNone:
		s = name
	case operandFields:
		s0, s1, s2, s3 := PermuteLanes(ins.A)
		s = fmt.Sprintf("%s .%c%c%c%c", name, lane(s0), lane(s1), lane(s2), lane(s3))
	case operandConst:
		s = fmt.Sprintf("%s c%d", name, ins.A)
	case operandExtern:
		s = fmt.Sprintf("%s extern(%d)+%d", name, ins.A, ins.B)
	case operandRegister:
		s = fmt.Sprintf("%s r%d", name, ins.A)
	case operandTemp:
		s = fmt.Sprintf("%s t%d", name, ins.A)
	case operandStage:
		stage, slot := StageSlot(ins.A)
		s = fmt.Sprintf("%s %s[%d]", name, stage, slot)
	case operandSampler:
		s = fmt.Sprintf("%s s%d", name, ins.A)
	case operandHash:
		s = fmt.Sprintf("%s 0x%08x", name, ins.Hash)
	case operandChannel:
		s = fmt.Sprintf("%s g%d", name, ins.A)
	case operandSkip:
		s = fmt.Sprintf("%s +%d", name, ins.A)
	case operandLoop:
		s = fmt.Sprintf("%s x%d {%d}", name, ins.A, ins.B)
	default:
		switch info.width {
		case 1:
			s = fmt.Sprintf("%s 0x%02x", name, ins.A)
		case 2:
			s = fmt.Sprintf("%s 0x%02x 0x%02x", name, ins.A, ins.B)
		default:
			s = name
		}
	}

	if !ins.Known() {
		s += " ; unknown"
	}
	return s
}

func lane(i uint8) byte {
	return "xyzw"[i&3]
}

// Encode returns the wire encoding of a list of instructions.
func Encode(instructions []Instruction) []byte {
	var buf []byte
	for _, ins := range instructions {
		buf = ins.AppendEncoded(buf)
	}
	return buf
}
