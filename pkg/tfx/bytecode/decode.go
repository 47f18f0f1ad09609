package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fortiblox/tfxvm/pkg/tfx"
)

// MaxCodeSize bounds the bytecode stream of a single program.
const MaxCodeSize = 64 * 1024

// Limits are the table sizes a program declares up front. Operand indices
// are validated against them at decode time.
type Limits struct {
	// Registers is the number of output registers (1..255).
	Registers int

	// Constants is the constant pool size.
	Constants int

	// Samplers is the size of the technique's sampler table.
	Samplers int

	// Externs lists the extern slot ids the program may reference.
	Externs []uint8
}

// Validate checks the declared sizes.
func (l Limits) Validate() error {
	if l.Registers < 1 || l.Registers > tfx.MaxRegisters {
		return fmt.Errorf("%w: register count %d out of range", tfx.ErrMalformedProgram, l.Registers)
	}
	if l.Constants < 0 || l.Constants > 0xffff {
		return fmt.Errorf("%w: constant count %d out of range", tfx.ErrMalformedProgram, l.Constants)
	}
	if l.Samplers < 0 || l.Samplers > 0xff {
		return fmt.Errorf("%w: sampler count %d out of range", tfx.ErrMalformedProgram, l.Samplers)
	}
	return nil
}

// Program is a decoded, validated instruction sequence. It is immutable
// and may be shared by any number of concurrent evaluations.
type Program struct {
	Instructions []Instruction
	Limits       Limits

	unknown int
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// UnknownCount returns how many instructions lack confirmed semantics.
func (p *Program) UnknownCount() int {
	return p.unknown
}

// Disassemble returns a listing of the program, one instruction per line.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	depth := 0
	var closes []int
	for i, ins := range p.Instructions {
		for len(closes) > 0 && closes[len(closes)-1] <= i {
			closes = closes[:len(closes)-1]
			depth--
		}
		fmt.Fprintf(&sb, "%04d  %04x  %s%s\n", i, ins.Offset, strings.Repeat("  ", depth), ins)
		if t := ins.Target(i); t >= 0 {
			closes = append(closes, t)
			depth++
		}
	}
	return sb.String()
}

// region is an open jump or loop range used for nesting validation.
type region struct {
	close int
	loop  bool
}

// Decode converts a bytecode stream into a Program in a single forward pass.
//
// Opcodes outside the instruction set become unknown instructions and
// decoding continues. Truncated operands, operand indices outside the
// declared limits and badly nested control flow fail with
// tfx.ErrMalformedProgram. Decode never panics.
func Decode(code []byte, limits Limits) (prog *Program, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			prog = nil
			err = fmt.Errorf("%w: decoder panic: %v", tfx.ErrMalformedProgram, rec)
		}
	}()

	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if len(code) > MaxCodeSize {
		return nil, fmt.Errorf("%w: code size %d exceeds %d", tfx.ErrMalformedProgram, len(code), MaxCodeSize)
	}

	var externs [256]bool
	for _, id := range limits.Externs {
		externs[id] = true
	}

	d := &decoder{
		code:    code,
		limits:  limits,
		externs: externs,
	}
	prog = &Program{
		Instructions: make([]Instruction, 0, len(code)/2+1),
		Limits:       limits,
	}

	for d.pos < len(code) {
		ins, err := d.next()
		if err != nil {
			return nil, err
		}
		if err := d.nest(ins, len(prog.Instructions)); err != nil {
			return nil, err
		}
		if !ins.Known() {
			prog.unknown++
		}
		prog.Instructions = append(prog.Instructions, ins)
	}

	n := len(prog.Instructions)
	for _, r := range d.open {
		if r.close > n {
			return nil, fmt.Errorf("%w: control target %d beyond end of program (%d instructions)",
				tfx.ErrMalformedProgram, r.close, n)
		}
	}

	return prog, nil
}

type decoder struct {
	code    []byte
	pos     int
	limits  Limits
	externs [256]bool
	open    []region
}

// next reads one instruction and validates its operands.
func (d *decoder) next() (Instruction, error) {
	start := d.pos
	op := Op(d.code[d.pos])
	d.pos++

	info := opTable[op]
	if d.pos+info.width > len(d.code) {
		return Instruction{}, fmt.Errorf("%w: truncated operands for %s at offset %d",
			tfx.ErrMalformedProgram, op, start)
	}

	ins := Instruction{Op: op, Offset: start}
	switch info.width {
	case 1:
		ins.A = d.code[d.pos]
	case 2:
		ins.A = d.code[d.pos]
		ins.B = d.code[d.pos+1]
	case 4:
		ins.Hash = binary.BigEndian.Uint32(d.code[d.pos:])
	}
	d.pos += info.width

	if err := d.check(ins, info); err != nil {
		return Instruction{}, err
	}
	return ins, nil
}

// check validates operand indices against the declared limits.
func (d *decoder) check(ins Instruction, info opInfo) error {
	switch info.operand {
	case operandConst:
		if int(ins.A)+info.span > d.limits.Constants {
			return fmt.Errorf("%w: %s at offset %d reads constants %d..%d, pool has %d",
				tfx.ErrMalformedProgram, ins.Op, ins.Offset, ins.A, int(ins.A)+info.span-1, d.limits.Constants)
		}
	case operandRegister:
		if int(ins.A)+info.span > d.limits.Registers {
			return fmt.Errorf("%w: %s at offset %d addresses register %d, program has %d",
				tfx.ErrMalformedProgram, ins.Op, ins.Offset, int(ins.A)+info.span-1, d.limits.Registers)
		}
	case operandTemp:
		if int(ins.A) >= tfx.TempSlots {
			return fmt.Errorf("%w: %s at offset %d addresses temp %d",
				tfx.ErrMalformedProgram, ins.Op, ins.Offset, ins.A)
		}
	case operandExtern:
		if !d.externs[ins.A] {
			return fmt.Errorf("%w: %s at offset %d references undeclared extern %d",
				tfx.ErrMalformedProgram, ins.Op, ins.Offset, ins.A)
		}
	case operandSampler:
		if int(ins.A) >= d.limits.Samplers {
			return fmt.Errorf("%w: %s at offset %d addresses sampler %d, table has %d",
				tfx.ErrMalformedProgram, ins.Op, ins.Offset, ins.A, d.limits.Samplers)
		}
	case operandStage:
		if stage, _ := StageSlot(ins.A); stage < StagePixel || stage > StageDomain {
			return fmt.Errorf("%w: %s at offset %d has invalid shader stage %d",
				tfx.ErrMalformedProgram, ins.Op, ins.Offset, stage)
		}
	}
	return nil
}

// nest keeps jump and loop ranges properly nested. A range may end where
// its enclosing range ends but never past it, so control flow cannot leave
// a loop body early or enter one from outside.
func (d *decoder) nest(ins Instruction, index int) error {
	for len(d.open) > 0 && d.open[len(d.open)-1].close <= index {
		d.open = d.open[:len(d.open)-1]
	}

	target := ins.Target(index)
	if target < 0 {
		return nil
	}

	if len(d.open) > 0 && target > d.open[len(d.open)-1].close {
		return fmt.Errorf("%w: %s at offset %d crosses the end of an enclosing block",
			tfx.ErrMalformedProgram, ins.Op, ins.Offset)
	}

	isLoop := ins.Op == OpLoop
	if isLoop {
		depth := 1
		for _, r := range d.open {
			if r.loop {
				depth++
			}
		}
		if depth > tfx.MaxLoopDepth {
			return fmt.Errorf("%w: loop at offset %d nests deeper than %d",
				tfx.ErrMalformedProgram, ins.Offset, tfx.MaxLoopDepth)
		}
	}

	d.open = append(d.open, region{close: target, loop: isLoop})
	return nil
}
