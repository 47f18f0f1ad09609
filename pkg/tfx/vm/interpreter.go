// Package vm executes decoded TFX programs.
//
// The machine is a stack-assisted register machine: arithmetic pops its
// operands from a bounded evaluation stack and pushes the result, while
// output registers and temp slots give random access to earlier results.
// Control flow is limited to forward jumps and counted loops, and every
// executed instruction is charged against a step budget.
package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/fortiblox/tfxvm/pkg/tfx/bytecode"
	"github.com/fortiblox/tfxvm/pkg/tfx/externs"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tfx.vm")

// HandleGuard marks the high half of a pushed texture handle as valid.
const HandleGuard uint64 = 0xDEADCAFE0D15EA5E

// BindingKind is the resource type of a set_shader_* request.
type BindingKind uint8

// Resource binding kinds.
const (
	BindTexture BindingKind = iota + 1
	BindSampler
)

// String returns the binding kind name.
func (k BindingKind) String() string {
	switch k {
	case BindTexture:
		return "texture"
	case BindSampler:
		return "sampler"
	default:
		return fmt.Sprintf("binding(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k BindingKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Binding is a resource bind requested by a program. A zero Handle with
// Null set unbinds the slot.
type Binding struct {
	Kind   BindingKind          `json:"kind"`
	Stage  bytecode.ShaderStage `json:"stage"`
	Slot   uint8                `json:"slot"`
	Handle uint64               `json:"handle"`
	Null   bool                 `json:"null"`
}

// Stats summarizes one evaluation.
type Stats struct {
	Steps    uint64 `json:"steps"`
	Writes   int    `json:"writes"`
	Unknowns int    `json:"unknowns"`
	Misses   int    `json:"misses"`
}

// Result is the outcome of a successful evaluation.
type Result struct {
	// Registers aliases the evaluation's register file and stays valid
	// until the file is reused.
	Registers []types.Vec4
	Bindings  []Binding
	Stats     Stats
}

// Evaluation bundles everything one run reads.
type Evaluation struct {
	Program   *bytecode.Program
	Constants []types.Vec4
	Binder    *externs.Binder
	Samplers  []uint64

	// Registers is the file to run in. When nil a fresh one is allocated.
	Registers *RegisterFile
}

// Options configures an Interpreter.
type Options struct {
	Policy   tfx.Policy
	MaxSteps uint64 // 0 selects tfx.DefaultSteps
}

// Interpreter runs programs. It holds no per-run state and is safe for
// concurrent use.
type Interpreter struct {
	policy   tfx.Policy
	maxSteps uint64
}

// NewInterpreter creates an interpreter.
func NewInterpreter(opts Options) *Interpreter {
	return &Interpreter{policy: opts.Policy, maxSteps: opts.MaxSteps}
}

// Policy returns the unknown-opcode policy.
func (ip *Interpreter) Policy() tfx.Policy {
	return ip.policy
}

// loopFrame is an active counted loop.
type loopFrame struct {
	start     int
	end       int
	remaining int
}

// Run executes a program to completion.
//
// Under the strict policy an unknown instruction fails the run with
// tfx.ErrUnknownOpcode. Under the lenient policy it applies its stack
// signature with zeros pushed, leaves registers untouched and is reported
// once per opcode. Stack faults and budget exhaustion abort the run.
func (ip *Interpreter) Run(ev Evaluation) (res *Result, err error) {
	prog := ev.Program
	if prog == nil {
		return nil, fmt.Errorf("%w: nil program", tfx.ErrMalformedProgram)
	}
	if len(ev.Constants) < prog.Limits.Constants {
		return nil, fmt.Errorf("%w: program declares %d constants, pool has %d",
			tfx.ErrMalformedProgram, prog.Limits.Constants, len(ev.Constants))
	}

	rf := ev.Registers
	if rf == nil {
		rf = NewRegisterFile(prog.Limits.Registers)
	}
	if rf.Len() != prog.Limits.Registers {
		return nil, fmt.Errorf("register file has %d registers, program needs %d",
			rf.Len(), prog.Limits.Registers)
	}

	binder := ev.Binder
	if binder == nil {
		binder = externs.NewBinder(nil, nil)
	}

	m := &machine{
		rf:        rf,
		consts:    ev.Constants,
		binder:    binder,
		samplers:  ev.Samplers,
		policy:    ip.policy,
		meter:     tfx.NewStepMeter(ip.maxSteps),
		bindings:  nil,
		program:   prog,
		loopStack: make([]loopFrame, 0, tfx.MaxLoopDepth),
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("vm panic at instruction %d: %v", m.ip, rec)
		}
	}()

	if err := m.run(); err != nil {
		return nil, err
	}

	return &Result{
		Registers: rf.Registers(),
		Bindings:  m.bindings,
		Stats: Stats{
			Steps:    m.meter.Consumed(),
			Writes:   rf.Writes(),
			Unknowns: m.unknowns,
			Misses:   m.misses,
		},
	}, nil
}

// machine is the per-run execution state.
type machine struct {
	rf       *RegisterFile
	consts   []types.Vec4
	binder   *externs.Binder
	samplers []uint64
	policy   tfx.Policy
	meter    *tfx.StepMeter
	program  *bytecode.Program

	ip        int
	loopStack []loopFrame
	bindings  []Binding
	unknowns  int
	misses    int
}

func (m *machine) run() error {
	code := m.program.Instructions

	for {
		if n := len(m.loopStack); n > 0 && m.ip == m.loopStack[n-1].end {
			top := &m.loopStack[n-1]
			top.remaining--
			if top.remaining > 0 {
				m.ip = top.start
			} else {
				m.loopStack = m.loopStack[:n-1]
			}
			continue
		}
		if m.ip >= len(code) {
			return nil
		}

		ins := code[m.ip]
		m.ip++

		if err := m.meter.Consume(1); err != nil {
			return fmt.Errorf("%w at instruction %d", err, m.ip-1)
		}
		if err := m.step(ins); err != nil {
			return fmt.Errorf("%s at offset %d: %w", ins.Op, ins.Offset, err)
		}
	}
}

// binary pops two operands (t1 deeper, t0 on top) and pushes f(t1, t0).
func (m *machine) binary(f func(t1, t0 types.Vec4) types.Vec4) error {
	v, err := m.rf.PopN(2)
	if err != nil {
		return err
	}
	t1, t0 := v[0], v[1]
	return m.rf.Push(f(t1, t0))
}

// unary replaces the top of the stack with f(top).
func (m *machine) unary(f func(types.Vec4) types.Vec4) error {
	top, err := m.rf.Top()
	if err != nil {
		return err
	}
	*top = f(*top)
	return nil
}

func (m *machine) step(ins bytecode.Instruction) error {
	if !ins.Known() {
		return m.unknown(ins)
	}

	rf := m.rf
	switch ins.Op {
	case bytecode.OpAdd, bytecode.OpAdd2:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return t1.Add(t0) })
	case bytecode.OpSubtract:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return t1.Sub(t0) })
	case bytecode.OpMultiply, bytecode.OpMultiply2:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return t1.Mul(t0) })
	case bytecode.OpDivide:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return t1.Div(t0) })
	case bytecode.OpMin:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return t1.Min(t0) })
	case bytecode.OpMax:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return t1.Max(t0) })
	case bytecode.OpLessThan:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return lessThan(t0, t1) })
	case bytecode.OpDot:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return types.Splat(t0.Dot(t1)) })
	case bytecode.OpMerge1_3:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return types.Vec4{t1[0], t0[0], t0[1], t0[2]} })
	case bytecode.OpMerge2_2:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return types.Vec4{t1[0], t1[1], t0[0], t0[1]} })
	case bytecode.OpMerge3_1:
		return m.binary(func(t1, t0 types.Vec4) types.Vec4 { return types.Vec4{t1[0], t1[1], t1[2], t0[0]} })
	case bytecode.OpCubic:
		return m.binary(cubic)
	case bytecode.OpCross:
		return m.binary(types.Vec4.Cross)
	case bytecode.OpPow:
		return m.binary(types.Vec4.Pow)

	case bytecode.OpLerp:
		v, err := rf.PopN(3)
		if err != nil {
			return err
		}
		b, a, t := v[0], v[1], v[2]
		return rf.Push(a.Add(t.Mul(b.Sub(a))))
	case bytecode.OpMultiplyAdd:
		v, err := rf.PopN(3)
		if err != nil {
			return err
		}
		t2, t1, t0 := v[0], v[1], v[2]
		return rf.Push(t0.Add(t1.Mul(t2)))
	case bytecode.OpClamp:
		v, err := rf.PopN(3)
		if err != nil {
			return err
		}
		value, lo, hi := v[0], v[1], v[2]
		return rf.Push(value.Clamp(lo, hi))
	case bytecode.OpSelect:
		v, err := rf.PopN(3)
		if err != nil {
			return err
		}
		onTrue, onFalse, cond := v[0], v[1], v[2]
		return rf.Push(selectLanes(cond, onTrue, onFalse))
	case bytecode.OpTransformVec4:
		v, err := rf.PopN(5)
		if err != nil {
			return err
		}
		mat := types.Mat4{v[0], v[1], v[2], v[3]}
		return rf.Push(mat.MulVec4(v[4]))

	case bytecode.OpIsZero:
		return m.unary(isZero)
	case bytecode.OpAbs:
		return m.unary(types.Vec4.Abs)
	case bytecode.OpSignum:
		return m.unary(types.Vec4.Signum)
	case bytecode.OpFloor:
		return m.unary(types.Vec4.Floor)
	case bytecode.OpCeil:
		return m.unary(types.Vec4.Ceil)
	case bytecode.OpRound:
		return m.unary(types.Vec4.Round)
	case bytecode.OpFrac:
		return m.unary(types.Vec4.Fract)
	case bytecode.OpNegate:
		return m.unary(types.Vec4.Neg)
	case bytecode.OpRotSin:
		return m.unary(sinEstimate)
	case bytecode.OpRotCos:
		return m.unary(cosEstimate)
	case bytecode.OpRotSinCos:
		return m.unary(sinCosEstimate)
	case bytecode.OpPermuteExtendX:
		return m.unary(func(v types.Vec4) types.Vec4 { return types.Splat(v[0]) })
	case bytecode.OpPermute:
		return m.unary(func(v types.Vec4) types.Vec4 { return permute(v, ins.A) })
	case bytecode.OpSaturate:
		return m.unary(func(v types.Vec4) types.Vec4 { return v.Clamp(types.Zero4, types.One4) })
	case bytecode.OpTriangle:
		return m.unary(triangle)
	case bytecode.OpJitter:
		return m.unary(jitter)
	case bytecode.OpWander:
		return m.unary(wander)
	case bytecode.OpRand:
		return m.unary(random)
	case bytecode.OpRandSmooth:
		return m.unary(randomSmooth)
	case bytecode.OpNormalize:
		return m.unary(types.Vec4.Normalize)
	case bytecode.OpSqrt:
		return m.unary(types.Vec4.Sqrt)

	case bytecode.OpPushConstVec4:
		return rf.Push(m.consts[ins.A])
	case bytecode.OpLerpConstant:
		a, b := m.consts[ins.A], m.consts[int(ins.A)+1]
		return m.unary(func(v types.Vec4) types.Vec4 { return a.Add(v.Mul(b.Sub(a))) })

	case bytecode.OpPushExternFloat:
		v := m.bind(ins, externs.KindFloat)
		return rf.Push(types.Splat(v.Float()))
	case bytecode.OpPushExternVec4:
		return rf.Push(m.bind(ins, externs.KindVec4).Vec)
	case bytecode.OpPushExternMat4:
		mat := m.bind(ins, externs.KindMat4).Mat
		for _, col := range mat {
			if err := rf.Push(col); err != nil {
				return err
			}
		}
		return nil
	case bytecode.OpPushExternTexture:
		return rf.Push(textureVec(m.bind(ins, externs.KindTexture).Handle))

	case bytecode.OpPushRegister:
		return rf.Push(rf.Register(int(ins.A)))
	case bytecode.OpPopRegister:
		v, err := rf.Pop()
		if err != nil {
			return err
		}
		rf.SetRegister(int(ins.A), v)
		return nil
	case bytecode.OpPopRegisterMat4:
		v, err := rf.PopN(4)
		if err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			rf.SetRegister(int(ins.A)+i, v[i])
		}
		return nil
	case bytecode.OpPushTemp:
		return rf.Push(rf.Temp(int(ins.A)))
	case bytecode.OpPopTemp:
		v, err := rf.Pop()
		if err != nil {
			return err
		}
		rf.SetTemp(int(ins.A), v)
		return nil

	case bytecode.OpSetShaderTexture:
		v, err := rf.Pop()
		if err != nil {
			return err
		}
		handle, guard := vecHandles(v)
		stage, slot := bytecode.StageSlot(ins.A)
		b := Binding{Kind: BindTexture, Stage: stage, Slot: slot}
		if guard == HandleGuard {
			b.Handle = handle
		} else {
			b.Null = true
		}
		m.bindings = append(m.bindings, b)
		return nil
	case bytecode.OpSetShaderSampler:
		v, err := rf.Pop()
		if err != nil {
			return err
		}
		handle, _ := vecHandles(v)
		stage, slot := bytecode.StageSlot(ins.A)
		m.bindings = append(m.bindings, Binding{
			Kind:   BindSampler,
			Stage:  stage,
			Slot:   slot,
			Handle: handle,
			Null:   handle == 0,
		})
		return nil
	case bytecode.OpPushSampler:
		var handle uint64
		if int(ins.A) < len(m.samplers) {
			handle = m.samplers[ins.A]
		}
		return rf.Push(handlesVec(handle, 0))

	case bytecode.OpPushObjectChannel:
		v, _ := m.binder.Context().ObjectChannel(ins.Hash)
		return rf.Push(v)
	case bytecode.OpPushGlobalChannel:
		return rf.Push(m.binder.Context().GlobalChannel(ins.A))

	case bytecode.OpJumpIfZero:
		v, err := rf.Pop()
		if err != nil {
			return err
		}
		if v[0] == 0 {
			m.ip += int(ins.A)
		}
		return nil
	case bytecode.OpLoop:
		if ins.A == 0 || ins.B == 0 {
			m.ip += int(ins.B)
			return nil
		}
		m.loopStack = append(m.loopStack, loopFrame{
			start:     m.ip,
			end:       m.ip + int(ins.B),
			remaining: int(ins.A),
		})
		return nil
	}

	// Known opcodes without a case above are a table inconsistency.
	return m.unknown(ins)
}

// bind resolves an extern operand.
func (m *machine) bind(ins bytecode.Instruction, kind externs.Kind) externs.Value {
	v, ok := m.binder.Bind(externs.Slot(ins.A), int(ins.B)*kind.Unit(), kind)
	if !ok {
		m.misses++
	}
	return v
}

// unknown applies the unknown-opcode policy.
func (m *machine) unknown(ins bytecode.Instruction) error {
	if m.policy == tfx.Strict {
		return tfx.ErrUnknownOpcode
	}

	m.unknowns++
	if m.binder.Report().RecordOpcode(uint8(ins.Op), ins.Op.String()) {
		log.Warningf("%s: %s at offset %d treated as no-op", tfx.ErrUnknownOpcode, ins.Op, ins.Offset)
	}

	pops, pushes := ins.Op.StackEffect()
	if _, err := m.rf.PopN(pops); err != nil {
		return err
	}
	for i := 0; i < pushes; i++ {
		if err := m.rf.Push(types.Zero4); err != nil {
			return err
		}
	}
	return nil
}

// handlesVec packs two u64 values into the bits of a vector.
func handlesVec(lo, hi uint64) types.Vec4 {
	return types.Vec4{
		math.Float32frombits(uint32(lo)),
		math.Float32frombits(uint32(lo >> 32)),
		math.Float32frombits(uint32(hi)),
		math.Float32frombits(uint32(hi >> 32)),
	}
}

// vecHandles unpacks two u64 values from the bits of a vector.
func vecHandles(v types.Vec4) (lo, hi uint64) {
	var buf [16]byte
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return binary.LittleEndian.Uint64(buf[:8]), binary.LittleEndian.Uint64(buf[8:])
}

// textureVec encodes a texture handle; null handles carry no guard.
func textureVec(handle uint64) types.Vec4 {
	if handle == 0 {
		return types.Vec4{}
	}
	return handlesVec(handle, HandleGuard)
}
