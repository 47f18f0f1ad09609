package vm

import (
	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx"
)

// RegisterFile is the mutable state of one evaluation: the output
// registers, the temp slots and the evaluation stack. It is owned by a
// single evaluation at a time and is never shared.
type RegisterFile struct {
	regs   []types.Vec4
	temps  [tfx.TempSlots]types.Vec4
	stack  [tfx.StackDepth]types.Vec4
	sp     int
	writes int
}

// NewRegisterFile creates a register file with n output registers.
func NewRegisterFile(n int) *RegisterFile {
	return &RegisterFile{regs: make([]types.Vec4, n)}
}

// Reset zeroes every register, temp slot and the stack.
func (rf *RegisterFile) Reset() {
	clear(rf.regs)
	rf.temps = [tfx.TempSlots]types.Vec4{}
	rf.sp = 0
	rf.writes = 0
}

// Len returns the number of output registers.
func (rf *RegisterFile) Len() int {
	return len(rf.regs)
}

// Registers returns the output registers. The slice aliases the file.
func (rf *RegisterFile) Registers() []types.Vec4 {
	return rf.regs
}

// Register returns output register i.
func (rf *RegisterFile) Register(i int) types.Vec4 {
	return rf.regs[i]
}

// SetRegister writes output register i.
func (rf *RegisterFile) SetRegister(i int, v types.Vec4) {
	rf.regs[i] = v
	rf.writes++
}

// Writes returns the number of register writes since the last reset.
func (rf *RegisterFile) Writes() int {
	return rf.writes
}

// Temp returns temp slot i.
func (rf *RegisterFile) Temp(i int) types.Vec4 {
	return rf.temps[i]
}

// SetTemp writes temp slot i.
func (rf *RegisterFile) SetTemp(i int, v types.Vec4) {
	rf.temps[i] = v
}

// Depth returns the number of values on the stack.
func (rf *RegisterFile) Depth() int {
	return rf.sp
}

// Push pushes a value onto the stack.
func (rf *RegisterFile) Push(v types.Vec4) error {
	if rf.sp >= tfx.StackDepth {
		return tfx.ErrStackOverflow
	}
	rf.stack[rf.sp] = v
	rf.sp++
	return nil
}

// Pop pops the top of the stack.
func (rf *RegisterFile) Pop() (types.Vec4, error) {
	if rf.sp == 0 {
		return types.Vec4{}, tfx.ErrStackUnderflow
	}
	rf.sp--
	return rf.stack[rf.sp], nil
}

// PopN pops n values and returns them ordered from deepest to top. The
// returned slice aliases the stack and is valid until the next push.
func (rf *RegisterFile) PopN(n int) ([]types.Vec4, error) {
	if rf.sp < n {
		return nil, tfx.ErrStackUnderflow
	}
	rf.sp -= n
	return rf.stack[rf.sp : rf.sp+n], nil
}

// Top returns a pointer to the top of the stack for in-place updates.
func (rf *RegisterFile) Top() (*types.Vec4, error) {
	if rf.sp == 0 {
		return nil, tfx.ErrStackUnderflow
	}
	return &rf.stack[rf.sp-1], nil
}
