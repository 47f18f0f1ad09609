package vm

import (
	"sync"

	"github.com/fortiblox/tfxvm/pkg/tfx"
)

// Arena pools register files by register count so per-frame evaluations
// do not allocate. Safe for concurrent use.
type Arena struct {
	pools [tfx.MaxRegisters + 1]sync.Pool
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Get checks out a reset register file with n registers.
func (a *Arena) Get(n int) *RegisterFile {
	if n < 1 || n > tfx.MaxRegisters {
		return NewRegisterFile(max(n, 0))
	}
	if rf, ok := a.pools[n].Get().(*RegisterFile); ok {
		rf.Reset()
		return rf
	}
	return NewRegisterFile(n)
}

// Put returns a register file to the arena.
func (a *Arena) Put(rf *RegisterFile) {
	if rf == nil {
		return
	}
	n := rf.Len()
	if n < 1 || n > tfx.MaxRegisters {
		return
	}
	a.pools[n].Put(rf)
}
