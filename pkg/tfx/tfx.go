// Package tfx holds the pieces shared by the technique bytecode runtime:
// the error taxonomy, the unknown-opcode policy and the evaluation budget.
//
// The runtime is split into:
// - bytecode: opcode table, decoder and disassembler
// - externs:  extern slot catalog, per-frame context snapshot and binder
// - vm:       register file, evaluation stack and interpreter
// - layout:   constant buffer layouts, output bindings and the packer
// - loader:   the technique container format
// - executor: per-frame parallel evaluation of technique instances
package tfx

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedProgram is returned at decode time for truncated operands,
	// out-of-range operand indices and invalid control flow. The technique is
	// skipped; it never surfaces at execution time.
	ErrMalformedProgram = errors.New("malformed program")

	// ErrUnresolvedExtern marks an extern read that fell back to zero. It is
	// recorded and logged, never returned from an evaluation.
	ErrUnresolvedExtern = errors.New("unresolved extern")

	// ErrUnknownOpcode is returned under the strict policy when an evaluation
	// reaches an opcode without confirmed semantics.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrStackUnderflow is returned when an instruction pops an empty stack.
	ErrStackUnderflow = errors.New("evaluation stack underflow")

	// ErrStackOverflow is returned when the evaluation stack is full.
	ErrStackOverflow = errors.New("evaluation stack overflow")

	// ErrStepBudgetExceeded is returned when an evaluation runs out of steps.
	ErrStepBudgetExceeded = errors.New("step budget exceeded")
)

// Runtime limits.
const (
	MaxRegisters = 255     // Output registers per program
	TempSlots    = 16      // Temp registers per evaluation
	StackDepth   = 64      // Evaluation stack depth
	MaxLoopDepth = 4       // Nested counted loops
	MaxLoopCount = 255     // Largest encodable loop count
	DefaultSteps = 1 << 20 // Default step budget per evaluation
	MaxSteps     = 1 << 26 // Upper bound for configured budgets
)

// Policy selects how an evaluation treats opcodes without confirmed semantics.
type Policy uint8

const (
	// Lenient executes unknown opcodes as no-ops and keeps going.
	Lenient Policy = iota

	// Strict aborts the evaluation at the first unknown opcode.
	Strict
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses "strict" or "lenient".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("unknown policy %q", s)
	}
}

// PolicyFromStrict maps the boolean execution policy flag to a Policy.
func PolicyFromStrict(strict bool) Policy {
	if strict {
		return Strict
	}
	return Lenient
}
