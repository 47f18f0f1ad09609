package externs

import (
	"fmt"
	"sort"
	"sync"
)

// MissKind classifies an error report entry.
type MissKind uint8

// Report entry kinds.
const (
	MissNotSet MissKind = iota + 1
	MissUnknownSlot
	MissFieldNotFound
	MissKindMismatch
	MissStub
	MissUnknownOpcode
)

// String returns the kind name.
func (k MissKind) String() string {
	switch k {
	case MissNotSet:
		return "not_set"
	case MissUnknownSlot:
		return "unknown_slot"
	case MissFieldNotFound:
		return "field_not_found"
	case MissKindMismatch:
		return "kind_mismatch"
	case MissStub:
		return "stub"
	case MissUnknownOpcode:
		return "unknown_opcode"
	default:
		return fmt.Sprintf("miss(%d)", uint8(k))
	}
}

// ReportEntry is one distinct problem seen during evaluation.
type ReportEntry struct {
	Kind    MissKind `json:"kind"`
	Slot    Slot     `json:"slot"`
	Offset  int      `json:"offset"`
	Opcode  uint8    `json:"opcode,omitempty"`
	Message string   `json:"message"`
	Count   uint64   `json:"count"`
}

// ErrorReport collects distinct extern misses and unknown opcodes with
// repeat counts. It outlives individual evaluations so that warnings are
// emitted once per slot rather than once per frame. Safe for concurrent use.
type ErrorReport struct {
	mu      sync.Mutex
	entries map[string]*ReportEntry

	// warned holds the slots whose first miss was already logged.
	warned sync.Map
}

// NewErrorReport creates an empty report.
func NewErrorReport() *ErrorReport {
	return &ErrorReport{entries: make(map[string]*ReportEntry)}
}

// record counts one occurrence and reports whether it was the first.
func (r *ErrorReport) record(e ReportEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[e.Message]; ok {
		cur.Count++
		return false
	}
	e.Count = 1
	r.entries[e.Message] = &e
	return true
}

// RecordOpcode counts one execution of an unknown opcode and reports
// whether it was the first for that opcode byte.
func (r *ErrorReport) RecordOpcode(op uint8, name string) bool {
	return r.record(ReportEntry{
		Kind:    MissUnknownOpcode,
		Opcode:  op,
		Message: fmt.Sprintf("opcode 0x%02x (%s) is not implemented", op, name),
	})
}

// warnOnce reports whether this is the first warning for the slot.
func (r *ErrorReport) warnOnce(slot Slot) bool {
	_, loaded := r.warned.LoadOrStore(slot, struct{}{})
	return !loaded
}

// Entries returns a copy of all entries ordered by message.
func (r *ErrorReport) Entries() []ReportEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ReportEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message < out[j].Message })
	return out
}

// Len returns the number of distinct entries.
func (r *ErrorReport) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset clears all entries. Slots already warned about stay silent.
func (r *ErrorReport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*ReportEntry)
}
