package externs

import (
	"fmt"
	"strings"

	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tfx.externs")

// Binder resolves extern reads against a Context. Misses resolve to a zero
// value of the requested kind, are counted in the ErrorReport and log one
// warning per slot. The binder never mutates its context.
type Binder struct {
	ctx    *Context
	report *ErrorReport
}

// NewBinder creates a binder. A nil context behaves as an empty one and a
// nil report gets a private report.
func NewBinder(ctx *Context, report *ErrorReport) *Binder {
	if ctx == nil {
		ctx = EmptyContext()
	}
	if report == nil {
		report = NewErrorReport()
	}
	return &Binder{ctx: ctx, report: report}
}

// Context returns the bound context.
func (b *Binder) Context() *Context {
	return b.ctx
}

// Report returns the error report misses are recorded in.
func (b *Binder) Report() *ErrorReport {
	return b.report
}

// Bind resolves the field of the given kind at a byte offset of a slot.
// The second result is false when the read missed and the zero value was
// substituted.
func (b *Binder) Bind(slot Slot, offset int, kind Kind) (Value, bool) {
	zero := Value{Kind: kind}

	if !slot.Valid() {
		b.miss(MissUnknownSlot, slot, offset, fmt.Sprintf("extern %d is not in the catalog", uint8(slot)))
		return zero, false
	}
	if !b.ctx.IsSet(slot) {
		b.miss(MissNotSet, slot, offset, fmt.Sprintf("extern %s is not set", slot))
		return zero, false
	}

	s := SchemaOf(slot)
	var f Field
	ok := false
	if s != nil {
		f, ok = s.Field(offset)
	}
	if !ok {
		b.miss(MissFieldNotFound, slot, offset,
			fmt.Sprintf("extern field %s@0x%X not found (type %s)", slot, offset, kind))
		return zero, false
	}
	if f.Kind != kind {
		b.miss(MissKindMismatch, slot, offset,
			fmt.Sprintf("extern field %s->%s has type %s, read as %s", slot, f.Name, f.Kind, kind))
		return zero, false
	}

	v, _ := b.ctx.value(slot, offset)
	if f.Stub {
		b.report.record(ReportEntry{
			Kind:    MissStub,
			Slot:    slot,
			Offset:  offset,
			Message: fmt.Sprintf("extern field %s->%s is unimplemented (type %s)", slot, f.Name, kind),
		})
	}
	return v, true
}

// Resolve binds a field addressed as "slot.field". Unknown names resolve
// to the zero value like any other miss.
func (b *Binder) Resolve(path string, kind Kind) (Value, bool) {
	slotName, fieldName, _ := strings.Cut(path, ".")

	slot, ok := Lookup(slotName)
	if !ok {
		b.miss(MissUnknownSlot, SlotNone, -1, fmt.Sprintf("extern %q is not in the catalog", slotName))
		return Value{Kind: kind}, false
	}

	offset := -1
	if s := SchemaOf(slot); s != nil {
		if f, ok := s.FieldByName(fieldName); ok {
			offset = f.Offset
		}
	}
	return b.Bind(slot, offset, kind)
}

// miss records a failed read and logs the first miss of each slot.
func (b *Binder) miss(kind MissKind, slot Slot, offset int, msg string) {
	b.report.record(ReportEntry{Kind: kind, Slot: slot, Offset: offset, Message: msg})
	if b.report.warnOnce(slot) {
		log.Warningf("%s: %s, using zero", tfx.ErrUnresolvedExtern, msg)
	}
}
