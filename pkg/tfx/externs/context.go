package externs

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fortiblox/tfxvm/internal/types"
)

// NumGlobalChannels is the size of the global channel table.
const NumGlobalChannels = 256

// Context errors.
var (
	ErrUnknownSlot   = errors.New("unknown extern slot")
	ErrNoSchema      = errors.New("extern slot has no field table")
	ErrFieldNotFound = errors.New("extern field not found")
	ErrKindMismatch  = errors.New("extern field kind mismatch")
)

// Context is an immutable snapshot of everything a program may read from
// the engine during one frame: extern slot values, global channels and
// per-object channels. It is safe for concurrent use.
type Context struct {
	slots   [NumSlots]map[int]Value
	globals [NumGlobalChannels]types.Vec4
	objects map[uint32]types.Vec4
}

// IsSet reports whether the slot is bound in this context.
func (c *Context) IsSet(slot Slot) bool {
	return slot.Valid() && c.slots[slot] != nil
}

// value returns the stored value of a field. The slot must be set.
func (c *Context) value(slot Slot, offset int) (Value, bool) {
	v, ok := c.slots[slot][offset]
	return v, ok
}

// GlobalChannel returns a global channel value.
func (c *Context) GlobalChannel(index uint8) types.Vec4 {
	return c.globals[index]
}

// ObjectChannel returns the object channel with the given hash.
func (c *Context) ObjectChannel(hash uint32) (types.Vec4, bool) {
	v, ok := c.objects[hash]
	return v, ok
}

// Slots returns the bound slots ordered by id.
func (c *Context) Slots() []Slot {
	var out []Slot
	for i, m := range c.slots {
		if m != nil {
			out = append(out, Slot(i))
		}
	}
	return out
}

// ContextBuilder assembles a Context. A fresh builder binds the frame and
// decorator_wind slots with their defaults and the default global
// channels. Builders are not safe for concurrent use.
type ContextBuilder struct {
	ctx *Context
}

// NewContextBuilder creates a builder with default bindings.
func NewContextBuilder() *ContextBuilder {
	b := &ContextBuilder{ctx: &Context{
		globals: defaultGlobalChannels(),
		objects: make(map[uint32]types.Vec4),
	}}
	b.Enable(SlotFrame)
	b.Enable(SlotDecoratorWind)
	return b
}

// Enable binds a slot, filling every field of its table with the field
// default. Enabling an already bound slot keeps its values.
func (b *ContextBuilder) Enable(slot Slot) *ContextBuilder {
	if !slot.Valid() || b.ctx.slots[slot] != nil {
		return b
	}
	m := make(map[int]Value)
	if s := SchemaOf(slot); s != nil {
		for _, f := range s.Fields {
			m[f.Offset] = f.Default
		}
	}
	b.ctx.slots[slot] = m
	return b
}

// Disable unbinds a slot.
func (b *ContextBuilder) Disable(slot Slot) *ContextBuilder {
	if slot.Valid() {
		b.ctx.slots[slot] = nil
	}
	return b
}

// field looks up a field for writing and binds its slot.
func (b *ContextBuilder) field(slot Slot, offset int, kind Kind) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, uint8(slot))
	}
	s := SchemaOf(slot)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSchema, slot)
	}
	f, ok := s.Field(offset)
	if !ok {
		return fmt.Errorf("%w: %s@0x%x", ErrFieldNotFound, slot, offset)
	}
	if f.Kind != kind {
		return fmt.Errorf("%w: %s->%s is %s, not %s", ErrKindMismatch, slot, f.Name, f.Kind, kind)
	}
	b.Enable(slot)
	return nil
}

// SetFloat sets a float field at a byte offset.
func (b *ContextBuilder) SetFloat(slot Slot, offset int, v float32) error {
	if err := b.field(slot, offset, KindFloat); err != nil {
		return err
	}
	b.ctx.slots[slot][offset] = Value{Kind: KindFloat, Vec: types.Splat(v)}
	return nil
}

// SetVec4 sets a vec4 field at a byte offset.
func (b *ContextBuilder) SetVec4(slot Slot, offset int, v types.Vec4) error {
	if err := b.field(slot, offset, KindVec4); err != nil {
		return err
	}
	b.ctx.slots[slot][offset] = Value{Kind: KindVec4, Vec: v}
	return nil
}

// SetMat4 sets a mat4 field at a byte offset.
func (b *ContextBuilder) SetMat4(slot Slot, offset int, m types.Mat4) error {
	if err := b.field(slot, offset, KindMat4); err != nil {
		return err
	}
	b.ctx.slots[slot][offset] = Value{Kind: KindMat4, Mat: m}
	return nil
}

// SetTexture sets a texture field at a byte offset. A zero handle is null.
func (b *ContextBuilder) SetTexture(slot Slot, offset int, handle uint64) error {
	if err := b.field(slot, offset, KindTexture); err != nil {
		return err
	}
	b.ctx.slots[slot][offset] = Value{Kind: KindTexture, Handle: handle}
	return nil
}

// SetPath sets a field addressed as "slot.field" from a flat list of
// numbers: 1 for float and texture fields, up to 4 for vec4 fields (missing
// components are zero) and 16 column-major values for mat4 fields.
func (b *ContextBuilder) SetPath(path string, values []float64) error {
	slotName, fieldName, ok := strings.Cut(path, ".")
	if !ok {
		return fmt.Errorf("extern path %q: want slot.field", path)
	}
	slot, ok := Lookup(slotName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slotName)
	}
	s := SchemaOf(slot)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSchema, slot)
	}
	f, ok := s.FieldByName(fieldName)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrFieldNotFound, slot, fieldName)
	}

	switch f.Kind {
	case KindFloat:
		if len(values) != 1 {
			return fmt.Errorf("extern path %q: float needs 1 value, got %d", path, len(values))
		}
		return b.SetFloat(slot, f.Offset, float32(values[0]))
	case KindTexture:
		if len(values) != 1 || values[0] < 0 {
			return fmt.Errorf("extern path %q: texture needs 1 non-negative handle", path)
		}
		return b.SetTexture(slot, f.Offset, uint64(values[0]))
	case KindVec4:
		if len(values) < 1 || len(values) > 4 {
			return fmt.Errorf("extern path %q: vec4 needs 1 to 4 values, got %d", path, len(values))
		}
		var v types.Vec4
		for i, x := range values {
			v[i] = float32(x)
		}
		return b.SetVec4(slot, f.Offset, v)
	case KindMat4:
		if len(values) != 16 {
			return fmt.Errorf("extern path %q: mat4 needs 16 values, got %d", path, len(values))
		}
		var m types.Mat4
		for i, x := range values {
			m[i/4][i%4] = float32(x)
		}
		return b.SetMat4(slot, f.Offset, m)
	}
	return fmt.Errorf("extern path %q: unsupported kind %s", path, f.Kind)
}

// Apply enables the slot of each "slot.field" path and sets the field,
// in path order so that errors are deterministic.
func (b *ContextBuilder) Apply(overrides map[string][]float64) error {
	paths := make([]string, 0, len(overrides))
	for p := range overrides {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		slotName, _, _ := strings.Cut(p, ".")
		if slot, ok := Lookup(slotName); ok {
			b.Enable(slot)
		}
		if err := b.SetPath(p, overrides[p]); err != nil {
			return err
		}
	}
	return nil
}

// SetGlobalChannel sets a global channel value.
func (b *ContextBuilder) SetGlobalChannel(index uint8, v types.Vec4) *ContextBuilder {
	b.ctx.globals[index] = v
	return b
}

// SetObjectChannel sets a per-object channel value.
func (b *ContextBuilder) SetObjectChannel(hash uint32, v types.Vec4) *ContextBuilder {
	b.ctx.objects[hash] = v
	return b
}

// Build returns an immutable snapshot. The builder may keep being used;
// later changes do not affect snapshots already built.
func (b *ContextBuilder) Build() *Context {
	c := &Context{
		globals: b.ctx.globals,
		objects: make(map[uint32]types.Vec4, len(b.ctx.objects)),
	}
	for i, m := range b.ctx.slots {
		if m == nil {
			continue
		}
		cp := make(map[int]Value, len(m))
		for k, v := range m {
			cp[k] = v
		}
		c.slots[i] = cp
	}
	for k, v := range b.ctx.objects {
		c.objects[k] = v
	}
	return c
}

// EmptyContext returns a context with no slots bound, default global
// channels and no object channels.
func EmptyContext() *Context {
	return &Context{
		globals: defaultGlobalChannels(),
		objects: map[uint32]types.Vec4{},
	}
}

// GlobalChannelName returns the known name of a global channel, or "".
func GlobalChannelName(index uint8) string {
	return globalChannelNames[index]
}

var globalChannelNames = map[uint8]string{
	27: "global specular intensity",
	28: "global specular tint",
	31: "global diffuse direct tint",
	32: "global diffuse direct intensity",
	33: "global diffuse penumbra tint",
	34: "global diffuse penumbra intensity",
	37: "fog start",
	41: "fog falloff",
	75: "verity dark/light",
	76: "verity dark/light cancel",
	84: "ao intensity",
}

// defaultGlobalChannels returns the viewer defaults: (1,1,1,1) except for
// the channels listed below.
func defaultGlobalChannels() [NumGlobalChannels]types.Vec4 {
	var g [NumGlobalChannels]types.Vec4
	for i := range g {
		g[i] = types.One4
	}
	for _, i := range []int{10, 75, 76, 82, 83, 97, 98, 100, 113, 127} {
		g[i] = types.Zero4
	}
	g[37] = types.Vec4{50, 0, 0, 0}
	g[41] = types.Vec4{50, 0, 0, 0}
	g[93] = types.Vec4{1, 0, 0, 0}
	g[131] = types.Vec4{0.5, 0.5, 0.3, 0}
	return g
}
