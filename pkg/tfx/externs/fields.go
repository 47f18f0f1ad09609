package externs

import (
	"fmt"
	"sort"

	"github.com/fortiblox/tfxvm/internal/types"
)

// Kind is the value shape of an extern field.
type Kind uint8

// Field kinds. Offsets of float reads are in 4-byte units, vec4 and mat4
// reads in 16-byte units and texture reads in 8-byte units.
const (
	KindFloat Kind = iota + 1
	KindVec4
	KindMat4
	KindTexture
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindVec4:
		return "vec4"
	case KindMat4:
		return "mat4"
	case KindTexture:
		return "texture"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Unit returns the byte size of one offset unit for reads of this kind.
func (k Kind) Unit() int {
	switch k {
	case KindFloat:
		return 4
	case KindTexture:
		return 8
	default:
		return 16
	}
}

// Value is a resolved extern value. Floats are stored splatted in Vec.
type Value struct {
	Kind   Kind
	Vec    types.Vec4
	Mat    types.Mat4
	Handle uint64
}

// Float returns the scalar of a float value.
func (v Value) Float() float32 {
	return v.Vec[0]
}

// Field describes one addressable field of an extern slot.
type Field struct {
	Offset int
	Name   string
	Kind   Kind

	// Stub fields have unconfirmed meaning. They resolve to their current
	// value but every read is counted in the error report.
	Stub bool

	Default Value
}

func newField(offset int, name string, kind Kind) Field {
	f := Field{Offset: offset, Name: name, Kind: kind}
	f.Default.Kind = kind
	switch kind {
	case KindFloat, KindVec4:
		f.Default.Vec = types.One4
	case KindMat4:
		f.Default.Mat = types.Identity4()
	}
	return f
}

func scalar(offset int, name string) Field { return newField(offset, name, KindFloat) }
func vector(offset int, name string) Field { return newField(offset, name, KindVec4) }
func matrix(offset int, name string) Field { return newField(offset, name, KindMat4) }
func texture(offset int, name string) Field { return newField(offset, name, KindTexture) }

func (f Field) stub() Field {
	f.Stub = true
	return f
}

func (f Field) initial(v types.Vec4) Field {
	if f.Kind == KindFloat {
		v = types.Splat(v[0])
	}
	f.Default.Vec = v
	return f
}

// Schema is the field table of one extern slot.
type Schema struct {
	Slot   Slot
	Fields []Field

	byOffset map[int]int
	byName   map[string]int
}

// Field returns the field at a byte offset.
func (s *Schema) Field(offset int) (Field, bool) {
	i, ok := s.byOffset[offset]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// FieldByName returns the field with the given name.
func (s *Schema) FieldByName(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

var schemas [NumSlots]*Schema

// SchemaOf returns the field table of a slot, or nil when the slot has none.
func SchemaOf(slot Slot) *Schema {
	if !slot.Valid() {
		return nil
	}
	return schemas[slot]
}

// Schemas returns every slot that has a field table, ordered by slot id.
func Schemas() []*Schema {
	var out []*Schema
	for _, s := range schemas {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// FieldPath returns "slot->field" for diagnostics, or "" when unknown.
func FieldPath(slot Slot, offset int) string {
	s := SchemaOf(slot)
	if s == nil {
		return ""
	}
	f, ok := s.Field(offset)
	if !ok {
		return ""
	}
	return slot.String() + "->" + f.Name
}

// register adds a slot's field table to the catalog.
func register(slot Slot, fields ...Field) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Offset < fields[j].Offset })
	s := &Schema{
		Slot:     slot,
		Fields:   fields,
		byOffset: make(map[int]int, len(fields)),
		byName:   make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := s.byOffset[f.Offset]; dup {
			panic(fmt.Sprintf("externs: duplicate offset 0x%x in %s", f.Offset, slot))
		}
		s.byOffset[f.Offset] = i
		s.byName[f.Name] = i
	}
	schemas[slot] = s
}

func init() {
	register(SlotFrame,
		scalar(0x00, "game_time"),
		scalar(0x04, "render_time"),
		scalar(0x0c, "unk0c").stub(),
		scalar(0x10, "unk10").stub(),
		scalar(0x14, "delta_game_time").stub(),
		scalar(0x18, "exposure_time").stub(),
		scalar(0x1c, "exposure_scale"),
		scalar(0x20, "unk20").stub(),
		scalar(0x24, "unk24").stub(),
		scalar(0x28, "exposure_illum_relative").stub(),
		scalar(0x2c, "unk2c").stub(),
		scalar(0x40, "unk40").stub(),
		scalar(0x70, "unk70").stub(),
		texture(0x78, "unk78").stub(),
		texture(0x80, "unk80").stub(),
		texture(0x88, "unk88").stub(),
		texture(0x90, "unk90").stub(),
		texture(0x98, "unk98").stub(),
		texture(0xa0, "unka0").stub(),
		texture(0xa8, "specular_lobe_lookup"),
		texture(0xb0, "specular_lobe_3d_lookup"),
		texture(0xb8, "specular_tint_lookup"),
		texture(0xc0, "iridescence_lookup"),
		vector(0xd0, "unkd0").stub(),
		vector(0x150, "unk150").stub(),
		vector(0x160, "unk160").stub(),
		vector(0x170, "unk170").stub(),
		vector(0x180, "unk180").stub(),
		scalar(0x190, "unk190").stub(),
		scalar(0x194, "unk194").stub(),
		vector(0x1a0, "unk1a0").initial(types.Vec4{}),
		vector(0x1b0, "unk1b0"),
		vector(0x1c0, "unk1c0").initial(types.Vec4{1, 1, 0, 1}),
		texture(0x1e0, "unk1e0").stub(),
		texture(0x1e8, "unk1e8").stub(),
		texture(0x1f0, "unk1f0").stub(),
	)
	register(SlotView,
		scalar(0x00, "resolution_width"),
		scalar(0x04, "resolution_height"),
		vector(0x10, "view_miscellaneous"),
		vector(0x20, "position"),
		vector(0x30, "unk30"),
		matrix(0x40, "world_to_camera"),
		matrix(0x80, "camera_to_projective"),
		matrix(0xc0, "camera_to_world"),
		matrix(0x100, "projective_to_camera"),
		matrix(0x140, "world_to_projective"),
		matrix(0x180, "projective_to_world"),
		matrix(0x1c0, "target_pixel_to_world"),
		matrix(0x200, "target_pixel_to_camera"),
		matrix(0x240, "unk240").stub(),
		matrix(0x280, "tptow_no_proj_w"),
		matrix(0x2c0, "unk2c0").stub(),
	)
	register(SlotDeferred,
		vector(0x00, "depth_constants").initial(types.Vec4{0, 100, 0, 0}),
		vector(0x10, "unk10").stub(),
		vector(0x20, "unk20").stub(),
		scalar(0x30, "unk30").stub(),
		texture(0x38, "deferred_depth"),
		texture(0x48, "deferred_rt0"),
		texture(0x50, "deferred_rt1"),
		texture(0x58, "deferred_rt2"),
		texture(0x60, "light_diffuse"),
		texture(0x68, "light_specular"),
		texture(0x70, "light_ibl_specular"),
		texture(0x78, "unk78").stub(),
		texture(0x80, "unk80").stub(),
		texture(0x88, "unk88").stub(),
		texture(0x90, "unk90").stub(),
		texture(0x98, "sky_hemisphere_mips"),
	)
	register(SlotDeferredLight,
		matrix(0x40, "unk40"),
		matrix(0x80, "unk80").stub(),
		vector(0xc0, "unkc0").stub().initial(types.Vec4{0, 0, 0, 1}),
		vector(0xd0, "unkd0").stub().initial(types.Vec4{0, 0, 0, 1}),
		vector(0xe0, "unke0").stub().initial(types.Vec4{0, 0, 0, 1}),
		vector(0xf0, "unkf0").stub().initial(types.Vec4{0, 0, 0, 1}),
		vector(0x100, "unk100"),
		scalar(0x110, "unk110").stub(),
		scalar(0x114, "unk114").stub().initial(types.Splat(7500)),
		scalar(0x118, "unk118").stub(),
		scalar(0x11c, "unk11c").stub(),
		scalar(0x120, "unk120").stub(),
	)
	register(SlotDeferredShadow,
		texture(0x00, "unk00"),
		texture(0x08, "unk08").stub(),
		texture(0x10, "unk10").stub(),
		scalar(0x18, "resolution_width"),
		scalar(0x1c, "resolution_height"),
		scalar(0x20, "unk20").stub(),
		texture(0x28, "unk28").stub(),
		vector(0x30, "unk30").stub().initial(types.Vec4{1.5, 1, 1, 1}),
		vector(0x40, "unk40").stub(),
		vector(0x50, "unk50").stub(),
		vector(0x80, "unk80").stub(),
		vector(0x90, "unk90").stub(),
		vector(0xa0, "unka0").stub(),
		vector(0xb0, "unkb0").stub().initial(types.Vec4{0, 0, 1, 1}),
		matrix(0xc0, "unkc0"),
		matrix(0x100, "unk100").stub(),
		scalar(0x180, "unk180").stub(),
	)
	register(SlotTransparent,
		texture(0x00, "unk00"),
		texture(0x08, "unk08"),
		texture(0x10, "unk10"),
		texture(0x18, "unk18"),
		texture(0x20, "unk20"),
		texture(0x28, "unk28"),
		texture(0x30, "unk30"),
		texture(0x38, "unk38"),
		texture(0x40, "unk40"),
		texture(0x48, "unk48"),
		texture(0x50, "unk50"),
		texture(0x58, "unk58"),
		texture(0x60, "unk60"),
		vector(0x70, "unk70").stub(),
		vector(0x80, "unk80").stub(),
		vector(0x90, "unk90").stub(),
		vector(0xa0, "unka0").stub(),
		vector(0xb0, "unkb0").stub(),
	)
	register(SlotAtmosphere,
		texture(0x00, "unk00").stub(),
		texture(0x08, "unk08").stub(),
		texture(0x10, "unk10").stub(),
		texture(0x18, "unk18").stub(),
		texture(0x40, "unk40").stub(),
		texture(0x58, "unk58").stub(),
		scalar(0x70, "time_of_day_normalized").initial(types.Splat(0.5)),
		scalar(0x74, "unk74").stub(),
		scalar(0x78, "unk78").stub(),
		texture(0x80, "unk80").stub(),
		texture(0x88, "unk88").stub(),
		vector(0x90, "unk90").stub(),
		texture(0xa0, "light_shaft_optical_depth").stub(),
		texture(0xc0, "unkc0").stub(),
		vector(0xd0, "unkd0").stub(),
		texture(0xe0, "atmos_ss_far_lookup"),
		texture(0xe8, "atmos_ss_far_lookup_downsampled").stub(),
		texture(0xf0, "atmos_ss_near_lookup"),
		texture(0xf8, "atmos_ss_near_lookup_downsampled").stub(),
		texture(0x100, "unk100").stub(),
		vector(0x110, "unk110").stub().initial(types.Vec4{0, 0, -1.5, 0}),
		vector(0x140, "fog_color").stub(),
		scalar(0x150, "unk150").stub(),
		scalar(0x154, "unk154").stub(),
		scalar(0x160, "fog_intensity").stub(),
		scalar(0x164, "unk164").stub(),
		scalar(0x168, "unk168").stub(),
		scalar(0x16c, "unk16c").stub(),
		scalar(0x170, "unk170").stub().initial(types.Splat(0.0001)),
		vector(0x180, "unk180").stub(),
		scalar(0x190, "unk190").stub(),
		scalar(0x194, "unk194").stub(),
		scalar(0x198, "unk198").stub().initial(types.Splat(0.0001)),
		scalar(0x1b4, "unk1b4_rotation").stub().initial(types.Splat(0)),
		scalar(0x1b8, "unk1b8_intensity").stub(),
		scalar(0x1bc, "unk1bc").stub().initial(types.Splat(0.5)),
		scalar(0x1c0, "unk1c0").stub(),
		scalar(0x1c4, "unk1c4").stub(),
		vector(0x1d0, "unk1d0").stub().initial(types.Vec4{}),
		scalar(0x1e0, "unk1e0").stub(),
		scalar(0x1e4, "unk1e4").stub(),
		scalar(0x1e8, "unk1e8").stub().initial(types.Splat(0)),
		scalar(0x1ec, "unk1ec").stub(),
		scalar(0x1f8, "unk1f8").stub(),
		scalar(0x1fc, "unk1fc").stub(),
		scalar(0x208, "unk208").stub(),
		vector(0x210, "unk210").stub(),
	)
	register(SlotWater,
		texture(0x00, "unk00").stub(),
		texture(0x08, "unk08").stub(),
		texture(0x18, "unk18").stub(),
		texture(0x28, "unk28").stub(),
		texture(0x30, "unk30").stub(),
		vector(0x40, "unk40").stub(),
		vector(0x50, "unk50").stub(),
		scalar(0x70, "unk70").stub(),
	)
	register(SlotSimpleGeometry,
		matrix(0x00, "transform"),
	)
	register(SlotCubemaps,
		texture(0x00, "temp_ao").stub(),
	)
	register(SlotDecal,
		texture(0x00, "unk00").stub(),
		texture(0x08, "unk08"),
		vector(0x10, "unk10").stub(),
		vector(0x20, "unk20").stub(),
	)
	register(SlotRigidModel,
		matrix(0x00, "mesh_to_world"),
		vector(0x40, "position_scale"),
		vector(0x50, "position_offset"),
		vector(0x60, "texcoord0_scale_offset"),
		vector(0x70, "dynamic_sh_ao_values"),
	)
	register(SlotHdao,
		vector(0x00, "unk00").stub().initial(types.Vec4{0, 100, 0, 0}),
		vector(0x10, "unk10").stub().initial(types.Vec4{0, 100, 0, 0}),
		vector(0x20, "unk20").stub(),
		vector(0x30, "unk30").stub(),
		vector(0x40, "unk40").stub().initial(types.Vec4{0, 100, 0, 0}),
		vector(0x50, "unk50").stub(),
		texture(0x60, "unk60"),
		texture(0x68, "unk68"),
		vector(0x70, "unk70").stub(),
		vector(0x80, "unk80").stub(),
		vector(0x90, "unk90").stub().initial(types.Vec4{0, 100, 0, 0}),
	)
	register(SlotGlobalLighting,
		texture(0x08, "unk08").stub(),
		vector(0x10, "unk10").stub(),
		vector(0x30, "unk30").stub().initial(types.Vec4{1, -1, 1, 0}),
		vector(0x50, "unk50").stub().initial(types.Vec4{1, -1, 1, 0}),
		vector(0x70, "unk70").stub(),
		vector(0x80, "unk80").stub(),
		scalar(0x90, "unk90").stub(),
		scalar(0x94, "unk94").stub().initial(types.Splat(-0.5)),
		scalar(0x98, "unk98").stub(),
		scalar(0x9c, "unk9c").stub(),
		scalar(0xa0, "unka0").stub(),
		vector(0xb0, "unkb0").stub(),
		vector(0xc0, "unkc0").stub(),
		vector(0xd0, "unkd0").stub(),
	)
	register(SlotSpeedtreePlacements,
		vector(0x00, "unk00").stub().initial(types.Vec4{}),
		vector(0x10, "unk10").stub().initial(types.Vec4{0, 0, 0, 1}),
		vector(0x20, "unk20").stub(),
		vector(0x30, "unk30").stub(),
		vector(0x40, "unk40").stub(),
		vector(0x50, "unk50").stub(),
		vector(0x60, "unk60").stub(),
		vector(0x70, "unk70").stub().initial(types.Vec4{}),
	)
	register(SlotDecoratorWind,
		vector(0x00, "unk00").stub().initial(types.Vec4{0, 0, 0, 0.01}),
	)
	register(SlotPostprocess,
		texture(0x00, "unk00"),
		texture(0x08, "unk08"),
		texture(0x10, "unk10"),
		texture(0x18, "unk18"),
		texture(0x20, "unk20"),
		texture(0x28, "unk28"),
		texture(0x30, "unk30"),
		texture(0x38, "unk38"),
		texture(0x40, "unk40"),
		texture(0x48, "unk48"),
		vector(0x50, "unk50"),
		vector(0x60, "unk60"),
		vector(0x80, "unk80"),
		vector(0xc0, "unkc0"),
		vector(0xd0, "unkd0"),
		vector(0xe0, "unke0"),
		vector(0xf0, "unkf0"),
		vector(0x100, "unk100"),
		vector(0x110, "unk110"),
		vector(0x130, "unk130"),
	)
	register(SlotShadowMask,
		texture(0x00, "unk00"),
		texture(0x08, "unk08"),
		texture(0x10, "unk10"),
		vector(0x20, "unk20"),
		scalar(0x30, "unk30"),
		scalar(0x34, "unk34"),
	)
}
