// Package externs implements the extern slot catalog, the immutable
// per-frame extern context and the binder that resolves extern reads for
// the interpreter.
//
// An extern slot is a named category of engine data (view, frame, per-object
// transforms, lighting). Programs address slot fields by byte offset; the
// binder resolves each read against a Context and falls back to a zero value
// when the slot or field is unavailable.
package externs

import "fmt"

// Slot is an extern slot id as it appears in bytecode.
type Slot uint8

// Extern slot ids.
const (
	SlotNone Slot = iota
	SlotFrame
	SlotView
	SlotDeferred
	SlotDeferredLight
	SlotDeferredUberLight
	SlotDeferredShadow
	SlotAtmosphere
	SlotRigidModel
	SlotEditorMesh
	SlotEditorMeshMaterial
	SlotEditorDecal
	SlotEditorTerrain
	SlotEditorTerrainPatch
	SlotEditorTerrainDebug
	SlotSimpleGeometry
	SlotUiFont
	SlotCuiView
	SlotCuiObject
	SlotCuiBitmap
	SlotCuiVideo
	SlotCuiStandard
	SlotCuiHud
	SlotCuiScreenspaceBoxes
	SlotTextureVisualizer
	SlotGeneric
	SlotParticle
	SlotParticleDebug
	SlotGearDyeVisualizationMode
	SlotScreenArea
	SlotMlaa
	SlotMsaa
	SlotHdao
	SlotDownsampleTextureGeneric
	SlotDownsampleDepth
	SlotSsao
	SlotVolumetricObscurance
	SlotPostprocess
	SlotTextureSet
	SlotTransparent
	SlotVignette
	SlotGlobalLighting
	SlotShadowMask
	SlotObjectEffect
	SlotDecal
	SlotDecalSetTransform
	SlotDynamicDecal
	SlotDecoratorWind
	SlotTextureCameraLighting
	SlotVolumeFog
	SlotFxaa
	SlotSmaa
	SlotLetterbox
	SlotDepthOfField
	SlotPostprocessInitialDownsample
	SlotCopyDepth
	SlotDisplacementMotionBlur
	SlotDebugShader
	SlotMinmaxDepth
	SlotSdsmBiasAndScale
	SlotSdsmBiasAndScaleTextures
	SlotComputeShadowMapData
	SlotComputeLocalLightShadowMapData
	SlotBilateralUpsample
	SlotHealthOverlay
	SlotLightProbeDominantLight
	SlotLightProbeLightInstance
	SlotWater
	SlotLensFlare
	SlotScreenShader
	SlotScaler
	SlotGammaControl
	SlotSpeedtreePlacements
	SlotReticle
	SlotDistortion
	SlotWaterDebug
	SlotScreenAreaInput
	SlotWaterDepthPrepass
	SlotOverheadVisibilityMap
	SlotParticleCompute
	SlotCubemapFiltering
	SlotParticleFastpath
	SlotVolumetricsPass
	SlotTemporalReprojection
	SlotFxaaCompute
	SlotVbCopyCompute
	SlotUberDepth
	SlotGearDye
	SlotCubemaps
	SlotShadowBlendWithPrevious
	SlotDebugShadingOutput
	SlotSsao3d
	SlotWaterDisplacement
	SlotPatternBlending
	SlotUiHdrTransform
	SlotPlayerCenteredCascadedGrid
	SlotSoftDeform

	// NumSlots is the size of the catalog.
	NumSlots
)

var slotNames = [NumSlots]string{
	"none", "frame", "view", "deferred", "deferred_light", "deferred_uber_light",
	"deferred_shadow", "atmosphere", "rigid_model", "editor_mesh", "editor_mesh_material",
	"editor_decal", "editor_terrain", "editor_terrain_patch", "editor_terrain_debug",
	"simple_geometry", "ui_font", "cui_view", "cui_object", "cui_bitmap", "cui_video",
	"cui_standard", "cui_hud", "cui_screenspace_boxes", "texture_visualizer", "generic",
	"particle", "particle_debug", "gear_dye_visualization_mode", "screen_area", "mlaa",
	"msaa", "hdao", "downsample_texture_generic", "downsample_depth", "ssao",
	"volumetric_obscurance", "postprocess", "texture_set", "transparent", "vignette",
	"global_lighting", "shadowmask", "object_effect", "decal", "decal_set_transform",
	"dynamic_decal", "decorator_wind", "texture_camera_lighting", "volume_fog", "fxaa",
	"smaa", "letterbox", "depth_of_field", "postprocess_initial_downsample", "copy_depth",
	"displacement_motion_blur", "debug_shader", "minmax_depth", "sdsm_bias_and_scale",
	"sdsm_bias_and_scale_textures", "compute_shadow_map_data",
	"compute_local_light_shadow_map_data", "bilateral_upsample", "health_overlay",
	"light_probe_dominant_light", "light_probe_light_instance", "water", "lens_flare",
	"screen_shader", "scaler", "gamma_control", "speedtree_placements", "reticle",
	"distortion", "water_debug", "screen_area_input", "water_depth_prepass",
	"overhead_visibility_map", "particle_compute", "cubemap_filtering", "particle_fastpath",
	"volumetrics_pass", "temporal_reprojection", "fxaa_compute", "vb_copy_compute",
	"uber_depth", "gear_dye", "cubemaps", "shadow_blend_with_previous",
	"debug_shading_output", "ssao3d", "water_displacement", "pattern_blending",
	"ui_hdr_transform", "player_centered_cascaded_grid", "soft_deform",
}

var slotsByName map[string]Slot

func init() {
	slotsByName = make(map[string]Slot, NumSlots)
	for i, name := range slotNames {
		slotsByName[name] = Slot(i)
	}
}

// String returns the slot's catalog name.
func (s Slot) String() string {
	if s.Valid() {
		return slotNames[s]
	}
	return fmt.Sprintf("extern(%d)", uint8(s))
}

// Valid reports whether the slot id is part of the catalog.
func (s Slot) Valid() bool {
	return s < NumSlots
}

// Lookup returns the slot with the given catalog name.
func Lookup(name string) (Slot, bool) {
	s, ok := slotsByName[name]
	return s, ok
}

// MarshalText implements encoding.TextMarshaler.
func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Slot) UnmarshalText(text []byte) error {
	slot, ok := Lookup(string(text))
	if !ok {
		return fmt.Errorf("unknown extern slot %q", text)
	}
	*s = slot
	return nil
}
