package externs

import (
	"fmt"

	"github.com/fortiblox/tfxvm/internal/types"
)

// Camera is the minimal camera state from which the view slot is derived.
type Camera struct {
	WorldToCamera      types.Mat4
	CameraToProjective types.Mat4
	Width, Height      float32
}

// targetPixelToProjective maps pixel coordinates to clip space.
func (c Camera) targetPixelToProjective() types.Mat4 {
	return types.Mat4{
		{2 / c.Width, 0, 0, 0},
		{0, -2 / c.Height, 0, 0},
		{0, 0, 1, 0},
		{-1, 1, 0, 1},
	}
}

// SetCamera binds the view slot and fills every derived matrix from the
// camera. It fails when either input matrix is singular or the viewport is
// empty.
func (b *ContextBuilder) SetCamera(c Camera) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera viewport %gx%g is empty", c.Width, c.Height)
	}
	cameraToWorld, ok := c.WorldToCamera.Inverse()
	if !ok {
		return fmt.Errorf("world_to_camera is singular")
	}
	projectiveToCamera, ok := c.CameraToProjective.Inverse()
	if !ok {
		return fmt.Errorf("camera_to_projective is singular")
	}
	worldToProjective := c.CameraToProjective.Mul(c.WorldToCamera)
	projectiveToWorld, ok := worldToProjective.Inverse()
	if !ok {
		return fmt.Errorf("world_to_projective is singular")
	}

	pixelToProjective := c.targetPixelToProjective()
	pixelToCamera := projectiveToCamera.Mul(pixelToProjective)
	pixelToWorld := cameraToWorld.Mul(pixelToCamera)
	noProjW := cameraToWorld.Linear().Mul(projectiveToCamera).Mul(pixelToProjective)

	b.Enable(SlotView)
	view := b.ctx.slots[SlotView]
	setf := func(offset int, v float32) {
		view[offset] = Value{Kind: KindFloat, Vec: types.Splat(v)}
	}
	setv := func(offset int, v types.Vec4) {
		view[offset] = Value{Kind: KindVec4, Vec: v}
	}
	setm := func(offset int, m types.Mat4) {
		view[offset] = Value{Kind: KindMat4, Mat: m}
	}

	setf(0x00, c.Width)
	setf(0x04, c.Height)
	setv(0x20, cameraToWorld[3])
	setv(0x30, types.Vec4{0, 0, 1, 0}.Sub(worldToProjective[3]))
	setm(0x40, c.WorldToCamera)
	setm(0x80, c.CameraToProjective)
	setm(0xc0, cameraToWorld)
	setm(0x100, projectiveToCamera)
	setm(0x140, worldToProjective)
	setm(0x180, projectiveToWorld)
	setm(0x1c0, pixelToWorld)
	setm(0x200, pixelToCamera)
	setm(0x280, noProjW)
	return nil
}
