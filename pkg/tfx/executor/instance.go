package executor

import (
	"github.com/fortiblox/tfxvm/pkg/tfx/loader"
)

// Instance is a technique bound to one draw. It keeps the blob of the last
// successful frame for upload and as the fallback of a failed frame.
//
// An instance is evaluated by at most one frame at a time.
type Instance struct {
	ID        string
	Technique *loader.Technique
	Samplers  []uint64

	front []byte
	back  []byte
	err   error
}

// NewInstance creates an instance.
func NewInstance(id string, t *loader.Technique, samplers []uint64) *Instance {
	return &Instance{ID: id, Technique: t, Samplers: samplers}
}

// Buffer returns the blob of the last completed frame, or nil before the
// first one.
func (in *Instance) Buffer() []byte {
	return in.front
}

// Err returns the failure of the last completed frame.
func (in *Instance) Err() error {
	return in.err
}

// fallback returns the previous frame's blob, or a zeroed one.
func (in *Instance) fallback() []byte {
	if size := int(in.Technique.Binding.Size); len(in.front) == size {
		return in.front
	}
	return make([]byte, in.Technique.Binding.Size)
}

// commit makes a completed outcome current.
func (in *Instance) commit(o *Outcome) {
	in.err = o.Err
	if o.Err != nil {
		in.front = o.Blob
		return
	}
	in.front, in.back = in.back, in.front
}
