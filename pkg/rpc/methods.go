package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/capture"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fortiblox/tfxvm/pkg/tfx/externs"
	"github.com/fortiblox/tfxvm/pkg/tfx/loader"
)

// Version is the tfxvm version reported by getVersion.
const Version = "tfxvm-0.4.0"

// parseArgs splits positional params. Missing params are an empty list.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	return args, nil
}

// technique resolves the first positional param to a loaded technique.
func (s *Server) technique(args []json.RawMessage) (*loader.Technique, *RPCError) {
	if len(args) < 1 {
		return nil, InvalidParamsError("missing technique parameter")
	}
	var key string
	if err := json.Unmarshal(args[0], &key); err != nil {
		return nil, InvalidParamsError("invalid technique")
	}
	t, err := s.techniques.Lookup(key)
	if err != nil {
		return nil, TechniqueNotFoundError(key)
	}
	return t, nil
}

// frameArg parses a frame number param.
func frameArg(arg json.RawMessage) (uint64, *RPCError) {
	var frame uint64
	if err := json.Unmarshal(arg, &frame); err != nil {
		return 0, InvalidParamsError("invalid frame")
	}
	return frame, nil
}

func techniqueInfo(t *loader.Technique) TechniqueInfo {
	lim := t.Program.Limits
	names := make([]string, len(lim.Externs))
	for i, id := range lim.Externs {
		names[i] = externs.Slot(id).String()
	}
	return TechniqueInfo{
		Name:      t.Name,
		Hash:      t.Hash.String(),
		Registers: lim.Registers,
		Samplers:  lim.Samplers,
		Externs:   names,
		Constants: len(t.Constants),
		Size:      t.Binding.Size,
		Unknowns:  t.Program.UnknownCount(),
	}
}

// Server Methods

// getHealth returns the server health status.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the server and container format versions.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		TFXVM:     Version,
		Container: loader.Version,
	}, nil
}

// getStats returns evaluator counters.
func (s *Server) getStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return StatsResult{
		Techniques: s.techniques.Len(),
		Evaluator:  s.evaluator.Stats(),
		Problems:   s.evaluator.Report().Len(),
	}, nil
}

// Technique Methods

// listTechniques returns every loaded technique ordered by name.
func (s *Server) listTechniques(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	list := s.techniques.List()
	out := make([]TechniqueInfo, len(list))
	for i, t := range list {
		out[i] = techniqueInfo(t)
	}
	return out, nil
}

// getTechnique returns a technique with its output layout.
func (s *Server) getTechnique(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [technique]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, rpcErr := s.technique(args)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return TechniqueDetail{
		TechniqueInfo: techniqueInfo(t),
		Layout:        t.Layout.String(),
		Entries:       t.Binding.Entries,
	}, nil
}

// disassemble returns the instruction listing of a technique.
func (s *Server) disassemble(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, rpcErr := s.technique(args)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return DisassembleResult{
		Hash:         t.Hash.String(),
		Instructions: t.Program.Len(),
		Unknowns:     t.Program.UnknownCount(),
		Listing:      t.Program.Disassemble(),
	}, nil
}

// Evaluation Methods

// evaluate runs a technique once and returns its packed blob.
func (s *Server) evaluate(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [technique, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	t, rpcErr := s.technique(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config EvaluateConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	encoding, err := ParseEncoding(string(config.Encoding))
	if err != nil {
		return nil, InvalidParamsError(err.Error())
	}

	ext, rpcErr := s.externContext(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	o := s.evaluator.EvaluateInstance(ext, executor.NewInstance("rpc", t, config.Samplers))
	if o.Err != nil {
		return nil, NewRPCErrorWithData(EvaluationFailed, o.Err.Error(),
			map[string]string{"technique": t.Hash.String()})
	}
	return EvaluateResult{
		Technique: t.Hash.String(),
		Size:      len(o.Blob),
		Blob:      EncodeBlob(o.Blob, encoding),
		Bindings:  o.Bindings,
		Stats:     o.Stats,
	}, nil
}

// externContext builds the context of an evaluate request: the server
// overrides, then the request's.
func (s *Server) externContext(config EvaluateConfig) (*externs.Context, *RPCError) {
	b := externs.NewContextBuilder()
	if err := b.Apply(s.config.Externs); err != nil {
		return nil, InternalServerErrorf("server externs: %v", err)
	}
	if err := b.Apply(config.Externs); err != nil {
		return nil, InvalidParamsErrorf("invalid externs: %v", err)
	}
	for index, v := range config.GlobalChannels {
		b.SetGlobalChannel(index, types.Vec4(v))
	}
	return b.Build(), nil
}

// getExternErrors returns the extern misses and unknown opcodes seen so far.
func (s *Server) getExternErrors(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.evaluator.Report().Entries(), nil
}

// Capture Methods

// getCapture returns a captured frame, or the captured frame numbers when
// no frame is given.
func (s *Server) getCapture(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.captures == nil {
		return nil, ErrCaptureOff
	}
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if len(args) == 0 {
		frames, err := s.captures.Frames()
		if err != nil {
			return nil, InternalServerErrorf("failed to list frames: %v", err)
		}
		if frames == nil {
			frames = []uint64{}
		}
		return CaptureList{Frames: frames}, nil
	}

	frame, rpcErr := frameArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	f, err := s.captures.Frame(frame)
	if err != nil {
		if errors.Is(err, capture.ErrFrameNotFound) {
			return nil, FrameNotFoundError(frame)
		}
		return nil, InternalServerErrorf("failed to get frame: %v", err)
	}
	return f, nil
}

// verifyCapture compares a captured frame against the golden blobs.
func (s *Server) verifyCapture(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.captures == nil {
		return nil, ErrCaptureOff
	}
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing frame parameter")
	}
	frame, rpcErr := frameArg(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	mismatches, err := s.captures.Verify(frame)
	if err != nil {
		if errors.Is(err, capture.ErrFrameNotFound) {
			return nil, FrameNotFoundError(frame)
		}
		return nil, InternalServerErrorf("failed to verify frame: %v", err)
	}
	if mismatches == nil {
		mismatches = []capture.Mismatch{}
	}
	return VerifyResult{
		Frame:      frame,
		OK:         len(mismatches) == 0,
		Mismatches: mismatches,
	}, nil
}
