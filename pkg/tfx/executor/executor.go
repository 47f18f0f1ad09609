// Package executor evaluates technique instances once per frame on a
// fixed-size worker pool.
//
// Evaluations are independent and complete in any order; the only
// ordering guarantee is the frame barrier: Evaluate returns after every
// scheduled instance has finished. Each instance is double-buffered, and a
// frame's blobs only become visible when the whole frame completes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/fortiblox/tfxvm/pkg/tfx/externs"
	"github.com/fortiblox/tfxvm/pkg/tfx/layout"
	"github.com/fortiblox/tfxvm/pkg/tfx/vm"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("tfx.executor")

// Executor errors.
var (
	// ErrFrameAbandoned is returned when the frame's context is cancelled.
	// In-flight evaluations finish but none of the frame's results are kept.
	ErrFrameAbandoned = errors.New("frame abandoned")

	// ErrDuplicateInstance is returned when an instance is scheduled twice
	// in one frame.
	ErrDuplicateInstance = errors.New("instance scheduled twice in one frame")
)

// Config configures a FrameEvaluator.
type Config struct {
	// Workers is the worker pool size.
	Workers int

	// Policy is the unknown-opcode policy.
	Policy tfx.Policy

	// MaxSteps is the per-evaluation step budget.
	MaxSteps uint64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		Policy:   tfx.Lenient,
		MaxSteps: tfx.DefaultSteps,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxSteps > tfx.MaxSteps {
		return fmt.Errorf("max steps %d exceeds %d", c.MaxSteps, uint64(tfx.MaxSteps))
	}
	return nil
}

// Outcome is the result of one instance in one frame.
type Outcome struct {
	Instance  string
	Technique types.Hash

	// Blob aliases the instance's double buffer: it stays valid through the
	// next frame and is overwritten by the one after. FrameResult.Clone
	// detaches it.
	Blob []byte

	Bindings []vm.Binding
	Stats    vm.Stats
	Duration time.Duration

	// Err is the evaluation failure. Blob then holds the fallback: the
	// instance's previous blob, or zeros if it never succeeded.
	Err error
}

// Fallback reports whether the outcome reused a fallback blob.
func (o *Outcome) Fallback() bool {
	return o.Err != nil
}

// FrameResult is the result of one frame.
type FrameResult struct {
	Frame    uint64
	Outcomes []Outcome
	Failed   int
	Duration time.Duration
}

// Clone returns a copy of r that shares no memory with instance buffers.
func (r *FrameResult) Clone() *FrameResult {
	c := *r
	c.Outcomes = make([]Outcome, len(r.Outcomes))
	for i, o := range r.Outcomes {
		o.Blob = bytes.Clone(o.Blob)
		o.Bindings = slices.Clone(o.Bindings)
		c.Outcomes[i] = o
	}
	return &c
}

// FrameEvaluator runs frames. It is safe for concurrent use across
// distinct instance sets.
type FrameEvaluator struct {
	cfg    Config
	interp *vm.Interpreter
	arena  *vm.Arena
	report *externs.ErrorReport

	// failed holds technique hashes whose failure was already logged.
	failed sync.Map

	frames      atomic.Uint64
	evaluations atomic.Uint64
	failures    atomic.Uint64
	standalone  atomic.Uint64
}

// NewFrameEvaluator creates a frame evaluator. A nil report gets a private
// one.
func NewFrameEvaluator(cfg Config, report *externs.ErrorReport) (*FrameEvaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if report == nil {
		report = externs.NewErrorReport()
	}
	return &FrameEvaluator{
		cfg:    cfg,
		interp: vm.NewInterpreter(vm.Options{Policy: cfg.Policy, MaxSteps: cfg.MaxSteps}),
		arena:  vm.NewArena(),
		report: report,
	}, nil
}

// Report returns the extern and opcode error report.
func (fe *FrameEvaluator) Report() *externs.ErrorReport {
	return fe.report
}

// Stats is a snapshot of evaluator counters.
type Stats struct {
	Frames      uint64 `json:"frames"`
	Evaluations uint64 `json:"evaluations"`
	Failures    uint64 `json:"failures"`

	// Standalone counts EvaluateInstance calls, which are not frames.
	Standalone uint64 `json:"standalone"`
}

// Stats returns the evaluator counters.
func (fe *FrameEvaluator) Stats() Stats {
	return Stats{
		Frames:      fe.frames.Load(),
		Evaluations: fe.evaluations.Load(),
		Failures:    fe.failures.Load(),
		Standalone:  fe.standalone.Load(),
	}
}

// Evaluate evaluates every instance against one extern snapshot. The
// snapshot must not change until Evaluate returns.
//
// A failed instance does not fail the frame: its outcome carries the
// error and a fallback blob. If ctx is cancelled no further instances are
// scheduled, in-flight ones complete, and the frame is discarded with
// ErrFrameAbandoned.
func (fe *FrameEvaluator) Evaluate(ctx context.Context, frame uint64, ext *externs.Context, instances []*Instance) (*FrameResult, error) {
	seen := make(map[*Instance]struct{}, len(instances))
	for _, in := range instances {
		if _, ok := seen[in]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, in.ID)
		}
		seen[in] = struct{}{}
	}

	start := time.Now()
	outcomes := make([]Outcome, len(instances))

	g := new(errgroup.Group)
	g.SetLimit(fe.cfg.Workers)

	for i, in := range instances {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcomes[i] = fe.evaluate(ext, in)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		log.Debugf("frame %d abandoned: %v", frame, err)
		return nil, fmt.Errorf("%w: frame %d: %v", ErrFrameAbandoned, frame, err)
	}

	res := &FrameResult{
		Frame:    frame,
		Outcomes: outcomes,
		Duration: time.Since(start),
	}
	for i := range outcomes {
		instances[i].commit(&outcomes[i])
		if outcomes[i].Err != nil {
			res.Failed++
		}
	}

	fe.frames.Add(1)
	fe.evaluations.Add(uint64(len(instances)))
	fe.failures.Add(uint64(res.Failed))
	return res, nil
}

// EvaluateInstance evaluates a single instance outside of any frame. The
// outcome is committed to the instance like a frame's, but the frame,
// evaluation and failure counters are left alone.
func (fe *FrameEvaluator) EvaluateInstance(ext *externs.Context, in *Instance) Outcome {
	o := fe.evaluate(ext, in)
	in.commit(&o)
	fe.standalone.Add(1)
	return o
}

// evaluate runs one instance into its back buffer.
func (fe *FrameEvaluator) evaluate(ext *externs.Context, in *Instance) Outcome {
	start := time.Now()
	t := in.Technique
	out := Outcome{Instance: in.ID, Technique: t.Hash}

	rf := fe.arena.Get(t.Program.Limits.Registers)
	defer fe.arena.Put(rf)

	res, err := fe.interp.Run(vm.Evaluation{
		Program:   t.Program,
		Constants: t.Constants,
		Binder:    externs.NewBinder(ext, fe.report),
		Samplers:  in.Samplers,
		Registers: rf,
	})
	if err == nil {
		in.back = grow(in.back, t.Binding.Size)
		err = layout.PackInto(in.back, res.Registers, t.Binding)
	}
	out.Duration = time.Since(start)

	if err != nil {
		out.Err = err
		out.Blob = in.fallback()
		if _, loaded := fe.failed.LoadOrStore(t.Hash, struct{}{}); !loaded {
			log.Errorf("technique %s (%s) failed, reusing previous buffer: %v", t.Name, t.Hash.Short(), err)
		}
		return out
	}

	out.Blob = in.back
	out.Bindings = res.Bindings
	out.Stats = res.Stats
	return out
}

// grow returns buf resized to n bytes, reallocating only when needed.
func grow(buf []byte, n uint32) []byte {
	if cap(buf) < int(n) {
		return make([]byte, n)
	}
	return buf[:n]
}
