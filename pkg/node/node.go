// Package node ties the tfxvm components together: the technique store,
// the frame evaluator, frame capture and the inspector servers.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/tfxvm/pkg/capture"
	"github.com/fortiblox/tfxvm/pkg/config"
	"github.com/fortiblox/tfxvm/pkg/rpc"
	"github.com/fortiblox/tfxvm/pkg/techstore"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fortiblox/tfxvm/pkg/tfx/externs"
	"github.com/fortiblox/tfxvm/pkg/tfx/loader"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("node")

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrNotOpen        = errors.New("node storage is not open")
	ErrInitFailed     = errors.New("node initialization failed")
)

// Node owns the long-lived tfxvm components.
type Node struct {
	config config.Config

	// Core components
	techniques *executor.Cache
	evaluator  *executor.FrameEvaluator
	store      *techstore.Store
	captures   *capture.Store
	rpcServer  *rpc.Server
	health     *rpc.HealthServer

	// storeMu guards store and captures, which Close releases.
	storeMu sync.RWMutex

	// externs is the base context of every frame.
	externs *externs.Context

	// Scheduled instances, evaluated in order each frame.
	instMu    sync.Mutex
	instances []*executor.Instance

	// frameMu serializes frames; an instance is evaluated by one frame at
	// a time.
	frameMu sync.Mutex

	// State management
	open        atomic.Bool
	running     atomic.Bool
	startTime   time.Time
	lastError   error
	lastErrorMu sync.RWMutex

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	frame       atomic.Uint64
	frameTimeNs atomic.Int64
	failures    atomic.Uint64
}

// New creates a node. Storage is not opened until Open or Start.
func New(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ext, err := cfg.ExternContext()
	if err != nil {
		return nil, err
	}
	evaluator, err := executor.NewFrameEvaluator(cfg.Executor(), nil)
	if err != nil {
		return nil, err
	}

	return &Node{
		config:     *cfg,
		techniques: executor.NewCache(),
		evaluator:  evaluator,
		externs:    ext,
	}, nil
}

// Open opens the technique store, loads its techniques and opens the
// capture store if capture is enabled. Opening twice is a no-op.
func (n *Node) Open() error {
	n.storeMu.Lock()
	defer n.storeMu.Unlock()
	if n.open.Load() {
		return nil
	}

	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := techstore.Open(techstore.DefaultConfig(n.config.StorePath()))
	if err != nil {
		return err
	}
	loaded, skipped, err := store.Warm(n.techniques)
	if err != nil {
		store.Close()
		return fmt.Errorf("load techniques: %w", err)
	}
	if skipped > 0 {
		log.Warningf("%d stored techniques no longer load", skipped)
	}
	log.Infof("loaded %d techniques from %s", loaded, n.config.StorePath())
	n.store = store

	if n.config.Capture.Enabled {
		captures, err := capture.Open(capture.Config{
			Path:   n.config.CapturePath(),
			NoSync: n.config.Capture.NoSync,
		})
		if err != nil {
			n.store.Close()
			n.store = nil
			return err
		}
		n.captures = captures
	}

	n.open.Store(true)
	return nil
}

// Close closes the storage backends.
func (n *Node) Close() error {
	n.storeMu.Lock()
	defer n.storeMu.Unlock()
	if !n.open.Swap(false) {
		return nil
	}
	var errs []error
	if n.captures != nil {
		errs = append(errs, n.captures.Close())
		n.captures = nil
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
		n.store = nil
	}
	return errors.Join(errs...)
}

// Import loads a technique container file, caches it and persists it in
// the technique store.
func (n *Node) Import(path string) (*loader.Technique, error) {
	t, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}

	n.storeMu.RLock()
	defer n.storeMu.RUnlock()
	if !n.open.Load() {
		return nil, ErrNotOpen
	}
	if _, err := n.store.Put(t, path); err != nil {
		return nil, err
	}
	n.techniques.Add(t)
	log.Infof("imported %s (%s) from %s", t.Name, t.Hash.Short(), path)
	return t, nil
}

// Instantiate schedules a new instance of a technique, looked up by name
// or hash, for every following frame.
func (n *Node) Instantiate(id, technique string, samplers []uint64) (*executor.Instance, error) {
	t, err := n.techniques.Lookup(technique)
	if err != nil {
		return nil, err
	}

	n.instMu.Lock()
	defer n.instMu.Unlock()
	for _, in := range n.instances {
		if in.ID == id {
			return nil, fmt.Errorf("%w: %s", executor.ErrDuplicateInstance, id)
		}
	}
	in := executor.NewInstance(id, t, samplers)
	n.instances = append(n.instances, in)
	return in, nil
}

// Instances returns the scheduled instances.
func (n *Node) Instances() []*executor.Instance {
	n.instMu.Lock()
	defer n.instMu.Unlock()
	return append([]*executor.Instance(nil), n.instances...)
}

// Frame evaluates every scheduled instance once against the base extern
// context and captures the result if capture is enabled.
func (n *Node) Frame(ctx context.Context) (*executor.FrameResult, error) {
	return n.FrameWith(ctx, n.externs)
}

// FrameWith is Frame with an explicit extern context.
func (n *Node) FrameWith(ctx context.Context, ext *externs.Context) (*executor.FrameResult, error) {
	n.frameMu.Lock()
	defer n.frameMu.Unlock()

	frame := n.frame.Add(1)
	res, err := n.evaluator.Evaluate(ctx, frame, ext, n.Instances())
	if err != nil {
		n.setLastError(err)
		return nil, err
	}
	n.frameTimeNs.Store(int64(res.Duration))
	n.failures.Add(uint64(res.Failed))

	if err := n.record(res); err != nil {
		n.setLastError(err)
		return res, fmt.Errorf("capture frame %d: %w", frame, err)
	}
	return res, nil
}

// record captures a frame if the capture store is open.
func (n *Node) record(res *executor.FrameResult) error {
	n.storeMu.RLock()
	defer n.storeMu.RUnlock()
	if n.captures == nil {
		return nil
	}
	_, err := n.captures.Record(res)
	return err
}

// Start opens storage and starts the inspector servers if enabled. It
// returns once the servers are launched.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Swap(true) {
		return ErrAlreadyRunning
	}

	if err := n.Open(); err != nil {
		n.running.Store(false)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if n.config.RPC.Enabled {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPC.Addr
		rpcConfig.LogRequests = n.config.RPC.LogRequests
		rpcConfig.MaxRequestSize = n.config.RPC.MaxRequestSize
		rpcConfig.MaxBatch = n.config.RPC.MaxBatch
		rpcConfig.ReadTimeout = n.config.RPC.Timeout.Duration
		rpcConfig.WriteTimeout = n.config.RPC.Timeout.Duration
		rpcConfig.Externs = n.config.Externs
		n.rpcServer = rpc.New(rpcConfig, n.techniques, n.evaluator, n.Captures())

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.rpcServer.Start(ctx); err != nil {
				n.setLastError(fmt.Errorf("RPC server error: %w", err))
				log.Errorf("rpc server: %v", err)
			}
		}()

		if n.config.RPC.HealthAddr != "" {
			n.health = rpc.NewHealthServer(n.config.RPC.HealthAddr)
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				if err := n.health.Start(ctx); err != nil {
					n.setLastError(fmt.Errorf("health server error: %w", err))
					log.Errorf("health server: %v", err)
				}
			}()
		}
	}

	return nil
}

// Stop stops the servers and closes storage.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}

	err := n.Close()
	n.running.Store(false)
	return err
}

// Status returns the current node status.
func (n *Node) Status() *Status {
	var rpcAddr string
	if n.rpcServer != nil {
		rpcAddr = n.config.RPC.Addr
	}
	var uptime time.Duration
	if n.running.Load() {
		uptime = time.Since(n.startTime)
	}

	return &Status{
		IsRunning:   n.running.Load(),
		Uptime:      uptime,
		Frame:       n.frame.Load(),
		Techniques:  n.techniques.Len(),
		Instances:   len(n.Instances()),
		Failures:    n.failures.Load(),
		FrameTimeMs: float64(n.frameTimeNs.Load()) / float64(time.Millisecond),
		Evaluator:   n.evaluator.Stats(),
		Problems:    n.evaluator.Report().Len(),
		Capturing:   n.Captures() != nil,
		RPCAddr:     rpcAddr,
		LastError:   n.getLastError(),
	}
}

// Status contains the current node status.
type Status struct {
	// IsRunning indicates if the servers are running.
	IsRunning bool

	// Uptime is how long the node has been running.
	Uptime time.Duration

	// Frame is the number of the last evaluated frame.
	Frame uint64

	// Techniques is the number of loaded techniques.
	Techniques int

	// Instances is the number of scheduled instances.
	Instances int

	// Failures is the total number of failed instance evaluations.
	Failures uint64

	// FrameTimeMs is the duration of the last frame in milliseconds.
	FrameTimeMs float64

	// Evaluator holds the frame evaluator counters.
	Evaluator executor.Stats

	// Problems is the number of distinct extern misses and unknown opcodes.
	Problems int

	// Capturing indicates if frames are being captured.
	Capturing bool

	// RPCAddr is the RPC server address if enabled.
	RPCAddr string

	// LastError is the most recent error encountered.
	LastError error
}

// Techniques returns the technique cache.
func (n *Node) Techniques() *executor.Cache {
	return n.techniques
}

// Evaluator returns the frame evaluator.
func (n *Node) Evaluator() *executor.FrameEvaluator {
	return n.evaluator
}

// Captures returns the capture store, or nil when capture is disabled or
// storage is not open.
func (n *Node) Captures() *capture.Store {
	n.storeMu.RLock()
	defer n.storeMu.RUnlock()
	return n.captures
}

// Store returns the technique store, or nil before Open.
func (n *Node) Store() *techstore.Store {
	n.storeMu.RLock()
	defer n.storeMu.RUnlock()
	return n.store
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
