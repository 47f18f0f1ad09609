// tfxvm: technique bytecode runtime.
//
// Commands:
//
//	tfxvm load FILE...            import technique containers into the store
//	tfxvm disasm FILE|TECHNIQUE   print an instruction listing
//	tfxvm eval FILE|TECHNIQUE...  evaluate techniques for -frames frames
//	tfxvm verify FRAME            compare a captured frame with golden blobs
//	tfxvm promote FRAME           make a captured frame the golden reference
//	tfxvm serve                   run the JSON-RPC inspector
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fortiblox/tfxvm/pkg/config"
	"github.com/fortiblox/tfxvm/pkg/node"
	"github.com/fortiblox/tfxvm/pkg/tfx"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fortiblox/tfxvm/pkg/tfx/loader"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Version information
var (
	Version   = "0.4.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	configPath  = flag.String("config", "", "TOML configuration file")
	logLevel    = flag.String("log-level", "notice", "Log level: none, critical, error, warning, notice, info, debug")
	strict      = flag.Bool("strict", false, "Abort evaluations at the first unknown opcode")
	workers     = flag.Int("workers", 0, "Evaluation worker count (0 = config or number of CPUs)")
	dataDir     = flag.String("data-dir", "./data", "Data directory for the technique store and captures")
	rpcAddr     = flag.String("rpc-addr", ":8899", "Inspector listen address")
	enableRPC   = flag.Bool("serve", false, "Run the inspector while evaluating")
	frames      = flag.Int("frames", 1, "Number of frames to evaluate")
	doCapture   = flag.Bool("capture", false, "Capture evaluated frames")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var log = commonlog.GetLogger("tfxvm")

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("tfxvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tfxvm: %v\n", err)
		os.Exit(2)
	}

	// Setup logging
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(cfg.Verbosity(), logFile)
	commonlog.SetMaxLevel(commonlog.Warning, "techstore", "badger")

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, &cfg, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tfxvm %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: tfxvm [flags] load|disasm|eval|verify|promote|serve [args]\n\n")
	flag.PrintDefaults()
}

// loadConfig reads the configuration file, then applies the flags that were
// set explicitly.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.Log.Level = *logLevel
		case "strict":
			cfg.Eval.Policy = tfx.PolicyFromStrict(*strict).String()
		case "workers":
			cfg.Eval.Workers = *workers
		case "data-dir":
			cfg.DataDir = *dataDir
		case "rpc-addr":
			cfg.RPC.Addr = *rpcAddr
		case "serve":
			cfg.RPC.Enabled = *enableRPC
		case "capture":
			cfg.Capture.Enabled = *doCapture
		}
	})
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "disasm":
		if len(args) != 1 {
			return errors.New("want one technique")
		}
		return disasm(cfg, args[0])
	case "load", "eval", "verify", "promote":
	case "serve":
		cfg.RPC.Enabled = true
	default:
		return fmt.Errorf("unknown command")
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	switch cmd {
	case "load":
		return load(n, args)
	case "eval":
		return eval(ctx, n, args)
	case "verify":
		return verify(n, args)
	case "promote":
		return promote(n, args)
	default:
		<-ctx.Done()
		return nil
	}
}

func load(n *node.Node, paths []string) error {
	if len(paths) == 0 {
		return errors.New("no technique files")
	}
	failed := 0
	for _, path := range paths {
		t, err := n.Import(path)
		if err != nil {
			log.Errorf("%v", err)
			failed++
			continue
		}
		fmt.Printf("%s  %-24s registers=%d size=%d unknown=%d\n",
			t.Hash, t.Name, t.Program.Limits.Registers, t.Binding.Size, t.Program.UnknownCount())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d techniques failed to load", failed, len(paths))
	}
	return nil
}

// resolve returns a technique from a container file, or from the store by
// name or hash.
func resolve(cache *executor.Cache, arg string) (*loader.Technique, error) {
	if _, err := os.Stat(arg); err == nil {
		t, err := loader.LoadFile(arg)
		if err != nil {
			return nil, err
		}
		cache.Add(t)
		return t, nil
	}
	return cache.Lookup(arg)
}

func disasm(cfg *config.Config, arg string) error {
	var t *loader.Technique
	if _, err := os.Stat(arg); err == nil {
		if t, err = loader.LoadFile(arg); err != nil {
			return err
		}
	} else {
		n, err := node.New(cfg)
		if err != nil {
			return err
		}
		if err := n.Open(); err != nil {
			return err
		}
		defer n.Close()
		if t, err = n.Techniques().Lookup(arg); err != nil {
			return err
		}
	}

	fmt.Printf("; %s %s\n", t.Name, t.Hash)
	fmt.Printf("; registers=%d constants=%d samplers=%d\n",
		t.Program.Limits.Registers, len(t.Constants), t.Program.Limits.Samplers)
	fmt.Print(t.Program.Disassemble())
	fmt.Printf("\n%s\n", t.Layout)
	return nil
}

func eval(ctx context.Context, n *node.Node, args []string) error {
	if len(args) == 0 {
		return errors.New("no techniques")
	}
	for i, arg := range args {
		t, err := resolve(n.Techniques(), arg)
		if err != nil {
			return err
		}
		if _, err := n.Instantiate(fmt.Sprintf("%d:%s", i, t.Name), t.Hash.String(), nil); err != nil {
			return err
		}
	}

	var last *executor.FrameResult
	for i := 0; i < *frames; i++ {
		res, err := n.Frame(ctx)
		if err != nil {
			return err
		}
		last = res
		log.Infof("frame %d: %d instances, %d failed, %s", res.Frame, len(res.Outcomes), res.Failed, res.Duration)
	}
	if last == nil {
		return nil
	}

	for _, o := range last.Outcomes {
		status := "ok"
		if o.Err != nil {
			status = o.Err.Error()
		}
		fmt.Printf("%s  %s  steps=%d writes=%d unknowns=%d  %s\n",
			o.Instance, o.Technique.Short(), o.Stats.Steps, o.Stats.Writes, o.Stats.Unknowns, status)
		printRows(o.Blob)
	}
	for _, e := range n.Evaluator().Report().Entries() {
		fmt.Printf("warning: %s (x%d)\n", e.Message, e.Count)
	}
	if last.Failed > 0 {
		return fmt.Errorf("%d instances failed in frame %d", last.Failed, last.Frame)
	}
	return nil
}

// printRows prints a blob as rows of four floats.
func printRows(blob []byte) {
	for off := 0; off+16 <= len(blob); off += 16 {
		var v [4]float32
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[off+4*i:]))
		}
		fmt.Printf("  %4d: %g %g %g %g\n", off, v[0], v[1], v[2], v[3])
	}
}

func frameArg(n *node.Node, args []string) (uint64, error) {
	if n.Captures() == nil {
		return 0, errors.New("capture is not enabled")
	}
	if len(args) != 1 {
		return 0, errors.New("want one frame number")
	}
	return strconv.ParseUint(args[0], 10, 64)
}

func verify(n *node.Node, args []string) error {
	frame, err := frameArg(n, args)
	if err != nil {
		return err
	}
	mismatches, err := n.Captures().Verify(frame)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		fmt.Printf("%s: %s\n", m.Instance, m.Reason)
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("frame %d: %d mismatches", frame, len(mismatches))
	}
	fmt.Printf("frame %d matches golden blobs\n", frame)
	return nil
}

func promote(n *node.Node, args []string) error {
	frame, err := frameArg(n, args)
	if err != nil {
		return err
	}
	count, err := n.Captures().Promote(frame)
	if err != nil {
		return err
	}
	fmt.Printf("frame %d: %d golden blobs updated\n", frame, count)
	return nil
}
