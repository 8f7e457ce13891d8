// Command rrprof attaches to a shared-memory ring buffer written by a
// traced program and reconstructs its live call-stack geometry
// (spec.md §6). The windowing event loop and GPU pipeline that would
// actually draw the result are named collaborators the spec lists as
// out of scope (spec.md §1); this binary wires everything up to the
// point a renderer would take over and logs each reconstructed frame
// instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rrprof/rrprof/internal/gpuvec"
	"github.com/rrprof/rrprof/internal/pipeline"
	"github.com/rrprof/rrprof/internal/render"
	"github.com/rrprof/rrprof/internal/rrlog"
	"github.com/rrprof/rrprof/internal/shm"
	"github.com/rrprof/rrprof/internal/shmring"
	"github.com/rrprof/rrprof/internal/slowtrace"
	"github.com/rrprof/rrprof/internal/traceconfig"
	"github.com/rrprof/rrprof/internal/tracestate"
)

// Cmd is the command line arguments.
type Cmd struct {
	ShmName      string
	LogLevel     string
	RenderConfig string
	Workers      int
}

var cmd Cmd

var rootCmd = &cobra.Command{
	Use:   "rrprof <shm_name>",
	Short: "Live shared-memory call-stack profiling visualizer",
	Args:  cobra.ExactArgs(1),
	Run: func(rawCmd *cobra.Command, args []string) {
		cmd.ShmName = args[0]
		if err := run(cmd); err != nil {
			if errors.Is(err, Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.LogLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&cmd.RenderConfig, "render-config", "", "Optional YAML file overriding renderer defaults")
	rootCmd.Flags().IntVar(&cmd.Workers, "workers", runtime.NumCPU(), "Number of SlowTrace worker goroutines")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	level, err := rrlog.ParseLevel(cmd.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	log, _, err := rrlog.New(level)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer log.Sync()

	renderCfg := traceconfig.Default()
	if cmd.RenderConfig != "" {
		renderCfg, err = traceconfig.Load(cmd.RenderConfig)
		if err != nil {
			return fmt.Errorf("load render config: %w", err)
		}
	}

	mapping, err := shm.Open(cmd.ShmName, int(shmring.Size))
	if err != nil {
		return fmt.Errorf("open shared memory %q: %w", cmd.ShmName, err)
	}
	defer mapping.Close()
	log.Infow("attached shared memory", "name", cmd.ShmName, "size", datasize.ByteSize(shmring.Size).String())

	reader, err := shmring.NewRingReader(mapping.Bytes())
	if err != nil {
		return fmt.Errorf("attach ring reader: %w", err)
	}

	onFrame := func(preview slowtrace.Result, state *tracestate.TraceState) {
		frame := render.FrameFrom(state)
		log.Debugw("frame",
			"base_time", frame.BaseTime,
			"max_depth", frame.MaxDepth,
			"num_threads", frame.NumThreads,
			"preview_max_depth", preview.MaxDepth,
		)
	}

	p := pipeline.New(reader, noopDevice{}, 0, uint64(renderCfg.MaxBufferSize), cmd.Workers, log, onFrame)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return p.Run(ctx)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// noopDevice is the GPU device rrprof runs with in the absence of a
// real renderer (spec.md §1's GPU pipeline is a named collaborator,
// not something this binary implements). It still exercises the whole
// GpuSyncVec upload path; it just throws the bytes away.
type noopDevice struct{}

func (noopDevice) CreateBuffer(size uint64, usage gpuvec.Usage) gpuvec.Buffer {
	return noopBuffer{size: size}
}

func (noopDevice) WriteBuffer(buf gpuvec.Buffer, byteOffset uint64, data []byte) {}

type noopBuffer struct{ size uint64 }

func (b noopBuffer) Size() uint64 { return b.size }

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// Is makes errors.Is(err, Interrupted{}) match an Interrupted carrying
// any signal.
func (m Interrupted) Is(target error) bool {
	_, ok := target.(Interrupted)
	return ok
}

// WaitInterrupted blocks until SIGINT/SIGTERM or ctx is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
