// tezedge-debugger captures the p2p traffic of a Tezos node, decrypts it with
// the node's identity and records every message.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/tezedge/tezedge-debugger/internal/bpf"
	"github.com/tezedge/tezedge-debugger/internal/bpfloader"
	"github.com/tezedge/tezedge-debugger/internal/bridge"
	"github.com/tezedge/tezedge-debugger/internal/capture"
	"github.com/tezedge/tezedge-debugger/internal/config"
	"github.com/tezedge/tezedge-debugger/internal/correlator"
	"github.com/tezedge/tezedge-debugger/internal/eventstream"
	"github.com/tezedge/tezedge-debugger/internal/identity"
	"github.com/tezedge/tezedge-debugger/internal/logging"
	"github.com/tezedge/tezedge-debugger/internal/memreader"
	"github.com/tezedge/tezedge-debugger/internal/orchestrator"
	"github.com/tezedge/tezedge-debugger/internal/otel"
	"github.com/tezedge/tezedge-debugger/internal/output"
	"github.com/tezedge/tezedge-debugger/internal/peernames"
	"github.com/tezedge/tezedge-debugger/internal/sockmeta"
	"github.com/tezedge/tezedge-debugger/internal/store"
	"github.com/tezedge/tezedge-debugger/internal/store/leveldb"
	"github.com/tezedge/tezedge-debugger/internal/store/sqlite"
	"github.com/tezedge/tezedge-debugger/internal/timesync"
	"github.com/tezedge/tezedge-debugger/internal/transport"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("Error: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case config.StoreSQLite:
		return sqlite.New(ctx, cfg.StorePath)
	case config.StoreLevelDB:
		return leveldb.New(cfg.StorePath)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.StoreKind)
	}
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL() (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	if otelCfg.Disabled {
		logrus.Info("OTEL_SDK_DISABLED set, envelope spans are not exported")
		return noop.NewTracerProvider().Tracer("tezedge-debugger"), func() {}, nil
	}
	tp, err := otel.InitProvider(otelCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logrus.Warnf("Error shutting down OTEL provider: %v", err)
		}
	}
	return tp.Tracer("tezedge-debugger"), cleanup, nil
}

// setupBPF loads the syscall probes, tracks the node process and opens the
// ring buffer.
func setupBPF(cfg *config.Config) (*ringbuf.Reader, func(), error) {
	loader, err := bpfloader.New(cfg.BPFObject)
	if err != nil {
		return nil, nil, err
	}
	closeLoader := func() {
		if err := loader.Close(); err != nil {
			logrus.Warnf("Error closing loader: %v", err)
		}
	}

	if err := loader.TrackPID(cfg.TargetPID); err != nil {
		closeLoader()
		return nil, nil, err
	}
	if err := loader.Attach(); err != nil {
		closeLoader()
		return nil, nil, err
	}
	rd, err := loader.OpenRingBuffer()
	if err != nil {
		closeLoader()
		return nil, nil, err
	}

	cleanup := func() {
		if err := rd.Close(); err != nil {
			logrus.Warnf("Error closing ring buffer: %v", err)
		}
		if err := loader.UntrackPID(cfg.TargetPID); err != nil {
			logrus.Warnf("Error untracking pid: %v", err)
		}
		closeLoader()
	}
	return rd, cleanup, nil
}

// setupSinks builds the envelope sinks and returns a cleanup flushing them.
func setupSinks(cfg *config.Config, tracer trace.Tracer, sockets *sockmeta.Manager) (output.Sink, func(), error) {
	clock, err := timesync.NewConverter()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create time converter: %w", err)
	}
	names := peernames.New()
	if values, err := peernames.ProcessStrings(cfg.TargetPID); err == nil {
		names.Ingest(values...)
	} else {
		logrus.Debugf("peer names unavailable: %v", err)
	}

	spans := output.NewSpanSink(tracer, clock, names)
	sinks := output.Multi{output.NewLogSink(sockets, names), spans}

	var dump *output.StreamSink
	if cfg.EnvelopeDump != "" {
		f, err := os.OpenFile(cfg.EnvelopeDump, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening envelope dump: %w", err)
		}
		dump = output.NewStreamSink(f)
		sinks = append(sinks, dump)
	}

	cleanup := func() {
		if err := spans.Close(); err != nil {
			logrus.Warnf("Error ending spans: %v", err)
		}
		if dump != nil {
			if err := dump.Close(); err != nil {
				logrus.Warnf("Error closing envelope dump: %v", err)
			}
		}
	}
	return sinks, cleanup, nil
}

// runSyscallTracing correlates the node's socket syscalls into envelopes
// until ctx is done.
func runSyscallTracing(ctx context.Context, cfg *config.Config) error {
	tracer, cleanupOTEL, err := setupOTEL()
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	rd, cleanupBPF, err := setupBPF(cfg)
	if err != nil {
		return err
	}
	defer cleanupBPF()

	ring, err := transport.NewRing[*bpf.Envelope](cfg.RingCapacity)
	if err != nil {
		return err
	}
	sockets := sockmeta.NewManager()
	handler := correlator.NewHandler(correlator.DefaultCapacity, memreader.ProcessVM{}, correlator.RingEmitter(ring),
		correlator.WithSockets(sockets),
		correlator.WithMaxPayload(cfg.MaxPayload),
	)

	sink, cleanupSinks, err := setupSinks(cfg, tracer, sockets)
	if err != nil {
		return err
	}
	defer cleanupSinks()

	stream := eventstream.New(rd, handler)
	if err := stream.Start(ctx); err != nil {
		return err
	}
	logrus.Infof("Tracing socket syscalls of pid %d", cfg.TargetPID)

	err = output.Consume(ctx, ring, sink)

	if stopErr := stream.Stop(); stopErr != nil {
		logrus.Warnf("Error stopping stream: %v", stopErr)
	}
	// closing the reader unblocks a pending read
	if closeErr := rd.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		logrus.Debugf("closing ring buffer: %v", closeErr)
	}
	<-stream.Done()

	stats := handler.Correlator().Stats()
	logrus.WithFields(logrus.Fields{
		"stale":          stats.Stale,
		"table_dropped":  stats.Dropped,
		"queue_dropped":  ring.Dropped(),
		"still_pending":  handler.Correlator().Pending(),
		"tracked_socket": sockets.Len(),
	}).Info("syscall tracing stopped")
	return err
}

func run() error {
	envCfg, err := config.ParseEnv()
	if err != nil {
		return err
	}
	cfg, err := config.ParseArgs(os.Args, envCfg, os.Stdout)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	logCloser, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logrus.Infof("Starting tezedge-debugger %s (commit: %s)", version, commit)

	id, err := identity.Load(cfg.IdentityFile)
	if err != nil {
		return err
	}
	logrus.Infof("Loaded identity %s", id.PeerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logrus.Warnf("Error closing store: %v", err)
		}
	}()

	injector, err := bridge.OpenInjector(cfg.BridgeDevice)
	if err != nil {
		return err
	}
	defer injector.Close()

	orch, err := orchestrator.New(orchestrator.Config{
		LocalAddress: cfg.LocalAddress,
		FakeAddress:  cfg.FakeAddress,
		MaxPeers:     cfg.MaxPeers,
	}, bridge.NewLocked(injector), orchestrator.NewSpawner(id, st, orchestrator.DefaultInboxSize))
	if err != nil {
		return err
	}

	device, err := capture.SelectInterface(cfg.Interface)
	if err != nil {
		return err
	}
	src, err := capture.Open(device, cfg.Port)
	if err != nil {
		return err
	}
	defer src.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	g.Go(func() error {
		return src.Run(ctx, func(seg *capture.Segment) {
			if err := orch.Submit(ctx, seg); err != nil {
				logrus.Debugf("dropping %s: %v", seg, err)
			}
		})
	})
	if cfg.SyscallTracing() {
		g.Go(func() error {
			return runSyscallTracing(ctx, cfg)
		})
	}

	logrus.Infof("Capturing port %d on %s", cfg.Port, device)
	err = g.Wait()
	logrus.Info("Exiting.")
	return err
}
