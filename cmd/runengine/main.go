// Command runengine drives the run lifecycle: it consumes control
// (RunStart/RunStop), assembled-frame, run-log and alarm topics, writes
// each open run to a NeXus/HDF5 file, and periodically sweeps completed
// files into the archive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/supermusr/data-pipeline/internal/archive"
	"github.com/supermusr/data-pipeline/internal/httpserver"
	"github.com/supermusr/data-pipeline/internal/metrics"
	"github.com/supermusr/data-pipeline/internal/nexus"
	"github.com/supermusr/data-pipeline/internal/otel"
	"github.com/supermusr/data-pipeline/internal/pipelinecfg"
	"github.com/supermusr/data-pipeline/internal/runengine"
	"github.com/supermusr/data-pipeline/internal/streamio/kafka"
	"github.com/supermusr/data-pipeline/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "runengine",
		Short: "Writes assembled frames and run metadata to NeXus files",
		RunE:  run,
	}
	root.Flags().String("config", "", "path to an override config file")
	pipelinecfg.FlagSet(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	overridePath, _ := cmd.Flags().GetString("config")
	cfg, err := pipelinecfg.Load(cmd, overridePath)
	if err != nil {
		return fmt.Errorf("runengine: load config: %w", err)
	}

	otelShutdown, err := otel.Setup(context.Background(), cfg.Observability.OTelEndpoint, "runengine", cfg.GitVersion)
	if err != nil {
		return fmt.Errorf("runengine: init otel: %w", err)
	}
	defer otelShutdown(context.Background())

	log := otel.NewLogger("runengine")

	provider, err := metrics.NewProvider("runengine", cfg.GitVersion)
	if err != nil {
		return fmt.Errorf("runengine: init metrics: %w", err)
	}
	recorder, err := metrics.NewRecorder(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("runengine: init recorder: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	ls, err := net.Listen("tcp", cfg.Observability.Address)
	if err != nil {
		return fmt.Errorf("runengine: listen on %s: %w", cfg.Observability.Address, err)
	}
	go func() {
		if err := httpserver.Serve(ctx, &http.Server{Handler: mux}, ls); err != nil {
			log.Error("observability server failed", slog.Any("error", err))
		}
	}()

	settings := nexus.Settings{
		LocalPath:          cfg.RunEngine.LocalPath,
		LocalPathCompleted: cfg.RunEngine.LocalPath + "/completed",
		ArchivePath:        cfg.RunEngine.ArchivePath,
		Chunks:             nexus.DefaultChunkSizes(1024, 4096),
	}

	engine := runengine.NewEngine(log, recorder, nexus.Open, settings, cfg.CollectUntilGrace())

	if err := resumeOpenRuns(ctx, log, engine, settings); err != nil {
		log.Error("resume scan failed", slog.Any("error", err))
	}

	mover := archive.New(log, recorder, cfg.RunEngine.LocalPath+"/completed/*.nxs", cfg.RunEngine.ArchivePath, cfg.ArchiveSweepInterval())
	go func() {
		if err := mover.Run(ctx); err != nil {
			log.Error("archive mover stopped", slog.Any("error", err))
		}
	}()

	handler := func(ctx context.Context, topic string, partition int32, offset int64, value []byte) error {
		msg, err := wire.Decode(value)
		if err != nil {
			recorder.IncFailure("decode")
			return fmt.Errorf("decode: %w", err)
		}

		mctx := runengine.MessageContext{Topic: topic, Partition: partition, Offset: offset, ReceivedAt: time.Now()}
		recorder.SetLastMessageTimestamp(mctx.ReceivedAt)

		var m runengine.Message
		switch v := msg.(type) {
		case wire.RunStart:
			m = runengine.Message{Kind: runengine.KindRunStart, RunStart: &v}
		case wire.RunStop:
			m = runengine.Message{Kind: runengine.KindRunStop, RunStop: &v}
		case wire.FrameAssembledEventList:
			recorder.SetLastMessageFrameNumber(v.Metadata.FrameNumber)
			m = runengine.Message{Kind: runengine.KindFrameEvent, FrameEvent: &v}
		case wire.LogData:
			m = runengine.Message{Kind: runengine.KindLogData, LogData: &v}
		case wire.SampleEnvironmentData:
			m = runengine.Message{Kind: runengine.KindSampleEnvironmentData, SampleEnvironmentData: &v}
		case wire.Alarm:
			m = runengine.Message{Kind: runengine.KindAlarm, Alarm: &v}
		default:
			log.Warn("unexpected message kind on run engine topics", slog.String("topic", topic))
			return nil
		}
		return engine.Handle(ctx, mctx, m)
	}

	runtime := kafka.NewRuntime(log, recorder, kafka.Config{
		Brokers:  []string{cfg.Broker},
		Username: cfg.Username,
		Password: cfg.Password,
		GroupID:  cfg.ConsumerGroup,
		Topics:   []string{cfg.Topics.Control, cfg.Topics.In, cfg.Topics.Log, cfg.Topics.Alarm},
	}, handler)

	log.Info("run engine starting", slog.String("local_path", settings.LocalPath))
	return runtime.ProcessQueue(ctx)
}

// resumeOpenRuns scans settings.LocalPath for .nxs files left over from a
// prior process (a run file is only moved into the completed directory once
// closed, so anything still sitting here was mid-run when the process
// stopped). Each one is reopened under resume semantics and handed to the
// engine as a resumed run, per spec.md §4.5's idempotent-resume contract:
// no external record of what was running is needed, only the file itself.
func resumeOpenRuns(ctx context.Context, log *slog.Logger, engine *runengine.Engine, settings nexus.Settings) error {
	entries, err := os.ReadDir(settings.LocalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runengine: scan %s for unfinished runs: %w", settings.LocalPath, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".nxs" {
			continue
		}
		path := filepath.Join(settings.LocalPath, entry.Name())

		pausedAt := time.Now()
		if info, err := entry.Info(); err == nil {
			pausedAt = info.ModTime()
		}

		w, id, err := nexus.OpenForResume(ctx, path, settings)
		if err != nil {
			log.Error("failed to reopen unfinished run for resume", slog.String("path", path), slog.Any("error", err))
			continue
		}

		params := runengine.Parameters{
			RunName:        id.RunName,
			InstrumentName: id.InstrumentName,
			Periods:        id.Periods,
			StartTime:      id.StartTime,
		}
		resumedAt := time.Now()
		if err := engine.Resume(ctx, params, w, pausedAt, resumedAt); err != nil {
			log.Error("failed to resume run", slog.String("run", id.RunName), slog.Any("error", err))
			continue
		}
		log.Warn("resumed run left open by a previous process", slog.String("run", id.RunName), slog.String("path", path))
	}
	return nil
}
