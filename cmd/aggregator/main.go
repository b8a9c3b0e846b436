// Command aggregator runs the frame cache: it consumes per-digitiser
// event lists from the input topic, assembles them into complete frames
// keyed by (timestamp, frame number), and publishes each
// FrameAssembledEventList to the output topic once complete or forcibly
// expired.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/supermusr/data-pipeline/internal/frame"
	"github.com/supermusr/data-pipeline/internal/httpserver"
	"github.com/supermusr/data-pipeline/internal/metrics"
	"github.com/supermusr/data-pipeline/internal/otel"
	"github.com/supermusr/data-pipeline/internal/pipelinecfg"
	"github.com/supermusr/data-pipeline/internal/queue"
	"github.com/supermusr/data-pipeline/internal/streamio/kafka"
	"github.com/supermusr/data-pipeline/internal/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "aggregator",
		Short: "Assembles per-digitiser event lists into complete frames",
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
		return fmt.Errorf("aggregator: load config: %w", err)
	}

	otelShutdown, err := otel.Setup(context.Background(), cfg.Observability.OTelEndpoint, "aggregator", cfg.GitVersion)
	if err != nil {
		return fmt.Errorf("aggregator: init otel: %w", err)
	}
	defer otelShutdown(context.Background())

	log := otel.NewLogger("aggregator")

	provider, err := metrics.NewProvider("aggregator", cfg.GitVersion)
	if err != nil {
		return fmt.Errorf("aggregator: init metrics: %w", err)
	}
	recorder, err := metrics.NewRecorder(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("aggregator: init recorder: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	ls, err := net.Listen("tcp", cfg.Observability.Address)
	if err != nil {
		return fmt.Errorf("aggregator: listen on %s: %w", cfg.Observability.Address, err)
	}
	go func() {
		if err := httpserver.Serve(ctx, &http.Server{Handler: mux}, ls); err != nil {
			log.Error("observability server failed", slog.Any("error", err))
		}
	}()

	cache := frame.NewCache(cfg.FrameTTL(), cfg.Aggregator.ExpectedDigitisers)

	producer, err := kafka.NewProducer(splitBrokers(cfg.Broker), cfg.Topics.Out)
	if err != nil {
		return fmt.Errorf("aggregator: init producer: %w", err)
	}
	defer producer.Close()

	publish := func(ctx context.Context, frames []wire.FrameAssembledEventList, errs []error) {
		for _, e := range errs {
			log.Warn("accumulate error", slog.Any("error", e))
			recorder.IncFailure("accumulate")
		}
		for _, fr := range frames {
			encoded, err := wire.Encode(fr)
			if err != nil {
				log.Error("failed to encode assembled frame", slog.Any("error", err))
				recorder.IncFailure("encode")
				continue
			}
			if err := producer.Publish(ctx, nil, encoded); err != nil {
				log.Error("failed to publish assembled frame", slog.Any("error", err))
				recorder.IncFailure("publish")
				continue
			}
			recorder.IncFramesSent()
		}
	}

	handler := func(ctx context.Context, topic string, partition int32, offset int64, value []byte) error {
		msg, err := wire.Decode(value)
		if err != nil {
			recorder.IncFailure("decode")
			return fmt.Errorf("decode: %w", err)
		}

		switch m := msg.(type) {
		case wire.DigitiserEventList:
			result, err := cache.Push(time.Now(), m.Metadata, m.DigitiserID, m.Events, m.Metadata.VetoFlags)
			if err != nil {
				recorder.IncFailure("frame_cache")
				return err
			}
			if result.Complete {
				publish(ctx, []wire.FrameAssembledEventList{*result.Aggregated}, result.AccumulateErrs)
			} else if len(result.AccumulateErrs) > 0 {
				publish(ctx, nil, result.AccumulateErrs)
			}
			if len(result.Forced) > 0 {
				publish(ctx, result.Forced, result.ForcedErrs)
			}
		case wire.RunStop:
			frames, errs := cache.CancelRunBoundary(m.Timestamp)
			publish(ctx, frames, errs)
		default:
			log.Warn("unexpected message kind on input topic", slog.String("topic", topic))
		}
		return nil
	}

	runtime := kafka.NewRuntime(log, recorder, kafka.Config{
		Brokers:  splitBrokers(cfg.Broker),
		Username: cfg.Username,
		Password: cfg.Password,
		GroupID:  cfg.ConsumerGroup,
		Topics:   []string{cfg.Topics.In, cfg.Topics.Control},
	}, handler)

	// Tick task: poll for TTL-expired partial frames at TTL/4, per
	// spec.md §5's "tick tasks for expiry polling (TTL/4)".
	tickInterval := cfg.FrameTTL() / 4
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		queue.Run(ctx, log, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				frames, errs := cache.PollExpired(time.Now())
				publish(ctx, frames, errs)
				return nil
			}
		})
	}()

	log.Info("aggregator starting", slog.String("in_topic", cfg.Topics.In), slog.String("out_topic", cfg.Topics.Out))
	return runtime.ProcessQueue(ctx)
}

func splitBrokers(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}
