// es-append appends one event to a stream and prints the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	escore "github.com/smnsjas/go-escore"
	"github.com/smnsjas/go-escore/clientmessages"
	"github.com/smnsjas/go-escore/config"
	"github.com/smnsjas/go-escore/metrics"
)

var (
	cfgPath         string
	address         string
	isDebug         bool
	eventType       string
	data            string
	metadata        string
	expectedVersion int32
	count           int
	timeout         time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "es-append <stream>",
		Short: "Append an event to a stream",
		Long: `es-append connects to an event store over TCP and appends an event.
Retryable result codes and timeouts are retried under new correlation ids.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runAppend,
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "config file (defaults apply when empty)")
	f.StringVar(&address, "address", "", "server address, overrides server.address")
	f.BoolVar(&isDebug, "debug", false, "enable debug logging")
	f.StringVar(&eventType, "type", "", "event type (required)")
	f.StringVar(&data, "data", "{}", "event data")
	f.StringVar(&metadata, "metadata", "", "event metadata")
	f.Int32Var(&expectedVersion, "expected-version", clientmessages.ExpectedVersionAny, "expected stream version (-2 any, -1 no stream)")
	f.IntVar(&count, "count", 1, "number of copies of the event to append")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Logging.Level)
	if isDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)
	return logger
}

func runAppend(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}
	if address != "" {
		cfg.Server.Address = address
	}
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Address != "" {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	client, err := escore.Dial(ctx, cfg, escore.WithLogger(logger), escore.WithMetrics(m))
	if err != nil {
		logger.Error("Failed to connect", "address", cfg.Server.Address, "error", err)
		return err
	}
	defer client.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	events := make([]clientmessages.NewEvent, count)
	for i := range events {
		events[i] = clientmessages.NewEvent{
			EventType: eventType,
			Data:      []byte(data),
		}
		if metadata != "" {
			events[i].Metadata = []byte(metadata)
		}
	}

	stream := args[0]
	start := time.Now()
	res, err := client.AppendToStream(ctx, stream, expectedVersion, events...)
	if err != nil {
		logger.Error("Append failed", "stream", stream, "error", err)
		return err
	}

	logger.Info("Append completed", "stream", res.Stream, "first_event_number", res.FirstEventNumber, "elapsed", time.Since(start))
	fmt.Fprintf(cmd.OutOrStdout(), "%s@%d\n", res.Stream, res.FirstEventNumber)

	_ = client.Close()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("Connection ended", "error", err)
	}
	return nil
}
