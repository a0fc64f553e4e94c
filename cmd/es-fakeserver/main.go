// es-fakeserver serves the event store TCP protocol in memory, answering with
// a scripted sequence of result codes. Useful for trying client retries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/smnsjas/go-escore/fakeserver"
	"github.com/smnsjas/go-escore/operation"
)

var (
	listenAddr string
	isDebug    bool
	script     []string
	heartbeat  time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "es-fakeserver",
		Short: "In-memory event store for client testing",
		Long: `es-fakeserver accepts client connections and answers writes and deletes.
--script sets the result codes for the first requests, by name or number;
"drop" swallows a request so the client times out.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runServer,
	}

	f := cmd.Flags()
	f.StringVar(&listenAddr, "listen", "127.0.0.1:1113", "listen address")
	f.BoolVar(&isDebug, "debug", false, "enable debug logging")
	f.StringSliceVar(&script, "script", nil, "result codes for the next requests, e.g. CommitTimeout,drop,Success")
	f.DurationVar(&heartbeat, "heartbeat", 0, "heartbeat request interval (0 disables)")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if isDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	codes, err := parseScript(script)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Error("Failed to listen", "address", listenAddr, "error", err)
		return err
	}
	logger.Info("Fake server listening", "address", ln.Addr().String(), "script", script)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := fakeserver.New(
		fakeserver.WithScript(codes...),
		fakeserver.WithLogger(logger),
		fakeserver.WithHeartbeatInterval(heartbeat),
	)
	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error("Server stopped", "error", err)
		return err
	}
	logger.Info("Fake server stopped", "requests", srv.Requests())
	return nil
}

var codeNames = map[string]operation.ErrorCode{
	"success":              operation.ErrorCodeSuccess,
	"preparetimeout":       operation.ErrorCodePrepareTimeout,
	"committimeout":        operation.ErrorCodeCommitTimeout,
	"forwardtimeout":       operation.ErrorCodeForwardTimeout,
	"wrongexpectedversion": operation.ErrorCodeWrongExpectedVersion,
	"streamdeleted":        operation.ErrorCodeStreamDeleted,
	"invalidtransaction":   operation.ErrorCodeInvalidTransaction,
	"drop":                 fakeserver.Drop,
}

func parseScript(items []string) ([]operation.ErrorCode, error) {
	codes := make([]operation.ErrorCode, 0, len(items))
	for _, item := range items {
		if code, ok := codeNames[strings.ToLower(strings.TrimSpace(item))]; ok {
			codes = append(codes, code)
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(item), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("unknown result code %q", item)
		}
		codes = append(codes, operation.ErrorCode(n))
	}
	return codes, nil
}
