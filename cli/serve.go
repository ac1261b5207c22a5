package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/bus"
	stepotel "github.com/stepflow-labs/stepflow/otel"
	"github.com/stepflow-labs/stepflow/registry"
	"github.com/stepflow-labs/stepflow/server"
	"github.com/stepflow-labs/stepflow/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: in-memory store)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Int("max-steps", stepflow.DefaultMaxSteps, "Node execution cap per run")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector endpoint for traces (default: disabled)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")

	logger := slog.Default()

	shutdownTelemetry, err := stepotel.Setup(cmd.Context(), stepotel.SetupConfig{
		Endpoint: resolveOTLPEndpoint(otlpEndpoint),
		Insecure: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	st, err := resolveStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	tracing := stepotel.NewTracingHandler(
		otelapi.GetTracerProvider().Tracer("stepflow/engine"))
	metrics, err := stepotel.NewMetricsHandler(
		otelapi.GetMeterProvider().Meter("stepflow/engine"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	engine := stepflow.NewEngine(stepflow.EngineConfig{
		MaxSteps:  maxSteps,
		Publisher: stepflow.MultiPublisher(eb, tracing, metrics),
		Logger:    logger,
	})

	reg := registry.NewRegistry()

	scheduler := server.NewScheduler(server.SchedulerConfig{
		Store:    st,
		Registry: reg,
		Engine:   engine,
		Logger:   logger,
	})
	scheduler.Start()
	defer scheduler.Stop()

	apiServer := server.NewServer(server.ServerConfig{
		Store:      st,
		Registry:   reg,
		Engine:     engine,
		Bus:        eb,
		Scheduler:  scheduler,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     apiServer.Handler(),
		ReadTimeout: readTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "stepflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// resolveStore picks SQLite when a path is configured via flag or
// STEPFLOW_SQLITE_PATH, otherwise the in-memory store.
func resolveStore(cmd *cobra.Command) (store.Store, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("STEPFLOW_SQLITE_PATH"))
	}
	if dsn == "" {
		return store.NewMemStore(), nil
	}
	st, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	return st, nil
}

func resolveOTLPEndpoint(flag string) string {
	if flag != "" {
		return flag
	}
	return strings.TrimSpace(os.Getenv("STEPFLOW_OTLP_ENDPOINT"))
}
