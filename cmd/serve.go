package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/schedule"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the consolidation scheduler with its control API",
	Long: `Starts the scheduler, the REST control API under /api/consolidation
and Prometheus metrics on /metrics.

Examples:
  memcon serve --addr :8080
  MEMCON_SCHEDULE_DAILY=disabled memcon serve
  memcon serve --trace-exporter otlp --trace-endpoint localhost:4317`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("trace-exporter", "none", "Span exporter: none, stdout or otlp")
	serveCmd.Flags().String("trace-endpoint", "", "OTLP collector host:port")
	serveCmd.Flags().Bool("trace-insecure", false, "Disable TLS to the OTLP collector")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("tracing.exporter", serveCmd.Flags().Lookup("trace-exporter"))
	_ = viper.BindPFlag("tracing.endpoint", serveCmd.Flags().Lookup("trace-endpoint"))
	_ = viper.BindPFlag("tracing.insecure", serveCmd.Flags().Lookup("trace-insecure"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Exporter:    viper.GetString("tracing.exporter"),
		Endpoint:    viper.GetString("tracing.endpoint"),
		Insecure:    viper.GetBool("tracing.insecure"),
		ServiceName: "memcon",
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sched, err := schedule.New(runFunc(a.consolidator), scheduleConfig(viper.GetViper()),
		schedule.WithLogger(a.logger.Named("schedule")))
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/api/", NewControlAPI(a.consolidator, sched, a.monitor, a.logger.Named("api")))

	addr := viper.GetString("server.addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("control API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown: %v\n", err)
	}
	return nil
}

// runFunc adapts the consolidator to the scheduler. A run whose report is
// marked unsuccessful counts as a failed execution.
func runFunc(c *consolidate.Consolidator) schedule.RunFunc {
	return func(ctx context.Context, h horizon.Horizon) error {
		report, err := c.Consolidate(ctx, h)
		if err != nil {
			return err
		}
		if !report.Performance.Success {
			return fmt.Errorf("%s consolidation %s failed: %s", h, report.RunID, strings.Join(report.Errors, "; "))
		}
		return nil
	}
}
