package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/observability"
	"github.com/rcliao/memvault/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run scheduled maintenance until interrupted",
		Long: "Run the purge and reconcile jobs on their configured schedules and serve /metrics\n" +
			"and /healthz. Stops on SIGINT or SIGTERM.",
		Run: runMaintain,
	}

	cmd.Flags().String("metrics-addr", "", "Listen address for /metrics (default: metrics.addr)")
	cmd.Flags().Bool("no-metrics", false, "Do not serve /metrics")
	cmd.Flags().Bool("now", false, "Run every enabled job once at startup")

	RootCmd.AddCommand(cmd)
}

func runMaintain(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	noMetrics, _ := cmd.Flags().GetBool("no-metrics")
	runNow, _ := cmd.Flags().GetBool("now")

	a := mustOpenApp(cmd)
	defer a.Close()
	log := a.log.Zerolog()

	schedCfg := service.SchedulerConfigFrom(a.cfg.Maintenance)
	sched, err := service.NewScheduler(a.engine, schedCfg)
	if err != nil {
		a.fail("maintain", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if !noMetrics {
		if addr == "" {
			addr = a.cfg.Metrics.Addr
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("metrics server error")
				stop()
			}
		}()
		log.Info().Str("addr", addr).Msg("serving metrics")
	}

	if runNow {
		if schedCfg.PurgeEnabled {
			sched.RunPurge(schedCfg.PurgeAfter)
		}
		if schedCfg.ReconcileSchedule != "" {
			sched.RunReconcile()
		}
	}

	sched.Start()
	printJSON(cmd, map[string]any{"ok": true, "jobs": sched.Jobs(), "backends": a.cfg.Summary()})
	<-ctx.Done()

	sched.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}
