package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/skyfield-eo/granulepush/internal/metrics"
	"github.com/skyfield-eo/granulepush/pkg/app"
	"github.com/skyfield-eo/granulepush/pkg/config"
	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/spf13/cobra"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIndex(name, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", name, raw)
	}
	return n, nil
}

func main() {
	root := &cobra.Command{
		Use:   "uploader <reservation_id> <prefix> <job_index> <last_job_index> <manifest_path> <data_dir> <processing_type> <dataset>",
		Short: "Push one array shard of granules and settle the license reservation",
		Long: "uploader runs as one member of a batch array job. It uploads its manifest " +
			"shard to the object store, and if it is the terminal member it releases the " +
			"shared license reservation exactly once. Pass an empty reservation_id to " +
			"upload without touching the ledger, " + strconv.Itoa(domain.JobIndexFromEnv) +
			" as job_index to read it from the scheduler environment, and -1 as " +
			"last_job_index for a single (non-array) run.",
		Args:          cobra.ExactArgs(8),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	start := time.Now()

	cfg, err := config.LoadConfigOptional(getenv("GRANULEPUSH_CONFIG_PATH", ""))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	jobIndex, err := parseIndex("job_index", args[2])
	if err != nil {
		return err
	}
	lastJobIndex, err := parseIndex("last_job_index", args[3])
	if err != nil {
		return err
	}

	item, err := domain.NewWorkItem(
		args[0], args[1], jobIndex, lastJobIndex,
		args[4], args[5], domain.ProcessingType(args[6]), args[7],
		cfg.ArrayIndexEnv,
	)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, item.Prefix, []string{item.DatasetLabel})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, runErr := application.Coordinator.Run(ctx, item)

	metrics.PushInvocation(cfg.PushgatewayURL, item.ReservationID, item.JobIndex, application.Logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	application.Shutdown(shutdownCtx)

	elapsed := time.Since(start)
	if runErr != nil {
		application.Logger.Error("invocation failed",
			"phase", report.Phase, "cause", report.Cause, "took", elapsed, "err", runErr)
		return runErr
	}
	application.Logger.Info("invocation done",
		"terminal", report.Terminal,
		"uploaded", report.Uploaded,
		"verified", report.Verified,
		"bytes", report.Bytes,
		"took", elapsed,
	)
	return nil
}
