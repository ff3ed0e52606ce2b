package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/remote"
	"github.com/telhawk-systems/logstream/internal/service"
	"github.com/telhawk-systems/logstream/internal/sink"
)

var queryCmd = &cobra.Command{
	Use:   "query QUERY...",
	Short: "Run log queries and stream their results",
	Long: `Submit one or more queries to the remote logging service, poll them round
robin until every job terminates, and write each page to stdout as it arrives.
Every job ends with an end-of-stream record for its query id.`,
	Example: `  logstream query "type = traffic" --log-type traffic
  logstream query "type = traffic" "type = threat" --max-wait 5s --correlate
  logstream query "severity > 3" --start 1700000000 --end 1700003600 --output yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().Int64("start", 0, "start time (epoch seconds)")
	queryCmd.Flags().Int64("end", 0, "end time (epoch seconds)")
	queryCmd.Flags().String("log-type", "", "log type attached to pages that do not report one")
	queryCmd.Flags().Duration("max-wait", 0, "long-poll budget per request (default: poller.max_wait_time)")
	queryCmd.Flags().Bool("correlate", false, "correlate L2 and L3 records (overrides correlation.enabled)")
	queryCmd.Flags().Bool("no-sentinels", false, "omit end-of-stream records from the output")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if correlate, _ := cmd.Flags().GetBool("correlate"); correlate {
		cfg.Correlation.Enabled = true
	}

	var streamOpts []sink.StreamOption
	if skip, _ := cmd.Flags().GetBool("no-sentinels"); skip {
		streamOpts = append(streamOpts, sink.WithoutSentinels())
	}
	stream, err := newStream(cmd, streamOpts...)
	if err != nil {
		return err
	}

	svc, err := service.Build(ctx, cfg, logger.Logger, service.Sink{Writer: stream})
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer svc.Close()

	start, _ := cmd.Flags().GetInt64("start")
	end, _ := cmd.Flags().GetInt64("end")
	logType, _ := cmd.Flags().GetString("log-type")
	maxWait, _ := cmd.Flags().GetDuration("max-wait")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var run errgroup.Group
	run.Go(func() error {
		return svc.Run(runCtx)
	})

	var (
		waits  errgroup.Group
		failed int
	)
	results := make(chan jobs.Status, len(args))
	for _, q := range args {
		spec := remote.QuerySpec{
			Query:       q,
			StartTime:   start,
			EndTime:     end,
			LogType:     logType,
			MaxWaitTime: maxWait,
			Client:      cfg.Remote.Client,
		}
		h, err := svc.Submit(ctx, spec)
		if err != nil {
			logger.Error("Query rejected", logging.Query(q), logging.Error(err))
			failed++
			continue
		}
		logger.Info("Query submitted", logging.QueryID(h.ID()), logging.Query(q))
		waits.Go(func() error {
			status, err := h.Wait(ctx)
			results <- status
			log := logger.With(logging.QueryID(h.ID()), logging.JobStatus(status.String()))
			if err != nil {
				log.Warn("Query did not finish", logging.Error(err))
				return err
			}
			log.Info("Query finished")
			return nil
		})
	}
	waitErr := waits.Wait()
	close(results)

	cancelRun()
	if err := run.Wait(); err != nil {
		logger.Warn("Shutdown incomplete", logging.Error(err))
	}

	finished := 0
	for s := range results {
		if s == jobs.StatusJobFinished {
			finished++
		}
	}
	logger.Info("All queries done",
		slog.Int("submitted", len(args)-failed),
		slog.Int("finished", finished),
		slog.Int("rejected", failed))

	switch {
	case waitErr != nil:
		return waitErr
	case failed > 0:
		return errors.New("one or more queries were rejected")
	}
	return nil
}
