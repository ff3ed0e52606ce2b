package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/remote"
	"github.com/telhawk-systems/logstream/internal/service"
	"github.com/telhawk-systems/logstream/internal/sink"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Install event channel filters and stream matching events",
	Long: `Install filters on the remote event channel and stream matching events to
stdout until interrupted (or until --duration elapses). The filters are
cleared on exit, which ends the channel's stream.`,
	Example: `  logstream channel --filter "type = traffic" --filter "severity > 3"
  logstream channel --duration 10m --flush --correlate`,
	Args: cobra.NoArgs,
	RunE: runChannel,
}

func init() {
	rootCmd.AddCommand(channelCmd)

	channelCmd.Flags().StringArray("filter", nil, "filter expression (repeatable, default: channel.filters)")
	channelCmd.Flags().Bool("flush", false, "discard events already queued on the channel before streaming")
	channelCmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	channelCmd.Flags().Bool("correlate", false, "correlate L2 and L3 records (overrides correlation.enabled)")
	channelCmd.Flags().Bool("no-sentinels", false, "omit the end-of-stream record from the output")
}

func runChannel(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	filters, _ := cmd.Flags().GetStringArray("filter")
	if len(filters) == 0 {
		filters = cfg.Channel.Filters
	}
	flush, _ := cmd.Flags().GetBool("flush")
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

	installed, err := svc.InstallFilter(ctx, remote.FilterSpec{Filters: filters, Flush: flush})
	if err != nil {
		return fmt.Errorf("failed to install filters: %w", err)
	}
	logger.Info("Channel filters installed",
		logging.ChannelID(cfg.Remote.ChannelID),
		logging.Count(len(installed)))

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	var run errgroup.Group
	run.Go(func() error {
		return svc.Run(runCtx)
	})

	<-ctx.Done()

	// Clear while the sinks still run so the sentinel reaches them.
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := svc.ClearFilter(clearCtx, false); err != nil {
		logger.Warn("Failed to clear channel filters", logging.Error(err))
	}
	cancelRun()
	if err := run.Wait(); err != nil {
		return err
	}

	if ch := svc.Channel(); ch != nil && ch.Err() != nil {
		return fmt.Errorf("channel stopped: %w", ch.Err())
	}
	return nil
}
