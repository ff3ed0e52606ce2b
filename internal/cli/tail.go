package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/common/messaging"
	natsclient "github.com/telhawk-systems/logstream/common/messaging/nats"
	"github.com/telhawk-systems/logstream/internal/models"
	"github.com/telhawk-systems/logstream/internal/service"
	"github.com/telhawk-systems/logstream/internal/sink"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow batches published to NATS by a running service",
	Long: `Subscribe to the event subjects a service publishes on and print every
batch. With --durable the command reads the JetStream events stream through a
durable consumer, so batches published while it was not running are replayed.`,
	Example: `  logstream tail --topic correlated
  logstream tail --source Q1 --output yaml
  logstream tail --durable audit-reader --topic plain`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringArray("topic", nil, "topic to follow: plain, correlated, pcap (repeatable, default: all)")
	tailCmd.Flags().String("source", "", "only follow one source (query id or channel id)")
	tailCmd.Flags().String("durable", "", "read the JetStream events stream with this durable consumer")
}

// tailSubjects returns the subjects to follow for topics and source.
func tailSubjects(topics []string, source string) ([]string, error) {
	selected := models.Topics
	if len(topics) > 0 {
		selected = nil
		for _, t := range topics {
			topic := models.Topic(t)
			if !topic.IsValid() {
				return nil, models.ConfigError("unknown topic %q", t)
			}
			selected = append(selected, topic)
		}
	}
	subjects := make([]string, 0, len(selected))
	for _, t := range selected {
		if source != "" {
			subjects = append(subjects, sink.Subject(t, source))
		} else {
			subjects = append(subjects, messaging.EventWildcard(sink.TopicSubject(t)))
		}
	}
	return subjects, nil
}

// printer decodes messages and writes them to the stream.
func printer(stream *sink.Stream) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		topic, b, err := sink.Decode(msg)
		if err != nil {
			// Redelivery cannot fix a malformed payload.
			slog.Warn("Skipping undecodable message", slog.String("subject", msg.Subject), logging.Error(err))
			return nil
		}
		return stream.Write(ctx, topic, b)
	}
}

func runTail(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topics, _ := cmd.Flags().GetStringArray("topic")
	source, _ := cmd.Flags().GetString("source")
	durable, _ := cmd.Flags().GetString("durable")

	subjects, err := tailSubjects(topics, source)
	if err != nil {
		return err
	}
	stream, err := newStream(cmd)
	if err != nil {
		return err
	}
	handle := printer(stream)
	natsCfg := service.NATSConfig(cfg.NATS, logger.Logger)

	if durable != "" {
		js, err := natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer js.Close()

		streamName := natsclient.EventsStream.Name
		for i, subject := range subjects {
			name := durable
			if len(subjects) > 1 {
				name = fmt.Sprintf("%s-%d", durable, i)
			}
			if _, err := js.CreateOrUpdateConsumer(ctx, streamName, natsclient.DefaultConsumerConfig(name, subject)); err != nil {
				return err
			}
			stopConsume, err := js.ConsumeMessages(ctx, streamName, name, handle)
			if err != nil {
				return err
			}
			defer stopConsume()
			slog.Info("Consuming events", slog.String("consumer", name), slog.String("subject", subject))
		}
		<-ctx.Done()
		return nil
	}

	nc, err := natsclient.NewClient(natsCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	for _, subject := range subjects {
		sub, err := nc.Subscribe(subject, handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
		slog.Info("Subscribed", slog.String("subject", subject))
	}
	<-ctx.Done()
	return nil
}
