package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/logstream/common/config"
	"github.com/telhawk-systems/logstream/common/logging"
	natsclient "github.com/telhawk-systems/logstream/common/messaging/nats"
	"github.com/telhawk-systems/logstream/internal/channel"
	"github.com/telhawk-systems/logstream/internal/correlation"
	"github.com/telhawk-systems/logstream/internal/poller"
	"github.com/telhawk-systems/logstream/internal/remote"
	"github.com/telhawk-systems/logstream/internal/sink"
	"github.com/telhawk-systems/logstream/internal/state"
)

// PollerConfig converts the poller section.
func PollerConfig(c config.PollerConfig) poller.Config {
	return poller.Config{
		PollDelay:     c.PollDelay,
		MaxWaitTime:   c.MaxWaitTime,
		DeleteTimeout: c.DeleteTimeout,
	}
}

// ChannelConfig converts the channel section.
func ChannelConfig(c config.ChannelConfig) channel.Config {
	return channel.Config{
		PollTimeout: c.PollTimeout,
		BatchSize:   c.BatchSize,
		IdleDelay:   c.IdleDelay,
		AutoAck:     c.AutoAck,
	}
}

// CorrelationConfig converts the correlation section. It returns nil when
// correlation is disabled.
func CorrelationConfig(c config.CorrelationConfig) *correlation.Config {
	if !c.Enabled {
		return nil
	}
	return &correlation.Config{
		AgeoutWindow:   c.AgeoutWindow,
		GCMultiplier:   c.GCMultiplier,
		AbsoluteTime:   c.AbsoluteTime,
		TimestampField: c.TimestampField,
		SessionField:   c.SessionField,
		L2Fields:       c.L2Fields,
		L3Fields:       c.L3Fields,
	}
}

// NATSConfig converts the nats section.
func NATSConfig(c config.NATSConfig, logger *slog.Logger) natsclient.Config {
	return natsclient.Config{
		URL:           c.URL,
		Name:          c.Name,
		MaxReconnects: c.MaxReconnects,
		ReconnectWait: c.ReconnectWait,
		Timeout:       c.Timeout,
		Username:      c.Username,
		Password:      c.Password,
		Token:         c.Token,
		Logger:        logger,
	}
}

// Build connects to everything cfg enables and returns a ready service.
// extra sinks are attached after the configured ones. On error every
// connection already made is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...Sink) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	var tokens remote.TokenSource
	if cfg.Remote.Token != "" {
		tokens = remote.StaticToken(cfg.Remote.Token)
	}

	// NATS is needed for the nats transport and for publishing.
	var (
		nc *natsclient.Client
		js *natsclient.JetStreamClient
	)
	needNATS := cfg.Remote.Transport == config.TransportNATS || cfg.NATS.Publish || cfg.NATS.JetStream
	if needNATS {
		natsCfg := NATSConfig(cfg.NATS, logger)
		if cfg.NATS.JetStream {
			js, err = natsclient.NewJetStreamClient(natsCfg)
			if err != nil {
				return nil, err
			}
			nc = js.Client
			if _, err = js.CreateOrUpdateStream(ctx, natsclient.EventsStream); err != nil {
				_ = js.Close()
				return nil, err
			}
		} else {
			nc, err = natsclient.NewClient(natsCfg)
			if err != nil {
				return nil, err
			}
		}
		closers = append(closers, nc.Close)
		logger.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	}

	opts := Options{
		Poller:          PollerConfig(cfg.Poller),
		ChannelCfg:      ChannelConfig(cfg.Channel),
		Correlation:     CorrelationConfig(cfg.Correlation),
		AllowDuplicates: cfg.Fanout.AllowDuplicates,
		QueueSize:       cfg.Fanout.QueueSize,
		WriteTimeout:    cfg.Remote.Timeout,
		Logger:          logger,
	}
	if nc != nil {
		opts.Broker = nc
	}

	switch cfg.Remote.Transport {
	case config.TransportNATS:
		c := remote.NewNATSClient(nc, remote.NATSConfig{
			ChannelID: cfg.Remote.ChannelID,
			Timeout:   cfg.Remote.Timeout,
			Tokens:    tokens,
		})
		opts.Queries, opts.Channel = c, c.Channel()
	default:
		c := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:   cfg.Remote.BaseURL,
			ChannelID: cfg.Remote.ChannelID,
			Timeout:   cfg.Remote.Timeout,
			Tokens:    tokens,
			UserAgent: cfg.Remote.UserAgent,
		})
		opts.Queries, opts.Channel = c, c.Channel()
	}

	if cfg.Redis.Enabled {
		rc, rerr := newRedis(ctx, cfg.Redis)
		if rerr != nil {
			// The status cache is optional; keep running on the in-memory store.
			logger.Warn("Redis unavailable, job status is kept in memory only",
				slog.String("url", cfg.Redis.URL), logging.Error(rerr))
		} else {
			closers = append(closers, rc.Close)
			opts.State = state.NewManager(rc, true, cfg.Redis.TTL)
		}
	}

	if cfg.NATS.JetStream {
		opts.Sinks = append(opts.Sinks, Sink{Writer: sink.NewJetStream(js), Queued: true})
	} else if cfg.NATS.Publish {
		opts.Sinks = append(opts.Sinks, Sink{Writer: sink.NewPublisher(nc)})
	}
	if cfg.OpenSearch.Enabled {
		idx, oerr := sink.NewOpenSearch(sink.OpenSearchConfig{
			URL:           cfg.OpenSearch.URL,
			Username:      cfg.OpenSearch.Username,
			Password:      cfg.OpenSearch.Password,
			TLSSkipVerify: cfg.OpenSearch.TLSSkipVerify,
			IndexPrefix:   cfg.OpenSearch.IndexPrefix,
		})
		if oerr != nil {
			return nil, oerr
		}
		opts.Sinks = append(opts.Sinks, Sink{Writer: idx, Queued: true})
	}
	opts.Sinks = append(opts.Sinks, extra...)

	svc, err = New(opts)
	if err != nil {
		return nil, err
	}
	for _, c := range closers {
		svc.OnClose(c)
	}
	return svc, nil
}

func newRedis(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if c.MaxRetries != 0 {
		opt.MaxRetries = c.MaxRetries
	}
	if c.PoolSize > 0 {
		opt.PoolSize = c.PoolSize
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
