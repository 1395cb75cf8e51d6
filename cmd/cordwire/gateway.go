package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/k0kubun/pp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cordwire/cordwire/gateway"
	"github.com/cordwire/cordwire/gateway/shard"
	"github.com/cordwire/cordwire/utils/handler"
)

func gatewayCmd(cfg *config) *cobra.Command {
	var (
		numShards int
		events    []string
		dump      bool
		compress  bool
		latencies time.Duration
	)

	if n, err := strconv.Atoi(os.Getenv("GATEWAY_SHARDS")); err == nil {
		numShards = n
	}

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Connect every shard and log the events they receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			newConn, err := newConnection(cfg.Driver)
			if err != nil {
				return err
			}

			opts := shard.DefaultOptions()
			opts.NumShards = numShards
			opts.Gateway.Compress = compress
			opts.Gateway.NewConnection = newConn
			opts.Gateway.Metrics = startMetrics(cfg.MetricsAddr)

			m, err := shard.NewManager(ctx, cfg.Token, opts)
			if err != nil {
				return errors.Wrap(err, "failed to create shard manager")
			}
			defer m.Close()

			wanted := make(map[string]bool, len(events))
			for _, name := range events {
				wanted[strings.ToUpper(name)] = true
			}

			m.AddHandler(handler.Any, func(ev gateway.Event) {
				if len(wanted) > 0 && !wanted[ev.Name] {
					return
				}

				entry := logrus.WithFields(logrus.Fields{
					"shard": ev.ShardID,
					"seq":   ev.Sequence,
				})

				if dump {
					entry.Info(ev.Name, "\n", pp.Sprint(ev.Value))
					return
				}
				entry.Info(ev.Name)
			})

			logrus.WithField("shards", m.NumShards()).Info("opening shards")

			if err := m.Open(ctx); err != nil {
				return errors.Wrap(err, "failed to open shards")
			}

			if latencies > 0 {
				go reportLatencies(cmd, m, latencies)
			}

			return m.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&numShards, "shards", numShards, "shard count, 0 for the recommended count")
	flags.StringSliceVar(&events, "events", nil, "only log these events")
	flags.BoolVar(&dump, "dump", false, "pretty-print event payloads")
	flags.BoolVar(&compress, "compress", true, "use zlib-stream compression")
	flags.DurationVar(&latencies, "latencies", time.Minute, "log shard latencies at this interval, 0 to disable")

	return cmd
}

func reportLatencies(cmd *cobra.Command, m *shard.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return
		case <-ticker.C:
		}

		for ix, latency := range m.Latencies() {
			logrus.WithFields(logrus.Fields{
				"shard":   ix,
				"latency": latency,
			}).Info("heartbeat latency")
		}
	}
}
