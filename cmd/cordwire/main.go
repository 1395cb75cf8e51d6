// Command cordwire connects to the gateway from the command line. It can log
// the events of every shard or join a voice channel and play a file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cordwire/cordwire/internal/metrics"
	"github.com/cordwire/cordwire/utils/ws"
)

// config is read from the environment and may be overridden by flags.
type config struct {
	Token       string
	LogLevel    string
	MetricsAddr string
	Driver      string
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file, using the environment")
	}

	cfg := config{
		Token:       os.Getenv("BOT_TOKEN"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		Driver:      "gorilla",
	}

	rootCmd := &cobra.Command{
		Use:   "cordwire",
		Short: "Gateway and voice client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				return errors.New("missing $BOT_TOKEN or --token")
			}
			setupLogging(cfg.LogLevel)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bot token")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flags.StringVar(&cfg.Driver, "driver", cfg.Driver, "websocket driver: gorilla or nhooyr")

	rootCmd.AddCommand(
		gatewayCmd(&cfg),
		voiceCmd(&cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch strings.ToLower(level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// newConnection returns the websocket driver constructor for name.
func newConnection(name string) (func(ws.Codec) ws.Connection, error) {
	switch name {
	case "", "gorilla":
		return func(c ws.Codec) ws.Connection { return ws.NewConn(c) }, nil
	case "nhooyr":
		return func(c ws.Codec) ws.Connection { return ws.NewNhooyrConn(c) }, nil
	default:
		return nil, fmt.Errorf("unknown websocket driver %q", name)
	}
}

// startMetrics registers the collectors and serves them if addr is set. It
// returns nil metrics if addr is empty.
func startMetrics(addr string) *metrics.Metrics {
	if addr == "" {
		return nil
	}

	m := metrics.New(metrics.Config{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logrus.WithField("addr", addr).Info("serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()

	return m
}
