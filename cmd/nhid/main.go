// Command nhid runs one supervisor node: it joins the LAN cluster,
// supervises local instances, replicates checkpoints to shadows and
// serves migrations until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/supervisor"
)

func main() {
	app := &cli.App{
		Name:    "nhid",
		Usage:   "distributed process supervisor with live migration",
		Version: supervisor.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for instance state and the journal",
				Value: defaultDataDir(),
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "config file path (default: <data-dir>/config.json)",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override the TCP listen address",
			},
			&cli.IntFlag{
				Name:  "discovery-port",
				Usage: "override the UDP discovery port",
			},
			&cli.StringFlag{
				Name:  "node-name",
				Usage: "override the node name",
			},
			&cli.StringFlag{
				Name:  "checkpoint-tool",
				Usage: "override the external checkpoint/restore binary",
			},
			&cli.StringFlag{
				Name:  "daemonizer",
				Usage: "override the detach helper binary",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the log level",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit lifecycle events as JSONL instead of text",
			},
			&cli.BoolFlag{
				Name:  "no-network",
				Usage: "supervise local instances only, no cluster",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address (e.g. :9090)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nhid: %v\n", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./nhi-data"
	}
	return filepath.Join(home, ".nhi")
}

func run(c *cli.Context) error {
	dataDir := c.String("data-dir")
	configPath := c.String("config")
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.json")
	}

	cfg, err := supervisor.LoadConfig(configPath, dataDir)
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := c.Int("discovery-port"); v != 0 {
		cfg.DiscoveryPort = v
	}
	if v := c.String("node-name"); v != "" {
		cfg.NodeName = v
	}
	if v := c.String("checkpoint-tool"); v != "" {
		cfg.ExternalToolPath = v
	}
	if v := c.String("daemonizer"); v != "" {
		cfg.DaemonizerPath = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if c.Bool("no-network") {
		cfg.NetworkingEnabled = false
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	opts := []supervisor.Option{
		supervisor.WithLogger(logger.WithField("node_id", cfg.NodeID)),
		supervisor.WithEmitter(emit.NewLogEmitter(os.Stdout, c.Bool("log-json"))),
	}

	if addr := c.String("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		opts = append(opts, supervisor.WithMetrics(supervisor.NewMetrics(registry)))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	sup, err := supervisor.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	sup.Close()
	return nil
}
