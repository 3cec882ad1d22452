// Command datapillar-worker runs one scheduler node.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	datapillar "github.com/SunnyX6/datapillar-scheduler"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "datapillar-worker",
		Short:         "Clustered workflow scheduler node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var (
		envFile     string
		logLevel    string
		nodeName    string
		bindAddr    string
		bindPort    int
		dataDir     string
		joinPeers   []string
		bucketCount int
		inMemory    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker node and join the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			}

			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			if nodeName == "" {
				nodeName = os.Getenv("DATAPILLAR_NODE_NAME")
			}
			if nodeName == "" {
				hostname, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("node name not set and hostname unavailable: %w", err)
				}
				nodeName = hostname
			}

			cfg := datapillar.Config{
				NodeName: nodeName,
				BindAddr: bindAddr,
				BindPort: bindPort,
				DataDir:  dataDir,
				Logger:   logger,
			}
			cfg.Cluster.JoinPeers = joinPeers
			cfg.Bucket.Count = bucketCount
			cfg.Storage.InMemory = inMemory

			worker, err := datapillar.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := worker.Start(ctx); err != nil {
				return err
			}
			logger.Info("worker running", "node", nodeName)

			<-ctx.Done()
			logger.Info("shutting down")
			return worker.Stop()
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file to load before reading flags")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&nodeName, "node-name", "", "unique node name (default: $DATAPILLAR_NODE_NAME or hostname)")
	cmd.Flags().StringVar(&bindAddr, "bind-addr", "0.0.0.0", "gossip bind address")
	cmd.Flags().IntVar(&bindPort, "bind-port", 7946, "gossip bind port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for durable state")
	cmd.Flags().StringSliceVar(&joinPeers, "join", nil, "addresses of existing cluster members")
	cmd.Flags().IntVar(&bucketCount, "bucket-count", 1024, "size of the bucket space (must match across the cluster)")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep all state in memory (development only)")
	return cmd
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}
