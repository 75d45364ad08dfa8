package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"datanet/pkg/config"
	"datanet/pkg/fuse"
	"datanet/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type nodeFlags struct {
	nodeID     string
	dataDir    string
	listenAddr string
	peers      []string
	metrics    string
}

func (f *nodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.nodeID, "node-id", "", "node identifier (derived from the node key if empty)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "data directory")
	cmd.Flags().StringVar(&f.listenAddr, "listen", "", "gRPC listen address")
	cmd.Flags().StringSliceVar(&f.peers, "peer", nil, "gRPC peer address (repeatable)")
	cmd.Flags().StringVar(&f.metrics, "metrics", "", "serve /metrics and /health on this address")
}

func (f *nodeFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("node-id") {
		cfg.NodeID = f.nodeID
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if cmd.Flags().Changed("listen") {
		cfg.GRPC.ListenAddr = f.listenAddr
	}
	if cmd.Flags().Changed("peer") {
		cfg.GRPC.Peers = f.peers
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = f.metrics
	}
	return cfg.Validate()
}

// runNode starts a node and blocks until SIGINT or SIGTERM. ready runs once
// the node is up and may return a cleanup func.
func runNode(cmd *cobra.Command, flags *nodeFlags, ready func(*node.Node, *zap.Logger) (func(), error)) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return err
	}

	n, err := node.New(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer n.Stop()

	if ready != nil {
		cleanup, err := ready(n, logger)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down node")
	return nil
}

func nodeCmd() *cobra.Command {
	flags := &nodeFlags{}
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a datanet node",
		Long:  `Start a node that stores data and replicates it with the configured peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, flags, nil)
		},
	}
	flags.register(cmd)
	return cmd
}

func mountCmd() *cobra.Command {
	var (
		flags      = &nodeFlags{}
		debug      bool
		allowOther bool
	)

	cmd := &cobra.Command{
		Use:   "mount [mountpoint]",
		Short: "Run a node and mount its stores as a read-only filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := args[0]
			return runNode(cmd, flags, func(n *node.Node, logger *zap.Logger) (func(), error) {
				server, err := fuse.Mount(mountpoint, n.StorageService(), fuse.MountOptions{
					Debug:      debug,
					AllowOther: allowOther,
				}, logger)
				if err != nil {
					return nil, err
				}
				logger.Info("Mounted stores", zap.String("mountpoint", mountpoint))
				return func() {
					if err := server.Unmount(); err != nil {
						logger.Warn("Failed to unmount", zap.String("mountpoint", mountpoint), zap.Error(err))
					}
				}, nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&debug, "fuse-debug", false, "log every FUSE request")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to read the mount")
	return cmd
}
