package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"Spindle/internal/config"
	"Spindle/internal/logger"
	"Spindle/internal/node"
	"Spindle/internal/nodeid"
	"Spindle/internal/wire"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	RunE:  runNode,
}

func init() {
	f := runCmd.Flags()
	f.String("listen", "", "QUIC listen address")
	f.String("advertise", "", "address announced to other nodes")
	f.String("http", "", "HTTP API address, empty to keep the configured one")
	f.String("data", "", "data directory")
	f.StringSlice("bootstrap", nil, "bootstrap node addresses")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-file", "", "additional log file")

	rootCmd.AddCommand(runCmd)
}

// loadConfig reads the configuration file and applies the flags set on cmd.
// A missing file is only an error when --config was given.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}

	if err != nil {
		return cfg, err
	}

	overrides := []struct {
		flag   string
		target *string
	}{
		{"listen", &cfg.Node.ListenAddr},
		{"advertise", &cfg.Node.AdvertiseAddr},
		{"http", &cfg.HTTP.Addr},
		{"data", &cfg.Node.DataPath},
		{"log-level", &cfg.Log.Level},
		{"log-file", &cfg.Log.Path},
	}

	for _, o := range overrides {
		if cmd.Flags().Lookup(o.flag) == nil || !cmd.Flags().Changed(o.flag) {
			continue
		}

		*o.target, _ = cmd.Flags().GetString(o.flag)
	}

	if cmd.Flags().Lookup("bootstrap") != nil && cmd.Flags().Changed("bootstrap") {
		cfg.Node.Bootstrap, _ = cmd.Flags().GetStringSlice("bootstrap")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config:\n%w", err)
	}

	return cfg, nil
}

// runNode starts a node, joins the network and blocks until a shutdown signal.
func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	key, err := node.LoadOrGenerateKey(cfg.Node.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	id := nodeid.FromPublicKey(key.Public().(ed25519.PublicKey))

	level, _ := logger.ParseLevel(cfg.Log.Level)
	if err := logger.Init(logger.Options{Level: level, Prefix: nodeid.Short(id), Path: cfg.Log.Path}); err != nil {
		return fmt.Errorf("init logger:\n%w", err)
	}
	defer logger.Close()

	n, err := node.New(cfg, node.WithPrivateKey(key))
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(n, cfg)

	n.OnDeferredDelivery(func(recipient uuid.UUID, msgs []wire.DeferredMessage) {
		for _, m := range msgs {
			logger.Info("deferred message delivered", "recipient", recipient, "id", m.ID, "bytes", len(m.Body))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		n.Close()
		return fmt.Errorf("start node:\n%w", err)
	}

	if err := n.Join(ctx); err != nil {
		// The maintenance loop keeps retrying through the bootstrap nodes.
		logger.Error("join failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	return n.Close()
}

// printStartupInfo displays the node configuration at startup.
func printStartupInfo(n *node.Node, cfg config.Config) {
	logger.Info("starting spindle node",
		"id", n.ID(),
		"quic", n.Addr(),
		"http", cfg.HTTP.Addr,
		"data", cfg.Node.DataPath,
		"bootstrap", cfg.Node.Bootstrap,
		"aggregation", cfg.Cumulation.Enabled,
	)
}
