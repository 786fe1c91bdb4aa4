package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"six7-fabric/internal/config"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/paths"
	"six7-fabric/internal/proto"
	"six7-fabric/internal/storage/boltdb"
)

type startFlags struct {
	configPath  string
	listen      string
	dataDir     string
	bootstrap   []string
	room        string
	lan         bool
	relay       bool
	logLevel    string
	logFormat   string
	metrics     string
	interactive bool
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "six7-node",
		Short:         "Run a six7 fabric node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd())
	root.AddCommand(idCmd())
	root.AddCommand(versionCmd())
	return root
}

func startCmd() *cobra.Command {
	var f startFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node and print its bootstrap string",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, f.interactive, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "path to a six7.toml file")
	fl.StringVar(&f.listen, "listen", "", "listen address host:port")
	fl.StringVar(&f.dataDir, "data-dir", "", "state directory (default $"+paths.EnvDataDir+" or the user config dir)")
	fl.StringSliceVar(&f.bootstrap, "bootstrap", nil, "bootstrap peers as host:port/<64hex>")
	fl.StringVar(&f.room, "room", "", "chat room joined at startup (empty string joins none)")
	fl.BoolVar(&f.lan, "lan", false, "enable LAN discovery")
	fl.BoolVar(&f.relay, "relay", false, "serve relay circuits for other peers")
	fl.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", "", "log format (console or json)")
	fl.StringVar(&f.metrics, "metrics", "", "serve Prometheus /metrics on this address")
	fl.BoolVarP(&f.interactive, "interactive", "i", false, "read slash commands from stdin")
	return cmd
}

// loadConfig reads the file and lets explicitly set flags override it.
func loadConfig(cmd *cobra.Command, f *startFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	fl := cmd.Flags()
	if fl.Changed("listen") {
		cfg.Node.Listen = f.listen
	}
	if fl.Changed("data-dir") {
		cfg.Node.DataDir = f.dataDir
	}
	if fl.Changed("bootstrap") {
		cfg.Node.Bootstrap = append(cfg.Node.Bootstrap, f.bootstrap...)
	}
	if fl.Changed("room") {
		cfg.Node.Room = f.room
	}
	if fl.Changed("lan") {
		cfg.Node.LAN = f.lan
	}
	if fl.Changed("relay") {
		cfg.Relay.Enabled = f.relay
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fl.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fl.Changed("metrics") {
		cfg.Metrics.Listen = f.metrics
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func idCmd() *cobra.Command {
	var configPath, dataDir string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print this node's identity, creating it on first use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Node.DataDir = dataDir
			}
			dir, err := paths.EnsureDir(cfg.Node.DataDir)
			if err != nil {
				return err
			}
			st, err := boltdb.Open(paths.DBPath(dir))
			if err != nil {
				return err
			}
			defer st.Close()

			id, created, err := identity.LoadOrCreate(st, cfg.Passphrase())
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintln(cmd.ErrOrStderr(), "created new identity in", st.Path())
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a six7.toml file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "state directory")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print six7-node version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Protocol:   %s\n", proto.ProtocolVersion)
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
