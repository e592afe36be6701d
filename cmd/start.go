package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/antientropy/logger"
	"github.com/adamgarcia4/goLearning/antientropy/node"
)

// nodeFlags holds the flags shared by commands that run a node.
type nodeFlags struct {
	configPath  string
	address     string
	port        string
	nodeID      string
	seeds       []string
	dataDir     string
	tables      []string
	historyPath string
	metricsAddr string
}

var startFlags nodeFlags

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a replica node",
	Long: `Start a replica node that serves repair requests from its peers.

Flags override values read from --config.

Examples:
  # Start a node
  antientropy start --node-id=node-1 --port=50051

  # Start a node that repairs with two peers and exposes metrics
  antientropy start --node-id=node-2 --port=50052 --seeds=127.0.0.1:50051,127.0.0.1:50053 --metrics-addr=:9102

  # Start from a config file
  antientropy start --config=node.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	f := &startFlags
	startCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")

	// Server flags
	startCmd.Flags().StringVarP(&f.address, "address", "a", node.DefaultAddress, "Address to bind the server to")
	startCmd.Flags().StringVarP(&f.port, "port", "p", node.DefaultPort, "Port to bind the server to")
	startCmd.Flags().StringVarP(&f.nodeID, "node-id", "n", node.DefaultNodeID, "Unique node identifier")
	startCmd.Flags().StringSliceVarP(&f.seeds, "seeds", "s", []string{}, "Peer endpoints taking part in repairs (comma-separated)")

	// Storage flags
	startCmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Data directory (in-memory if empty)")
	startCmd.Flags().StringSliceVar(&f.tables, "tables", node.DefaultTables, "Tables to serve as keyspace.table (comma-separated)")
	startCmd.Flags().StringVar(&f.historyPath, "history", "", "SQLite file recording repairs coordinated by this node")
	startCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Address serving Prometheus /metrics")
}

// nodeConfig builds the node config from --config and the flags set on cmd.
// Without a config file every flag applies; with one only flags given on the
// command line override it.
func nodeConfig(cmd *cobra.Command, f *nodeFlags) (*node.Config, error) {
	config := node.DefaultConfig(f.nodeID)
	if f.configPath != "" {
		loaded, err := node.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	flags := cmd.Flags()
	set := func(name string) bool {
		return flags.Lookup(name) != nil && (f.configPath == "" || flags.Changed(name))
	}
	if set("node-id") {
		config.NodeID = f.nodeID
	}
	if set("address") {
		config.Address = f.address
	}
	if set("port") {
		config.Port = f.port
	}
	if flags.Changed("seeds") {
		config.Seeds = f.seeds
	}
	if flags.Changed("data-dir") {
		config.DataDir = f.dataDir
	}
	if flags.Changed("tables") {
		config.Tables = f.tables
	}
	if flags.Changed("history") {
		config.HistoryPath = f.historyPath
	}
	if flags.Changed("metrics-addr") {
		config.MetricsAddr = f.metricsAddr
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logger.Options{Level: logLevel, Stdout: true, Console: logConsole}); err != nil {
		return err
	}

	config, err := nodeConfig(cmd, &startFlags)
	if err != nil {
		return err
	}

	n, err := node.New(config)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Wait for interrupt signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down...")
	if err := n.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}
