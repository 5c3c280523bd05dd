package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/broadcast"
	"github.com/witch-series/witch-core/internal/config"
	"github.com/witch-series/witch-core/internal/hashutil"
	"github.com/witch-series/witch-core/internal/ledger"
	"github.com/witch-series/witch-core/internal/node"
)

var (
	cfgFile     string
	debug       bool
	interactive bool
	sourceRoot  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "witch-core",
		Short: "Witch Core — LAN node discovery and ledger synchronization",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a Witch node",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Run a one-shot discovery burst and print found nodes",
		RunE:  runDiscover,
	}
	discoverCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt before each retry burst")
	rootCmd.AddCommand(discoverCmd)

	hashCmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the compatibility hash of a source tree",
		RunE:  runHash,
	}
	hashCmd.Flags().StringVarP(&sourceRoot, "root", "r", ".", "Source tree to hash")
	rootCmd.AddCommand(hashCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger.Info("Starting Witch node", zap.String("project", cfg.Node.ProjectID))

	ctrl := node.NewController(cfg, logger)
	return ctrl.Run(context.Background())
}

func runDiscover(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	hash, _ := hashutil.DirectoryHash(cfg.Node.SourceRoot)
	store := ledger.NewStore(cfg.Ledger.Path, hash, logger)

	ip := cfg.Node.IP
	if ip == "" {
		ip = broadcast.LocalIP()
	}

	channelCfg := broadcast.Config{
		Port:          cfg.Broadcast.Port,
		NodeID:        cfg.Node.ID,
		NodeName:      cfg.Node.Name,
		OwnHash:       hash,
		AdvertiseIP:   ip,
		AdvertisePort: cfg.Node.Port,
		Protocols:     cfg.Node.Protocols,
		Addresses:     cfg.Broadcast.Addresses,
		SettleWait:    cfg.Broadcast.SettleWait,
	}
	opts := &broadcast.BurstOptions{
		Repeat:       cfg.Broadcast.Repeat,
		Interval:     cfg.Broadcast.SendInterval,
		RetryCount:   cfg.Broadcast.RetryCount,
		RetryBackoff: cfg.Broadcast.RetryBackoff,
	}
	if interactive || cfg.Broadcast.Interactive {
		// Each retry asks on stdin whether to keep going.
		opts.RetryCount = 0
	}

	found, err := broadcast.RapidDiscovery(channelCfg, store, logger, opts, cfg.Broadcast.SettleWait)
	if err != nil {
		return err
	}
	for interactive || cfg.Broadcast.Interactive {
		if len(found) > 0 || !promptContinue() {
			break
		}
		more, err := broadcast.RapidDiscovery(channelCfg, store, logger, opts, cfg.Broadcast.SettleWait)
		if err != nil {
			return err
		}
		for id, n := range more {
			found[id] = n
		}
	}

	if len(found) == 0 {
		fmt.Println("No compatible nodes found")
		return nil
	}
	fmt.Printf("Found %d compatible node(s):\n", len(found))
	for _, n := range found {
		fmt.Printf("  %s  %s:%d  %s  (last seen %s)\n",
			n.ID, n.IP, n.Port, n.Name, n.LastSeen.Format(time.RFC3339))
	}
	return nil
}

func promptContinue() bool {
	fmt.Print("Continue to iterate? [Y/n] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "" || answer == "y" || answer == "yes"
}

func runHash(cmd *cobra.Command, args []string) error {
	hash, files := hashutil.DirectoryHash(sourceRoot)
	fmt.Printf("%s  (%d files)\n", hash, len(files))
	return nil
}
