package node

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/api/rest"
	"github.com/witch-series/witch-core/internal/broadcast"
	"github.com/witch-series/witch-core/internal/config"
	"github.com/witch-series/witch-core/internal/hashutil"
	"github.com/witch-series/witch-core/internal/ledger"
	"github.com/witch-series/witch-core/internal/peer"
)

// Controller assembles the full node: compatibility hash, ledger store, TCP
// server, UDP broadcast channel, peer manager, schedulers, and the optional
// REST API.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewController creates a controller for the given configuration.
func NewController(cfg *config.Config, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg, logger: logger}
}

// Run starts every subsystem and blocks until the context is cancelled or a
// termination signal arrives, then shuts everything down in reverse order.
func (c *Controller) Run(ctx context.Context) error {
	cfg := c.cfg

	hash, files := hashutil.DirectoryHash(cfg.Node.SourceRoot)
	c.logger.Info("Computed compatibility hash",
		zap.String("hash", hash),
		zap.Int("files", len(files)))

	store := ledger.NewStore(cfg.Ledger.Path, hash, c.logger)

	ip := cfg.Node.IP
	if ip == "" {
		ip = broadcast.LocalIP()
	}

	srv := NewServer(cfg.Node.ID, cfg.Node.Name, ip, cfg.Node.Port,
		cfg.Node.ProjectID, cfg.Node.Protocols, store, c.logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Stop()

	channel := broadcast.NewChannel(broadcast.Config{
		Port:             cfg.Broadcast.Port,
		NodeID:           srv.ID(),
		NodeName:         srv.Name(),
		OwnHash:          hash,
		AdvertiseIP:      ip,
		AdvertisePort:    srv.Port(),
		Protocols:        cfg.Node.Protocols,
		Addresses:        cfg.Broadcast.Addresses,
		AnnounceInterval: cfg.Broadcast.AnnounceInterval,
		DiscoverInterval: cfg.Broadcast.DiscoverInterval,
		SettleWait:       cfg.Broadcast.SettleWait,
	}, store, c.logger)
	channel.OnNodeDiscovered = func(n broadcast.DiscoveredNode) {
		c.logger.Info("Discovered compatible node",
			zap.String("id", n.ID),
			zap.String("addr", fmt.Sprintf("%s:%d", n.IP, n.Port)))
	}
	channel.OnLedgerReceived = func(merged *ledger.Ledger) {
		c.logger.Debug("Merged remote ledger", zap.Int("nodes", len(merged.Nodes)))
	}
	if cfg.Broadcast.Interactive {
		channel.ShouldContinue = stdinPrompt()
	}
	if err := channel.Start(true); err != nil {
		return fmt.Errorf("failed to start broadcast channel: %w", err)
	}
	defer channel.Stop()

	mgr := peer.NewManager(peer.Config{
		SelfID:           srv.ID(),
		SelfName:         srv.Name(),
		SelfIP:           ip,
		SelfPort:         srv.Port(),
		ProjectID:        cfg.Node.ProjectID,
		Protocols:        cfg.Node.Protocols,
		PollInterval:     cfg.Peer.PollInterval,
		DialTimeout:      cfg.Peer.DialTimeout,
		HandshakeTimeout: cfg.Peer.HandshakeTimeout,
	}, store, c.logger)
	mgr.RegisterWithProjectID(cfg.Node.ProjectID)
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start peer manager: %w", err)
	}
	defer mgr.Stop()

	if cfg.API.Enabled {
		api := rest.New(store, channel, mgr, c.logger)
		go func() {
			if err := api.Start(cfg.API.Addr); err != nil {
				c.logger.Error("REST API stopped", zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.runSchedulers(runCtx, store, channel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		c.logger.Info("Context cancelled, shutting down")
	}
	return nil
}

// stdinPrompt builds the interactive continue predicate for auto-discovery.
// EOF or any read failure answers no.
func stdinPrompt() func(string) bool {
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) bool {
		fmt.Printf("%s [Y/n] ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "" || answer == "y" || answer == "yes"
	}
}

// runSchedulers drives the periodic ledger maintenance jobs: pushing the
// local ledger to the network and sweeping stale nodes to inactive.
func (c *Controller) runSchedulers(ctx context.Context, store *ledger.Store, channel *broadcast.Channel) {
	syncTicker := time.NewTicker(c.cfg.Schedule.LedgerSync)
	defer syncTicker.Stop()
	cleanupTicker := time.NewTicker(c.cfg.Schedule.LedgerCleanup)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			channel.SendLedgerBroadcast(store.Load())
		case <-cleanupTicker.C:
			if n := store.CleanInactiveNodes(c.cfg.Ledger.StaleAfter); n > 0 {
				c.logger.Info("Marked stale nodes inactive", zap.Int("count", n))
			}
		}
	}
}
