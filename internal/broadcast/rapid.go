package broadcast

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/ledger"
)

// RapidDiscovery spins up a short-lived channel, fires one discovery burst,
// waits out the settle window, and returns whatever was discovered. The
// channel is stopped before returning. Useful for one-shot probes (CLI,
// tooling) that do not want a long-running channel.
func RapidDiscovery(cfg Config, store *ledger.Store, logger *zap.Logger, opts *BurstOptions, wait time.Duration) (map[string]DiscoveredNode, error) {
	// One-shot: the periodic loops stay off regardless of cfg.
	cfg.AnnounceInterval = 0
	cfg.DiscoverInterval = 0

	ch := NewChannel(cfg, store, logger)
	if err := ch.Start(true); err != nil {
		return nil, fmt.Errorf("rapid discovery: %w", err)
	}
	defer ch.Stop()

	ch.SendDiscoveryBroadcast(cfg.AdvertiseIP, cfg.AdvertisePort, opts)
	if wait > 0 {
		ch.wait(wait)
	}
	return ch.DiscoveredNodes(10 * time.Minute), nil
}
