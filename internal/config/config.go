// Package config loads node configuration from file and environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Peer      PeerConfig      `mapstructure:"peer"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	API       APIConfig       `mapstructure:"api"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// NodeConfig holds this node's identity and TCP endpoint.
type NodeConfig struct {
	ID         string   `mapstructure:"id"`   // generated when empty
	Name       string   `mapstructure:"name"` // derived from ip/port when empty
	IP         string   `mapstructure:"ip"`   // auto-detected when empty
	Port       int      `mapstructure:"port"`
	ProjectID  string   `mapstructure:"projectID"`
	Protocols  []string `mapstructure:"protocols"`
	SourceRoot string   `mapstructure:"sourceRoot"` // tree the compatibility hash covers
}

// BroadcastConfig holds the UDP discovery settings.
type BroadcastConfig struct {
	Port             int           `mapstructure:"port"`
	Addresses        []string      `mapstructure:"addresses"` // empty -> interface-derived defaults
	AnnounceInterval time.Duration `mapstructure:"announceInterval"`
	DiscoverInterval time.Duration `mapstructure:"discoverInterval"`
	SettleWait       time.Duration `mapstructure:"settleWait"`
	Interactive      bool          `mapstructure:"interactive"`
	Repeat           int           `mapstructure:"repeat"`
	SendInterval     time.Duration `mapstructure:"sendInterval"`
	RetryCount       int           `mapstructure:"retryCount"`
	RetryBackoff     float64       `mapstructure:"retryBackoff"`
}

// PeerConfig holds the peer connection manager settings.
type PeerConfig struct {
	PollInterval     time.Duration `mapstructure:"pollInterval"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

// LedgerConfig holds ledger persistence settings.
type LedgerConfig struct {
	Path       string        `mapstructure:"path"`
	StaleAfter time.Duration `mapstructure:"staleAfter"`
}

// APIConfig holds the REST status API settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ScheduleConfig holds background scheduler intervals.
type ScheduleConfig struct {
	LedgerSync    time.Duration `mapstructure:"ledgerSync"`
	LedgerCleanup time.Duration `mapstructure:"ledgerCleanup"`
}

// Load reads configuration from file and environment.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.port", 8000)
	v.SetDefault("node.projectID", "default")
	v.SetDefault("node.sourceRoot", ".")
	v.SetDefault("broadcast.port", 8890)
	v.SetDefault("broadcast.announceInterval", 5*time.Second)
	v.SetDefault("broadcast.discoverInterval", 5*time.Minute)
	v.SetDefault("broadcast.settleWait", 2*time.Second)
	v.SetDefault("broadcast.interactive", false)
	v.SetDefault("broadcast.repeat", 5)
	v.SetDefault("broadcast.sendInterval", 200*time.Millisecond)
	v.SetDefault("broadcast.retryCount", 3)
	v.SetDefault("broadcast.retryBackoff", 2.0)
	v.SetDefault("peer.pollInterval", 10*time.Second)
	v.SetDefault("peer.dialTimeout", 3*time.Second)
	v.SetDefault("peer.handshakeTimeout", 5*time.Second)
	v.SetDefault("ledger.path", "tmp/ledger.json")
	v.SetDefault("ledger.staleAfter", 24*time.Hour)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "0.0.0.0:9980")
	v.SetDefault("schedule.ledgerSync", 60*time.Second)
	v.SetDefault("schedule.ledgerCleanup", 60*time.Second)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
