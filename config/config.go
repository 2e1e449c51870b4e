// Package config builds the engine's immutable configuration value.
// Nothing here is a package-level mutable singleton: callers construct a
// Config once at startup (or, in tests, build an alternative one directly)
// and thread it through every component as a handle, per spec.md §9.
package config

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
)

// DBMode selects how much derived state the index writer keeps.
type DBMode string

const (
	DBModeBare  DBMode = "bare"
	DBModeFull  DBMode = "full"
	DBModeSuper DBMode = "super"
)

// Network identifies which chain parameters the engine runs against.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

// Params resolves the btcsuite chain params for the configured network.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", n)
	}
}

// Ports bundles the three port roles spec.md §6.3 names defaults for.
type Ports struct {
	Peer   uint16
	RPC    uint16
	Listen uint16
}

// DefaultPorts returns the spec-mandated default port triple for a
// network.
func DefaultPorts(n Network) Ports {
	switch n {
	case NetworkTestnet:
		return Ports{Peer: 18333, RPC: 18332, Listen: 19001}
	case NetworkRegtest:
		return Ports{Peer: 18444, RPC: 18443, Listen: 19002}
	default:
		return Ports{Peer: 8333, RPC: 8332, Listen: 9001}
	}
}

// Config is the engine's full runtime configuration, parsed by go-flags
// from command-line flags only (Load reads argv; no environment variables
// or config file are consulted) — mirroring the teacher's
// jessevdk/go-flags-based config struct.
type Config struct {
	DataDir        string `long:"datadir" description:"directory holding raw block files"`
	DBDir          string `long:"dbdir" description:"directory holding the index store"`
	SatoshiDataDir string `long:"satoshidatadir" description:"local bitcoind data directory, for cookie-file auth"`

	ThreadCount int `long:"threads" description:"worker threads for chain scan, script verification, and ZC validation" default:"4"`

	DBMode  DBMode  `long:"dbmode" choice:"bare" choice:"full" choice:"super" default:"full"`
	Network Network `long:"network" choice:"mainnet" choice:"testnet" choice:"regtest" default:"mainnet"`

	RPCUser   string `long:"rpcuser" description:"explicit bitcoind RPC username (overrides cookie file)"`
	RPCPass   string `long:"rpcpass" description:"explicit bitcoind RPC password (overrides cookie file)"`
	RPCCookie string `long:"rpccookiefile" description:"path to bitcoind's .cookie file"`

	PeerPort   uint16 `long:"peerport"`
	RPCPort    uint16 `long:"rpcport"`
	ListenPort uint16 `long:"listenport"`

	LogFile  string `long:"logfile"`
	LogLevel string `long:"loglevel" default:"info"`

	RescanSSH bool `long:"rescanssh" description:"rebuild SSH rollups from subSSH without rescanning subSSH itself"`
	Rebuild   bool `long:"rebuild" description:"discard all derived state and rebuild from block files"`
	Rescan    bool `long:"rescan" description:"discard subSSH/SSH/STXO/txhints and rebuild from block files"`
}

// Load parses argv (typically os.Args[1:]) into a Config, filling in
// network-appropriate port defaults for any port left at zero.
func Load(argv []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}
	cfg.applyPortDefaults()
	return cfg, nil
}

func (c *Config) applyPortDefaults() {
	defaults := DefaultPorts(c.Network)
	if c.PeerPort == 0 {
		c.PeerPort = defaults.Peer
	}
	if c.RPCPort == 0 {
		c.RPCPort = defaults.RPC
	}
	if c.ListenPort == 0 {
		c.ListenPort = defaults.Listen
	}
}

// Validate checks field combinations that go-flags' tags can't express on
// their own (e.g. mutually exclusive rebuild modes).
func (c *Config) Validate() error {
	modes := 0
	for _, b := range []bool{c.Rebuild, c.Rescan, c.RescanSSH} {
		if b {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("config: rebuild, rescan, and rescanssh are mutually exclusive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: datadir is required")
	}
	if c.DBDir == "" {
		return fmt.Errorf("config: dbdir is required")
	}
	return nil
}
