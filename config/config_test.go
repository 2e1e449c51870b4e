package config

import "testing"

func TestLoadFillsNetworkAppropriatePortDefaults(t *testing.T) {
	cfg, err := Load([]string{"--datadir=/tmp/data", "--dbdir=/tmp/db", "--network=testnet"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PeerPort != 18333 || cfg.RPCPort != 18332 || cfg.ListenPort != 19001 {
		t.Fatalf("unexpected testnet port defaults: %+v", cfg)
	}
}

func TestLoadPreservesExplicitPorts(t *testing.T) {
	cfg, err := Load([]string{"--datadir=/tmp/data", "--dbdir=/tmp/db", "--peerport=1", "--rpcport=2", "--listenport=3"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PeerPort != 1 || cfg.RPCPort != 2 || cfg.ListenPort != 3 {
		t.Fatalf("expected explicit ports to survive default-filling, got %+v", cfg)
	}
}

func TestLoadDefaultsToMainnetFullValues(t *testing.T) {
	cfg, err := Load([]string{"--datadir=/tmp/data", "--dbdir=/tmp/db"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != NetworkMainnet {
		t.Fatalf("expected default network mainnet, got %q", cfg.Network)
	}
	if cfg.DBMode != DBModeFull {
		t.Fatalf("expected default dbmode full, got %q", cfg.DBMode)
	}
	if cfg.PeerPort != 8333 || cfg.RPCPort != 8332 || cfg.ListenPort != 9001 {
		t.Fatalf("unexpected mainnet port defaults: %+v", cfg)
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	if _, err := Load([]string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected Load to reject an unrecognized flag")
	}
}

func TestValidateRejectsMultipleRebuildModes(t *testing.T) {
	cfg := &Config{DataDir: "d", DBDir: "db", Rebuild: true, Rescan: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject rebuild+rescan together")
	}
}

func TestValidateAcceptsSingleRebuildMode(t *testing.T) {
	cfg := &Config{DataDir: "d", DBDir: "db", RescanSSH: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRequiresDataDirAndDBDir(t *testing.T) {
	if err := (&Config{DBDir: "db"}).Validate(); err == nil {
		t.Fatal("expected Validate to require datadir")
	}
	if err := (&Config{DataDir: "d"}).Validate(); err == nil {
		t.Fatal("expected Validate to require dbdir")
	}
}

func TestNetworkParamsResolvesKnownNetworks(t *testing.T) {
	tests := []struct {
		network Network
		symbol  string
	}{
		{NetworkMainnet, "mainnet"},
		{NetworkTestnet, "testnet3"},
		{NetworkRegtest, "regtest"},
	}
	for _, tc := range tests {
		params, err := tc.network.Params()
		if err != nil {
			t.Fatalf("%s: Params: %v", tc.network, err)
		}
		if params.Name != tc.symbol {
			t.Fatalf("%s: expected chain params name %q, got %q", tc.network, tc.symbol, params.Name)
		}
	}
}

func TestNetworkParamsRejectsUnknownNetwork(t *testing.T) {
	if _, err := Network("fantasynet").Params(); err == nil {
		t.Fatal("expected Params to reject an unrecognized network")
	}
}
