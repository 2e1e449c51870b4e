// Command armoryd runs the full-index storage and wallet-service engine:
// it loads config, opens the index store, replays (or resumes) the
// block-file chain into it, and serves BDV sessions over the
// AEAD-framed transport. Wiring mirrors the teacher's component
// lifecycle shape (construct every subsystem, Start what needs
// starting, block on an interrupt, Stop everything in reverse) even
// though the teacher's own daemon entry point isn't in the retrieved
// slice this repo was built from.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/armorynet/armoryd/armorylog"
	"github.com/armorynet/armoryd/blockfile"
	"github.com/armorynet/armoryd/broadcastclient"
	"github.com/armorynet/armoryd/chainorganizer"
	"github.com/armorynet/armoryd/config"
	"github.com/armorynet/armoryd/dispatcher"
	"github.com/armorynet/armoryd/headerchain"
	"github.com/armorynet/armoryd/indexwriter"
	"github.com/armorynet/armoryd/kvstore"
	"github.com/armorynet/armoryd/monitoring"
	"github.com/armorynet/armoryd/natutil"
	"github.com/armorynet/armoryd/notifbus"
	"github.com/armorynet/armoryd/sessionregistry"
	"github.com/armorynet/armoryd/transport"
	"github.com/armorynet/armoryd/zeroconf"
)

// maxWalletConns bounds concurrent BDV sessions accepted on the listen
// port, the same "don't let an unbounded accept loop exhaust fds"
// concern golang.org/x/net/netutil.LimitListener exists for.
const maxWalletConns = 256

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "armoryd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.LogFile != "" {
		if err := armorylog.InitBackend(cfg.LogFile, 3); err != nil {
			return fmt.Errorf("armorylog: %w", err)
		}
	}

	params, err := cfg.Network.Params()
	if err != nil {
		return err
	}

	store, err := kvstore.Open(cfg.DBDir)
	if err != nil {
		return fmt.Errorf("kvstore: %w", err)
	}
	defer store.Close()
	store.ConfigureBlockSource(cfg.DataDir)

	mode := indexwriter.ModeResume
	switch {
	case cfg.Rebuild:
		mode = indexwriter.ModeRebuild
	case cfg.Rescan:
		mode = indexwriter.ModeRescan
	case cfg.RescanSSH:
		mode = indexwriter.ModeRescanSSH
	}
	writer, err := indexwriter.New(store, mode)
	if err != nil {
		return fmt.Errorf("indexwriter: %w", err)
	}

	progress, err := store.Progress(kvstore.BucketHeaders)
	if err != nil {
		return fmt.Errorf("kvstore: reading progress: %w", err)
	}

	chain := headerchain.New()
	chain.InsertGenesis(&params.GenesisBlock.Header, headerchain.FileLocation{})

	bus := notifbus.New()
	if err := bus.Start(); err != nil {
		return fmt.Errorf("notifbus: %w", err)
	}
	defer bus.Stop()

	start := blockfile.Cursor{FileNumber: progress.FileNumber, Offset: progress.FileOffset}
	organizer := chainorganizer.New(params.Net, cfg.DataDir, start, chain, writer, bus)
	if err := organizer.Run(); err != nil {
		return fmt.Errorf("chainorganizer: %w", err)
	}

	chainView := store
	zc := zeroconf.New(chainView, bus)
	zc.Start()
	defer zc.Stop()

	reg := sessionregistry.New(bus)

	// A missing RPC client only disables BroadcastThroughRPC/NodeStatus/
	// EstimateFee/FeeSchedule for this run; block ingest and the ZC
	// engine don't depend on it.
	var rpcBroadcaster *broadcastclient.RPCBroadcaster
	// Explicit credentials take precedence over the cookie file.
	cookiePath := ""
	if cfg.RPCUser == "" {
		cookiePath = cfg.RPCCookie
	}
	rpcClient, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         fmt.Sprintf("127.0.0.1:%d", cfg.RPCPort),
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		CookiePath:   cookiePath,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		log.Warnf("rpcclient: could not connect to local node, RPC-backed requests will fail: %v", err)
	} else {
		defer rpcClient.Shutdown()
		rpcBroadcaster = broadcastclient.NewRPCBroadcaster(rpcClient)
	}

	identity, err := transport.GenerateIdentityKey()
	if err != nil {
		return fmt.Errorf("transport: generating identity key: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mapper, mapErr := natutil.Discover(ctx); mapErr == nil {
		if err := mapper.Forward(cfg.ListenPort, "armoryd"); err != nil {
			log.Warnf("nat: could not forward listen port %d: %v", cfg.ListenPort, err)
		} else {
			defer mapper.Clear()
			log.Infof("nat: forwarded listen port %d, external IP %s", cfg.ListenPort, mapper.ExternalIP())
		}
	} else {
		log.Debugf("nat: no gateway found, skipping port forward: %v", mapErr)
	}

	if monitoring.Enabled {
		go monitoring.Start(nil, "")
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/bdv", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade failed: %v", err)
			return
		}
		go serveWalletConn(ws, reg, store, zc, identity, rpcBroadcaster)
	})

	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	ln = netutil.LimitListener(ln, maxWalletConns)

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("wallet listener: %v", err)
		}
	}()
	log.Infof("listening for BDV sessions on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	return server.Close()
}

// serveWalletConn performs the handshake for one accepted connection and,
// on success, hands it to a Dispatcher for the lifetime of the session.
func serveWalletConn(ws *websocket.Conn, reg *sessionregistry.Registry, store *kvstore.Store,
	zc *zeroconf.Engine, identity transport.IdentityKey, rpcBroadcaster *broadcastclient.RPCBroadcaster) {

	conn := transport.NewConn(ws)
	if err := conn.Handshake(transport.ModeOneWay, identity, false, nil); err != nil {
		log.Warnf("handshake failed for %s: %v", ws.RemoteAddr(), err)
		conn.Close()
		return
	}

	d := dispatcher.New(conn, reg, store, zc, rpcBroadcaster)
	d.Serve()
}

var log = armorylog.NewSubsystem("MAIN")
