// Command swapd runs the atomic-swap daemon: it opens the on-disk store,
// wires the arbitrating and accordant chain syncers, restores any
// checkpointed swaps, and serves the gRPC front-end macaroon-gated clients
// (swapcli) talk to.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/rpcclient/v7"
	"github.com/urfave/cli"
	"google.golang.org/grpc"

	"github.com/chainswap/swapd/bus"
	"github.com/chainswap/swapd/checkpoint"
	"github.com/chainswap/swapd/daemon"
	"github.com/chainswap/swapd/macaroons"
	"github.com/chainswap/swapd/rpc"
	"github.com/chainswap/swapd/storage"
	"github.com/chainswap/swapd/syncer/accordant"
	"github.com/chainswap/swapd/syncer/arbitrating"
	"github.com/chainswap/swapd/temporalsafety"
	"github.com/chainswap/swapd/wallet"
)

func main() {
	app := cli.NewApp()
	app.Name = "swapd"
	app.Usage = "atomic swap daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "datadir", Value: "~/.swapd", Usage: "directory for the daemon's database and macaroon"},
		cli.StringFlag{Name: "rpclisten", Value: "localhost:10200", Usage: "gRPC listen address"},
		cli.StringFlag{Name: "arb.rpchost", Usage: "arbitrating-chain full node RPC host"},
		cli.StringFlag{Name: "arb.rpcuser", Usage: "arbitrating-chain full node RPC username"},
		cli.StringFlag{Name: "arb.rpcpass", Usage: "arbitrating-chain full node RPC password"},
		cli.BoolFlag{Name: "arb.rpccert.disabletls", Usage: "disable TLS for the arbitrating-chain RPC connection"},
		cli.StringFlag{Name: "acc.daemonaddr", Usage: "accordant-chain daemon JSON-RPC endpoint"},
		cli.StringFlag{Name: "acc.sweepaddress", Usage: "this node's own accordant-chain address, swept to when a swap recovers a counterparty balance"},
		cli.StringFlag{Name: "arb.sweepaddress", Usage: "this node's own arbitrating-chain address, swept to if a Bob-side funding address is under- or overfunded"},
		cli.Uint64Flag{Name: "safety.cancel", Value: 10, Usage: "cancel timelock, in arbitrating-chain blocks"},
		cli.Uint64Flag{Name: "safety.punish", Value: 20, Usage: "punish timelock, in arbitrating-chain blocks"},
		cli.Uint64Flag{Name: "safety.arbfinality", Value: 2, Usage: "arbitrating-chain finality depth"},
		cli.Uint64Flag{Name: "safety.arbsafety", Value: 4, Usage: "arbitrating-chain safety margin"},
		cli.Uint64Flag{Name: "safety.accfinality", Value: 10, Usage: "accordant-chain finality depth"},
		cli.StringFlag{Name: "seed", Usage: "hex-encoded 32-byte wallet seed (generated if omitted)"},
		cli.StringFlag{Name: "peeraddress", Value: "127.0.0.1:10201", Usage: "address advertised to counterparties in deal offers"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "swapd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	dataDir := ctx.String("datadir")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	kv, err := storage.Open(filepath.Join(dataDir, "swapd.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	cpStore := checkpoint.NewStore(kv)

	safety := temporalsafety.Config{
		CancelTimelock: uint32(ctx.Uint64("safety.cancel")),
		PunishTimelock: uint32(ctx.Uint64("safety.punish")),
		ArbFinality:    uint32(ctx.Uint64("safety.arbfinality")),
		ArbSafety:      uint32(ctx.Uint64("safety.arbsafety")),
		AccFinality:    uint32(ctx.Uint64("safety.accfinality")),
	}
	if err := safety.Validate(); err != nil {
		return fmt.Errorf("temporal safety config: %w", err)
	}

	seed, err := loadOrGenerateSeed(filepath.Join(dataDir, "seed"), ctx.String("seed"))
	if err != nil {
		return err
	}
	aliceKM, err := wallet.NewKeyManager(seed, 0, chaincfg.MainNetParams())
	if err != nil {
		return fmt.Errorf("derive alice key manager: %w", err)
	}
	bobKM, err := wallet.NewKeyManager(seed, 1, chaincfg.MainNetParams())
	if err != nil {
		return fmt.Errorf("derive bob key manager: %w", err)
	}

	arbClient, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:       ctx.String("arb.rpchost"),
		User:       ctx.String("arb.rpcuser"),
		Pass:       ctx.String("arb.rpcpass"),
		DisableTLS: ctx.Bool("arb.rpccert.disabletls"),
		HTTPPostMode: false,
	}, nil)
	if err != nil {
		return fmt.Errorf("connect arbitrating rpc: %w", err)
	}
	arbChainClient := arbitrating.NewFromRPCClient(arbClient, chaincfg.MainNetParams())
	arbSyncer, arbEvents := arbitrating.New(arbChainClient)
	arbSyncer.Start(context.Background())

	accClient := accordant.NewHTTPDaemonClient(ctx.String("acc.daemonaddr"), nil)
	accSyncer, accEvents := accordant.New(accClient)
	accSyncer.Start(context.Background())

	b := bus.New()

	// The node id is just a stable per-daemon identifier peers use to
	// address bus messages at this node; it carries no on-chain meaning,
	// so a hash of the wallet seed is as good an opaque source as any.
	nodeID := chainhash.HashB(seed)

	d := daemon.New(b, cpStore, kv, nodeID, ctx.String("peeraddress"), ctx.String("acc.sweepaddress"), ctx.String("arb.sweepaddress"),
		safety, aliceKM, bobKM, arbSyncer, accSyncer, arbEvents, accEvents)

	if err := d.RestoreAll(); err != nil {
		return fmt.Errorf("restore checkpointed swaps: %w", err)
	}

	macSvc, err := macaroons.LoadOrCreate(filepath.Join(dataDir, "macaroon.key"))
	if err != nil {
		return fmt.Errorf("load macaroon root key: %w", err)
	}
	adminMac, err := macSvc.Mint("admin", 365*24*time.Hour)
	if err != nil {
		return fmt.Errorf("mint admin macaroon: %w", err)
	}
	rawMac, err := adminMac.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal admin macaroon: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "admin.macaroon"), rawMac, 0600); err != nil {
		return fmt.Errorf("persist admin macaroon: %w", err)
	}

	lis, err := net.Listen("tcp", ctx.String("rpclisten"))
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ctx.String("rpclisten"), err)
	}

	server := grpc.NewServer(rpc.ServerOptions(macSvc)...)
	rpc.RegisterSwapdServer(server, d)

	fmt.Printf("swapd listening on %s\n", ctx.String("rpclisten"))
	return server.Serve(lis)
}

// loadOrGenerateSeed returns the wallet seed to derive every swap's keys
// from. An explicit hex seed always wins; otherwise it loads the seed
// persisted at path, generating and persisting a fresh one on first run.
func loadOrGenerateSeed(path, hexSeed string) ([]byte, error) {
	if hexSeed != "" {
		seed, err := hex.DecodeString(hexSeed)
		if err != nil {
			return nil, fmt.Errorf("decode --seed: %w", err)
		}
		return seed, nil
	}

	if existing, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(existing))
		if err != nil {
			return nil, fmt.Errorf("decode stored seed: %w", err)
		}
		return seed, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read stored seed: %w", err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("persist seed: %w", err)
	}
	return seed, nil
}
