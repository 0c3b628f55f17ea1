// Command swapcli is the command-line front-end for swapd: it dials the
// daemon's gRPC listener, attaches the admin macaroon to every call, and
// exposes one subcommand per rpc.Server method.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli"
	"google.golang.org/grpc"

	"github.com/chainswap/swapd/rpc"
)

func main() {
	app := cli.NewApp()
	app.Name = "swapcli"
	app.Usage = "control plane for swapd"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "rpcserver", Value: "localhost:10200", Usage: "swapd's gRPC listen address"},
		cli.StringFlag{Name: "macaroonpath", Value: "~/.swapd/admin.macaroon", Usage: "path to the macaroon to present"},
	}
	app.Commands = []cli.Command{
		getInfoCommand,
		listDealsCommand,
		makeDealCommand,
		takeDealCommand,
		revokeDealCommand,
		progressCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "swapcli: %v\n", err)
		os.Exit(1)
	}
}

func getClient(ctx *cli.Context) (*rpc.Client, func(), error) {
	rawMac, err := os.ReadFile(ctx.GlobalString("macaroonpath"))
	if err != nil {
		return nil, nil, fmt.Errorf("read macaroon: %w", err)
	}

	conn, err := grpc.Dial(
		ctx.GlobalString("rpcserver"),
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
		grpc.WithPerRPCCredentials(rpc.ClientCredential{Macaroon: string(rawMac)}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", ctx.GlobalString("rpcserver"), err)
	}
	return rpc.NewClient(conn), func() { conn.Close() }, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

var getInfoCommand = cli.Command{
	Name:  "getinfo",
	Usage: "report daemon version, chain health, and active swap count",
	Action: func(ctx *cli.Context) error {
		client, closeFn, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.GetInfo(context.Background(), &rpc.GetInfoRequest{})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var listDealsCommand = cli.Command{
	Name:      "listdeals",
	Usage:     "list known deals and in-flight swaps",
	ArgsUsage: "[selector]",
	Action: func(ctx *cli.Context) error {
		client, closeFn, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.ListDeals(context.Background(), &rpc.ListDealsRequest{Selector: ctx.Args().First()})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var makeDealCommand = cli.Command{
	Name:  "makedeal",
	Usage: "publish a new deal offer as maker",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "arb_chain", Usage: "arbitrating blockchain symbol, e.g. BTC"},
		cli.StringFlag{Name: "acc_chain", Usage: "accordant blockchain symbol, e.g. XMR"},
		cli.Int64Flag{Name: "arb_amount", Usage: "arbitrating-chain amount, smallest unit"},
		cli.Int64Flag{Name: "acc_amount", Usage: "accordant-chain amount, smallest unit"},
		cli.Uint64Flag{Name: "cancel_timelock", Value: 10},
		cli.Uint64Flag{Name: "punish_timelock", Value: 20},
		cli.StringFlag{Name: "maker_role", Value: "alice", Usage: "alice or bob"},
	},
	Action: func(ctx *cli.Context) error {
		client, closeFn, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.MakeDeal(context.Background(), &rpc.MakeDealRequest{
			ArbitratingBlockchain: ctx.String("arb_chain"),
			AccordantBlockchain:   ctx.String("acc_chain"),
			ArbitratingAmount:     ctx.Int64("arb_amount"),
			AccordantAmount:       ctx.Int64("acc_amount"),
			CancelTimelock:        uint32(ctx.Uint64("cancel_timelock")),
			PunishTimelock:        uint32(ctx.Uint64("punish_timelock")),
			MakerRole:             ctx.String("maker_role"),
		})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var takeDealCommand = cli.Command{
	Name:      "takedeal",
	Usage:     "accept a published deal offer as taker",
	ArgsUsage: "<encoded-deal>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one argument: the encoded deal")
		}
		client, closeFn, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.TakeDeal(context.Background(), &rpc.TakeDealRequest{PublicDeal: ctx.Args().First()})
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var revokeDealCommand = cli.Command{
	Name:      "revokedeal",
	Usage:     "withdraw a deal offer this daemon made as maker",
	ArgsUsage: "<deal-id>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one argument: the deal id")
		}
		client, closeFn, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if _, err := client.RevokeDeal(context.Background(), &rpc.RevokeDealRequest{DealID: ctx.Args().First()}); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	},
}

var progressCommand = cli.Command{
	Name:      "progress",
	Usage:     "stream state transitions for one in-flight swap",
	ArgsUsage: "<swap-id-hex>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one argument: the swap id")
		}
		client, closeFn, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		stream, err := client.SubscribeProgress(context.Background(), &rpc.ProgressRequest{SwapID: ctx.Args().First()})
		if err != nil {
			return err
		}

		for {
			update, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			printJSON(update)
		}
	},
}
