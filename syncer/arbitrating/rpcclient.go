package arbitrating

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/gcs/v3"
	"github.com/decred/dcrd/rpcclient/v7"
	"github.com/decred/dcrd/wire"
)

// rpcChainClient adapts an rpcclient/v7 connection to a full-node RPC server
// to the ChainClient interface. Grounded on the teacher's dcrwallet RPC
// client plumbing (lnwallet/dcrwallet), generalized to the narrower surface
// a syncer needs.
type rpcChainClient struct {
	rpc    *rpcclient.Client
	params *chaincfg.Params
}

// NewFromRPCClient wraps an already-connected rpcclient.Client, such as one
// built with rpcclient.New against a dcrd node's JSON-RPC endpoint.
func NewFromRPCClient(c *rpcclient.Client, params *chaincfg.Params) ChainClient {
	return &rpcChainClient{rpc: c, params: params}
}

func (c *rpcChainClient) GetBlockCount(ctx context.Context) (int64, error) {
	return c.rpc.GetBlockCount()
}

func (c *rpcChainClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	return c.rpc.GetBlockHash(height)
}

func (c *rpcChainClient) GetRawTransactionVerbose(ctx context.Context, txid *chainhash.Hash) (*RawTxResult, error) {
	result, err := c.rpc.GetRawTransactionVerbose(txid)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(result.Hex)
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction hex for %s: %w", txid, err)
	}
	tx, err := deserializeTx(raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction %s: %w", txid, err)
	}

	var blockHash *chainhash.Hash
	if result.BlockHash != "" {
		h, err := chainhash.NewHashFromStr(result.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("parse block hash: %w", err)
		}
		blockHash = h
	}

	return &RawTxResult{
		Tx:            tx,
		Confirmations: uint32(result.Confirmations),
		BlockHash:     blockHash,
		BlockHeight:   result.BlockHeight,
	}, nil
}

func (c *rpcChainClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	return c.rpc.SendRawTransaction(tx, false)
}

func (c *rpcChainClient) EstimateSmartFee(ctx context.Context, confTarget int64) (dcrutil.Amount, error) {
	result, err := c.rpc.EstimateSmartFee(int64(confTarget), nil)
	if err != nil {
		return 0, err
	}
	if result.FeeRate == nil {
		return 0, fmt.Errorf("node returned no fee estimate for target %d", confTarget)
	}
	return dcrutil.NewAmount(*result.FeeRate)
}

func (c *rpcChainClient) ListUnspentForAddress(ctx context.Context, addr string) ([]UTXO, error) {
	address, err := dcrutil.DecodeAddress(addr, c.params)
	if err != nil {
		return nil, fmt.Errorf("decode watched address %s: %w", addr, err)
	}

	unspent, err := c.rpc.ListUnspentMinMaxAddresses(0, 9999999, []dcrutil.Address{address})
	if err != nil {
		return nil, err
	}

	out := make([]UTXO, 0, len(unspent))
	for _, u := range unspent {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		amount, err := dcrutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			continue
		}
		out = append(out, UTXO{
			Outpoint: wire.OutPoint{Hash: *hash, Index: u.Vout, Tree: u.Tree},
			PkScript: script,
			Amount:   amount,
		})
	}
	return out, nil
}

func (c *rpcChainClient) Ping(ctx context.Context) error {
	return c.rpc.Ping()
}

// GetCFilter fetches the version-2 compact filter (GetCFilterV2) for
// blockHash and the sip-hash key it was built with, for MatchAny against
// this syncer's watched scripts.
func (c *rpcChainClient) GetCFilter(ctx context.Context, blockHash chainhash.Hash) (*gcs.FilterV2, [gcs.KeySize]byte, error) {
	key, filter, err := c.rpc.GetCFilterV2(&blockHash)
	if err != nil {
		return nil, [gcs.KeySize]byte{}, fmt.Errorf("get compact filter for block %s: %w", blockHash, err)
	}
	return filter, key, nil
}
