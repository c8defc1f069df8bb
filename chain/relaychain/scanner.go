package relaychain

import (
	"context"
	"fmt"
	"time"

	gsrpc "github.com/snowfork/go-substrate-rpc-client/v4"
	"github.com/snowfork/go-substrate-rpc-client/v4/types"
)

type ScanBlocksResult struct {
	BlockNumber uint64
	BlockHash   types.Hash
	Depth       uint64
	Error       error
}

// ScanBlocks emits every GRANDPA finalized block from startBlock onwards,
// waiting for finality to catch up when it reaches the finalized head.
func ScanBlocks(ctx context.Context, api *gsrpc.SubstrateAPI, startBlock uint64, interval time.Duration) <-chan ScanBlocksResult {
	results := make(chan ScanBlocksResult)
	go scanBlocks(ctx, api, startBlock, interval, results)
	return results
}

func scanBlocks(ctx context.Context, api *gsrpc.SubstrateAPI, startBlock uint64, interval time.Duration, out chan<- ScanBlocksResult) {
	defer close(out)

	sendError := func(err error) {
		select {
		case <-ctx.Done():
			return
		case out <- ScanBlocksResult{Error: err}:
		}
	}

	current := startBlock
	for {
		finalizedHash, err := api.RPC.Chain.GetFinalizedHead()
		if err != nil {
			sendError(fmt.Errorf("fetch finalized head: %w", err))
			return
		}

		finalizedHeader, err := api.RPC.Chain.GetHeader(finalizedHash)
		if err != nil {
			sendError(fmt.Errorf("fetch header for finalized head %v: %w", finalizedHash.Hex(), err))
			return
		}

		finalizedBlockNumber := uint64(finalizedHeader.Number)
		if current > finalizedBlockNumber {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		blockHash, err := api.RPC.Chain.GetBlockHash(current)
		if err != nil {
			sendError(fmt.Errorf("fetch block hash: %w", err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case out <- ScanBlocksResult{BlockNumber: current, BlockHash: blockHash, Depth: finalizedBlockNumber - current}:
		}

		current++
	}
}
