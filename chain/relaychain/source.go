// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package relaychain

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/snowfork/go-substrate-rpc-client/v4/types"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

var _ bridge.SourceClient = (*SourceAdapter)(nil)

type SourceConfig struct {
	HeaderCacheSize int
	// Interval between polls of the finalized head while scanning blocks.
	ScanInterval time.Duration
}

// SourceAdapter reads finalized headers, GRANDPA justifications and
// equivocation evidence from a Substrate chain.
type SourceAdapter struct {
	conn         *Connection
	headers      *lru.Cache[uint64, bridge.FinalizedHeader]
	scanInterval time.Duration

	mu       sync.Mutex
	nextScan uint64
}

func NewSourceAdapter(conn *Connection, config SourceConfig) (*SourceAdapter, error) {
	headers, err := lru.New[uint64, bridge.FinalizedHeader](config.HeaderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create header cache: %w", err)
	}
	return &SourceAdapter{
		conn:         conn,
		headers:      headers,
		scanInterval: config.ScanInterval,
	}, nil
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, bridge.ErrTransientNetwork, err)
}

func (s *SourceAdapter) BestFinalizedHeader(_ context.Context) (bridge.FinalizedHeader, error) {
	hash, header, err := s.conn.GetFinalizedHeader()
	if err != nil {
		return bridge.FinalizedHeader{}, transient("fetch finalized head", err)
	}

	finalized, err := s.finalizedHeader(hash, header)
	if err != nil {
		return bridge.FinalizedHeader{}, err
	}
	s.headers.Add(finalized.Number, finalized)
	return finalized, nil
}

// HeaderByNumber returns the canonical header at number. Callers only ask for
// numbers at or below the best finalized header.
func (s *SourceAdapter) HeaderByNumber(_ context.Context, number uint64) (bridge.FinalizedHeader, error) {
	if header, ok := s.headers.Get(number); ok {
		return header, nil
	}

	hash, err := s.conn.API().RPC.Chain.GetBlockHash(number)
	if err != nil {
		return bridge.FinalizedHeader{}, transient(fmt.Sprintf("fetch block hash %d", number), err)
	}

	finalized, err := s.headerByHash(hash)
	if err != nil {
		return bridge.FinalizedHeader{}, err
	}
	s.headers.Add(number, finalized)
	return finalized, nil
}

func (s *SourceAdapter) headerByHash(hash types.Hash) (bridge.FinalizedHeader, error) {
	header, err := s.conn.API().RPC.Chain.GetHeader(hash)
	if err != nil {
		return bridge.FinalizedHeader{}, transient(fmt.Sprintf("fetch header %s", hash.Hex()), err)
	}
	return s.finalizedHeader(hash, header)
}

func (s *SourceAdapter) finalizedHeader(hash types.Hash, header *types.Header) (bridge.FinalizedHeader, error) {
	encoded, err := types.EncodeToBytes(header)
	if err != nil {
		return bridge.FinalizedHeader{}, fmt.Errorf("%w: encode header %s: %v", bridge.ErrEncoding, hash.Hex(), err)
	}

	// A header is finalized by the set active in its parent's state.
	stateAt := header.ParentHash
	if header.Number == 0 {
		stateAt = hash
	}
	setID, err := s.conn.GetCurrentSetID(stateAt)
	if err != nil {
		return bridge.FinalizedHeader{}, transient("fetch authority set id", err)
	}

	return bridge.FinalizedHeader{
		Number:          uint64(header.Number),
		Hash:            hash,
		ParentHash:      header.ParentHash,
		AuthoritySetID:  bridge.AuthoritySetID(setID),
		ScheduledChange: HasAuthoritySetChange(header.Digest),
		Encoded:         encoded,
	}, nil
}

func (s *SourceAdapter) JustificationFor(_ context.Context, header bridge.FinalizedHeader) (*bridge.Justification, error) {
	block, err := s.conn.API().RPC.Chain.GetBlock(header.Hash)
	if err != nil {
		return nil, transient(fmt.Sprintf("fetch block %s", header.ID()), err)
	}

	for _, justification := range block.Justifications {
		if justification.EngineID() != GrandpaEngineID {
			continue
		}
		decoded, err := DecodeJustification(header, justification.Payload())
		if err != nil {
			return nil, err
		}
		return &decoded, nil
	}
	return nil, nil
}

// FinalityProofs streams justifications as the source finalizes blocks. The
// channel is closed when the subscription fails or ctx is done.
func (s *SourceAdapter) FinalityProofs(ctx context.Context) (<-chan bridge.FinalityProofResult, error) {
	notifications := make(chan string)
	sub, err := s.conn.API().Client.Subscribe(
		ctx,
		"grandpa",
		"subscribeJustifications",
		"unsubscribeJustifications",
		"justifications",
		notifications,
	)
	if err != nil {
		return nil, transient("subscribe to justifications", err)
	}

	out := make(chan bridge.FinalityProofResult)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				select {
				case <-ctx.Done():
				case out <- bridge.FinalityProofResult{Error: transient("justification subscription", err)}:
				}
				return
			case notification := <-notifications:
				result := s.streamedJustification(notification)
				select {
				case <-ctx.Done():
					return
				case out <- result:
				}
			}
		}
	}()

	return out, nil
}

func (s *SourceAdapter) streamedJustification(notification string) bridge.FinalityProofResult {
	encoded, err := types.HexDecodeString(notification)
	if err != nil {
		return bridge.FinalityProofResult{Error: fmt.Errorf("%w: decode justification notification: %v", bridge.ErrInvalidProof, err)}
	}

	target, err := decodeJustificationTarget(encoded)
	if err != nil {
		return bridge.FinalityProofResult{Error: fmt.Errorf("%w: decode justification target: %v", bridge.ErrInvalidProof, err)}
	}

	header, err := s.headerByHash(target.TargetHash)
	if err != nil {
		return bridge.FinalityProofResult{Error: err}
	}
	s.headers.Add(header.Number, header)

	justification, err := DecodeJustification(header, encoded)
	if err != nil {
		return bridge.FinalityProofResult{Error: err}
	}
	return bridge.FinalityProofResult{Justification: justification}
}

// EquivocationReports scans finalized blocks for reported GRANDPA
// equivocations. A new stream continues after the last block scanned by the
// previous one.
func (s *SourceAdapter) EquivocationReports(ctx context.Context) (<-chan bridge.EquivocationResult, error) {
	calls, err := reportEquivocationCalls(s.conn.Metadata())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	start := s.nextScan
	s.mu.Unlock()

	if start == 0 {
		_, header, err := s.conn.GetFinalizedHeader()
		if err != nil {
			return nil, transient("fetch finalized head", err)
		}
		start = uint64(header.Number) + 1
	}

	blocks := ScanBlocks(ctx, s.conn.API(), start, s.scanInterval)
	out := make(chan bridge.EquivocationResult)
	go s.scanEquivocations(ctx, calls, blocks, out)
	return out, nil
}

func (s *SourceAdapter) scanEquivocations(
	ctx context.Context,
	calls []types.CallIndex,
	blocks <-chan ScanBlocksResult,
	out chan<- bridge.EquivocationResult,
) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-blocks:
			if !ok {
				return
			}
			if result.Error != nil {
				select {
				case <-ctx.Done():
				case out <- bridge.EquivocationResult{Error: transient("scan blocks", result.Error)}:
				}
				return
			}

			reports, err := s.blockEquivocations(calls, result)
			if err != nil {
				select {
				case <-ctx.Done():
				case out <- bridge.EquivocationResult{Error: err}:
				}
				return
			}
			for _, report := range reports {
				select {
				case <-ctx.Done():
					return
				case out <- bridge.EquivocationResult{Report: report}:
				}
			}

			s.mu.Lock()
			s.nextScan = result.BlockNumber + 1
			s.mu.Unlock()
		}
	}
}

// BlockEquivocations decodes the equivocation reports included in a scanned block.
func (s *SourceAdapter) BlockEquivocations(result ScanBlocksResult) ([]bridge.EquivocationReport, error) {
	calls, err := reportEquivocationCalls(s.conn.Metadata())
	if err != nil {
		return nil, err
	}
	return s.blockEquivocations(calls, result)
}

func (s *SourceAdapter) blockEquivocations(calls []types.CallIndex, result ScanBlocksResult) ([]bridge.EquivocationReport, error) {
	block, err := s.conn.API().RPC.Chain.GetBlock(result.BlockHash)
	if err != nil {
		return nil, transient(fmt.Sprintf("fetch block %d", result.BlockNumber), err)
	}

	var reports []bridge.EquivocationReport
	for i, extrinsic := range block.Block.Extrinsics {
		if !isCallOf(extrinsic.Method.CallIndex, calls) {
			continue
		}
		report, err := DecodeEquivocationCall(extrinsic.Method.Args, result.BlockNumber)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"block":     result.BlockNumber,
				"extrinsic": i,
			}).Warn("Skipping undecodable equivocation report")
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func reportEquivocationCalls(meta *types.Metadata) ([]types.CallIndex, error) {
	var calls []types.CallIndex
	for _, name := range []string{"Grandpa.report_equivocation", "Grandpa.report_equivocation_unsigned"} {
		index, err := meta.FindCallIndex(name)
		if err != nil {
			continue
		}
		calls = append(calls, index)
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("source runtime has no Grandpa equivocation report calls")
	}
	return calls, nil
}

func isCallOf(index types.CallIndex, calls []types.CallIndex) bool {
	for _, call := range calls {
		if call == index {
			return true
		}
	}
	return false
}

func (s *SourceAdapter) CurrentHeight(_ context.Context) (uint64, error) {
	header, err := s.conn.API().RPC.Chain.GetHeaderLatest()
	if err != nil {
		return 0, transient("fetch latest header", err)
	}
	return uint64(header.Number), nil
}
