// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package parachain

import (
	"context"
	"fmt"

	"github.com/snowfork/go-substrate-rpc-client/v4/types"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

var _ bridge.TargetClient = (*TargetAdapter)(nil)

type headerID struct {
	Number types.U32
	Hash   types.Hash
}

type authority struct {
	ID     [32]byte
	Weight types.U64
}

type storedAuthoritySet struct {
	Authorities []authority
	SetID       types.U64
}

// TargetAdapter exposes the state of a bridge GRANDPA pallet and submits
// calls through the writer.
type TargetAdapter struct {
	conn   *Connection
	writer *ParachainWriter
	pallet string
}

func NewTargetAdapter(conn *Connection, writer *ParachainWriter, pallet string) *TargetAdapter {
	return &TargetAdapter{
		conn:   conn,
		writer: writer,
		pallet: pallet,
	}
}

func (t *TargetAdapter) readStorage(item string, target interface{}) error {
	key, err := types.CreateStorageKey(t.conn.Metadata(), t.pallet, item, nil, nil)
	if err != nil {
		return fmt.Errorf("create storage key for %s:%s: %w", t.pallet, item, err)
	}

	ok, err := t.conn.API().RPC.State.GetStorageLatest(key, target)
	if err != nil {
		return fmt.Errorf("get storage for %s:%s: %w: %w", t.pallet, item, bridge.ErrTransientNetwork, err)
	}
	if !ok {
		return fmt.Errorf("%s:%s is not initialized", t.pallet, item)
	}
	return nil
}

func (t *TargetAdapter) LastAcceptedHeader(_ context.Context) (bridge.HeaderID, error) {
	var best headerID
	err := t.readStorage("BestFinalized", &best)
	if err != nil {
		return bridge.HeaderID{}, err
	}
	return bridge.HeaderID{Number: uint64(best.Number), Hash: best.Hash}, nil
}

func (t *TargetAdapter) CurrentAuthoritySetID(_ context.Context) (bridge.AuthoritySetID, error) {
	var set storedAuthoritySet
	err := t.readStorage("CurrentAuthoritySet", &set)
	if err != nil {
		return 0, err
	}
	return bridge.AuthoritySetID(set.SetID), nil
}

// Submit splits an encoded call into its index and arguments and writes it.
func (t *TargetAdapter) Submit(ctx context.Context, payload bridge.Payload) (bridge.Watch, error) {
	call, err := DecodeCall(payload.Call)
	if err != nil {
		return nil, err
	}
	return t.writer.WriteCall(ctx, call)
}

func DecodeCall(encoded []byte) (types.Call, error) {
	if len(encoded) < 2 {
		return types.Call{}, fmt.Errorf("%w: call of %d bytes has no call index", bridge.ErrEncoding, len(encoded))
	}
	return types.Call{
		CallIndex: types.CallIndex{SectionIndex: encoded[0], MethodIndex: encoded[1]},
		Args:      append(types.Args{}, encoded[2:]...),
	}, nil
}

func (t *TargetAdapter) RuntimeSpecVersion(_ context.Context) (uint32, error) {
	rv, err := t.conn.API().RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return 0, fmt.Errorf("fetch runtime version: %w: %w", bridge.ErrTransientNetwork, err)
	}
	return uint32(rv.SpecVersion), nil
}
