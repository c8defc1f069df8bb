// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

// Package bridge holds the types shared by the finality and equivocation
// pipelines together with the capabilities they consume: a source of GRANDPA
// finality data, a target light client and a call builder.
package bridge

import (
	"context"
	"fmt"
)

type SourceClient interface {
	BestFinalizedHeader(ctx context.Context) (FinalizedHeader, error)
	HeaderByNumber(ctx context.Context, number uint64) (FinalizedHeader, error)
	// JustificationFor returns nil when the source keeps no justification for the header.
	JustificationFor(ctx context.Context, header FinalizedHeader) (*Justification, error)
	// FinalityProofs streams justifications as the source finalizes headers. The
	// channel is closed when the stream fails or ctx is done.
	FinalityProofs(ctx context.Context) (<-chan FinalityProofResult, error)
	EquivocationReports(ctx context.Context) (<-chan EquivocationResult, error)
	CurrentHeight(ctx context.Context) (uint64, error)
}

// Watch follows a submitted payload until it is included and finalized, or removed.
type Watch interface {
	Wait(ctx context.Context) (Outcome, error)
	// Cancel stops following the payload and releases its resources. It may be
	// called more than once and after Wait returned.
	Cancel()
}

type TargetClient interface {
	LastAcceptedHeader(ctx context.Context) (HeaderID, error)
	CurrentAuthoritySetID(ctx context.Context) (AuthoritySetID, error)
	Submit(ctx context.Context, payload Payload) (Watch, error)
	RuntimeSpecVersion(ctx context.Context) (uint32, error)
}

type CallBuilder interface {
	EncodeFinalityProof(justification Justification, setID AuthoritySetID) (Payload, error)
	EncodeEquivocationReport(report EquivocationReport) (Payload, error)
}

func ReadTargetState(ctx context.Context, target TargetClient) (TargetState, error) {
	best, err := target.LastAcceptedHeader(ctx)
	if err != nil {
		return TargetState{}, fmt.Errorf("fetch last accepted header: %w", err)
	}
	setID, err := target.CurrentAuthoritySetID(ctx)
	if err != nil {
		return TargetState{}, fmt.Errorf("fetch current authority set: %w", err)
	}
	return TargetState{LastAccepted: best, AuthoritySetID: setID}, nil
}
