// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package bridge

import (
	"fmt"

	"github.com/snowfork/go-substrate-rpc-client/v4/types"
)

type AuthoritySetID uint64

type HeaderID struct {
	Number uint64
	Hash   types.Hash
}

func (id HeaderID) String() string {
	return fmt.Sprintf("%d(%s)", id.Number, id.Hash.Hex())
}

// FinalizedHeader is a canonical source header that has been finalized by GRANDPA.
type FinalizedHeader struct {
	Number     uint64
	Hash       types.Hash
	ParentHash types.Hash
	// Set that finalized this header.
	AuthoritySetID AuthoritySetID
	// Header signals a scheduled or forced authority set change. Such headers
	// must be imported by the target before any descendant.
	ScheduledChange bool
	// SCALE encoded header.
	Encoded []byte
}

func (h FinalizedHeader) ID() HeaderID {
	return HeaderID{Number: h.Number, Hash: h.Hash}
}

// Justification proves that Header was finalized by its authority set.
type Justification struct {
	Header       FinalizedHeader
	Round        uint64
	TargetHash   types.Hash
	TargetNumber uint64
	// SCALE encoded GRANDPA justification.
	Encoded []byte
}

// Validate checks the justification is bound to its header.
func (j Justification) Validate() error {
	if j.TargetNumber != j.Header.Number || j.TargetHash != j.Header.Hash {
		return fmt.Errorf("%w: justification targets %d(%s) but header is %s",
			ErrInvalidProof, j.TargetNumber, j.TargetHash.Hex(), j.Header.ID())
	}
	if len(j.Encoded) == 0 {
		return fmt.Errorf("%w: empty justification for %s", ErrInvalidProof, j.Header.ID())
	}
	return nil
}

type FinalityProofResult struct {
	Justification Justification
	Error         error
}

type VoteStage uint8

const (
	Prevote VoteStage = iota
	Precommit
)

func (s VoteStage) String() string {
	if s == Precommit {
		return "precommit"
	}
	return "prevote"
}

type SignedVote struct {
	TargetHash   types.Hash
	TargetNumber uint64
	Signature    [64]byte
}

// EquivocationReport is evidence that Offender cast two conflicting votes
// in the same round of the same authority set.
type EquivocationReport struct {
	SetID    AuthoritySetID
	Round    uint64
	Offender [32]byte
	Stage    VoteStage
	First    SignedVote
	Second   SignedVote
	// Source block the evidence was observed in.
	ObservedAt uint64
	// SCALE encoded equivocation proof and the opaque key ownership proof.
	EncodedProof  []byte
	KeyOwnerProof []byte
}

type ReportID struct {
	Offender [32]byte
	Round    uint64
	SetID    AuthoritySetID
}

func (id ReportID) String() string {
	return fmt.Sprintf("%s/%d/%d", types.HexEncodeToString(id.Offender[:]), id.SetID, id.Round)
}

func (r EquivocationReport) ID() ReportID {
	return ReportID{Offender: r.Offender, Round: r.Round, SetID: r.SetID}
}

// OriginHeight is the lowest block height the conflicting votes refer to.
func (r EquivocationReport) OriginHeight() uint64 {
	if r.First.TargetNumber < r.Second.TargetNumber {
		return r.First.TargetNumber
	}
	return r.Second.TargetNumber
}

type EquivocationResult struct {
	Report EquivocationReport
	Error  error
}

// TargetState is what the target chain light client has accepted so far.
type TargetState struct {
	LastAccepted   HeaderID
	AuthoritySetID AuthoritySetID
}

type PayloadKind uint8

const (
	FinalityProofPayload PayloadKind = iota
	EquivocationPayload
)

func (k PayloadKind) String() string {
	if k == EquivocationPayload {
		return "equivocation"
	}
	return "finality"
}

// Payload is an opaque, fully encoded runtime call (call index followed by arguments).
type Payload struct {
	Kind PayloadKind
	Call []byte
}

type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeRejected
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDropped:
		return "dropped"
	default:
		return "pending"
	}
}
