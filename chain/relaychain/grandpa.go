package relaychain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/snowfork/go-substrate-rpc-client/v4/scale"
	"github.com/snowfork/go-substrate-rpc-client/v4/types"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

const GrandpaEngineID = "FRNK"

// GRANDPA consensus log variants that enact a new authority set.
const (
	scheduledChangeLog = 1
	forcedChangeLog    = 2
)

var grandpaConsensusEngineID = binary.LittleEndian.Uint32([]byte(GrandpaEngineID))

// HasAuthoritySetChange reports whether the digest schedules or forces a
// GRANDPA authority set change.
func HasAuthoritySetChange(digest types.Digest) bool {
	for _, item := range digest {
		if !item.IsConsensus {
			continue
		}
		if uint32(item.AsConsensus.ConsensusEngineID) != grandpaConsensusEngineID {
			continue
		}
		if len(item.AsConsensus.Bytes) == 0 {
			continue
		}
		switch item.AsConsensus.Bytes[0] {
		case scheduledChangeLog, forcedChangeLog:
			return true
		}
	}
	return false
}

// Leading fields of an encoded GRANDPA justification.
type justificationTarget struct {
	Round        types.U64
	TargetHash   types.Hash
	TargetNumber types.U32
}

// DecodeJustification binds an encoded GRANDPA justification to header.
// Only the round and commit target are decoded; the precommits are relayed as is.
func DecodeJustification(header bridge.FinalizedHeader, encoded []byte) (bridge.Justification, error) {
	target, err := decodeJustificationTarget(encoded)
	if err != nil {
		return bridge.Justification{}, fmt.Errorf("%w: decode justification for %s: %v",
			bridge.ErrInvalidProof, header.ID(), err)
	}

	return bridge.Justification{
		Header:       header,
		Round:        uint64(target.Round),
		TargetHash:   target.TargetHash,
		TargetNumber: uint64(target.TargetNumber),
		Encoded:      encoded,
	}, nil
}

func decodeJustificationTarget(encoded []byte) (justificationTarget, error) {
	var target justificationTarget
	err := scale.NewDecoder(bytes.NewReader(encoded)).Decode(&target)
	return target, err
}

type grandpaVote struct {
	TargetHash   types.Hash
	TargetNumber types.U32
}

type signedVote struct {
	Vote      grandpaVote
	Signature [64]byte
}

type voteEquivocation struct {
	RoundNumber types.U64
	Identity    [32]byte
	First       signedVote
	Second      signedVote
}

type equivocationProof struct {
	SetID        types.U64
	Stage        bridge.VoteStage
	Equivocation voteEquivocation
}

func (p *equivocationProof) Decode(decoder scale.Decoder) error {
	err := decoder.Decode(&p.SetID)
	if err != nil {
		return err
	}

	stage, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch stage {
	case 0:
		p.Stage = bridge.Prevote
	case 1:
		p.Stage = bridge.Precommit
	default:
		return fmt.Errorf("unknown equivocation variant %d", stage)
	}

	return decoder.Decode(&p.Equivocation)
}

// DecodeEquivocationCall decodes the arguments of a Grandpa.report_equivocation
// call: a boxed equivocation proof followed by the key owner proof.
func DecodeEquivocationCall(args []byte, observedAt uint64) (bridge.EquivocationReport, error) {
	reader := bytes.NewReader(args)

	var proof equivocationProof
	err := scale.NewDecoder(reader).Decode(&proof)
	if err != nil {
		return bridge.EquivocationReport{}, fmt.Errorf("decode equivocation proof: %w", err)
	}

	proofLen := len(args) - reader.Len()
	equivocation := proof.Equivocation

	return bridge.EquivocationReport{
		SetID:         bridge.AuthoritySetID(proof.SetID),
		Round:         uint64(equivocation.RoundNumber),
		Offender:      equivocation.Identity,
		Stage:         proof.Stage,
		First:         toSignedVote(equivocation.First),
		Second:        toSignedVote(equivocation.Second),
		ObservedAt:    observedAt,
		EncodedProof:  append([]byte{}, args[:proofLen]...),
		KeyOwnerProof: append([]byte{}, args[proofLen:]...),
	}, nil
}

func toSignedVote(vote signedVote) bridge.SignedVote {
	return bridge.SignedVote{
		TargetHash:   vote.Vote.TargetHash,
		TargetNumber: uint64(vote.Vote.TargetNumber),
		Signature:    vote.Signature,
	}
}
