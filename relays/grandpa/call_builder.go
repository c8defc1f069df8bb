package grandpa

import (
	"encoding/binary"
	"fmt"

	"github.com/snowfork/go-substrate-rpc-client/v4/types"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

type targetCall struct {
	index     types.CallIndex
	withSetID bool
}

// CallBuilder encodes payloads as calls of the target runtime. Each payload
// kind maps to one configured call; the arguments are concatenated SCALE
// encodings, so the encoded call is index ++ args.
type CallBuilder struct {
	calls map[bridge.PayloadKind]targetCall
}

// NewCallBuilder resolves the configured calls against the target metadata.
// meta may be nil when every call has an explicit index. Calls left
// unconfigured are not resolved; encoding their payloads fails with
// bridge.ErrEncoding.
func NewCallBuilder(meta *types.Metadata, calls CallsConfig) (*CallBuilder, error) {
	configured := map[bridge.PayloadKind]CallConfig{
		bridge.FinalityProofPayload: calls.FinalityProof,
		bridge.EquivocationPayload:  calls.Equivocation,
	}

	builder := &CallBuilder{calls: make(map[bridge.PayloadKind]targetCall, len(configured))}
	for kind, call := range configured {
		if !call.Configured() {
			continue
		}
		index, err := resolveCallIndex(meta, call)
		if err != nil {
			return nil, fmt.Errorf("resolve %s call: %w", kind, err)
		}
		builder.calls[kind] = targetCall{index: index, withSetID: call.WithSetID}
	}
	return builder, nil
}

func resolveCallIndex(meta *types.Metadata, call CallConfig) (types.CallIndex, error) {
	if call.Index.Set {
		return types.CallIndex{SectionIndex: call.Index.Section, MethodIndex: call.Index.Method}, nil
	}
	if meta == nil {
		return types.CallIndex{}, fmt.Errorf("no metadata to look up %q", call.Name)
	}
	return meta.FindCallIndex(call.Name)
}

func (b *CallBuilder) encode(kind bridge.PayloadKind, args ...[]byte) (bridge.Payload, error) {
	call, ok := b.calls[kind]
	if !ok {
		return bridge.Payload{}, fmt.Errorf("%w: no call configured for %s", bridge.ErrEncoding, kind)
	}

	encoded := []byte{call.index.SectionIndex, call.index.MethodIndex}
	for _, arg := range args {
		encoded = append(encoded, arg...)
	}
	return bridge.Payload{Kind: kind, Call: encoded}, nil
}

// EncodeFinalityProof builds submit_finality_proof(header, justification),
// adding the current set id for calls configured with it.
func (b *CallBuilder) EncodeFinalityProof(justification bridge.Justification, setID bridge.AuthoritySetID) (bridge.Payload, error) {
	header := justification.Header
	if len(header.Encoded) == 0 {
		return bridge.Payload{}, fmt.Errorf("%w: header %s is not encoded", bridge.ErrEncoding, header.ID())
	}
	if len(justification.Encoded) == 0 {
		return bridge.Payload{}, fmt.Errorf("%w: justification for %s is not encoded", bridge.ErrEncoding, header.ID())
	}

	args := [][]byte{header.Encoded, justification.Encoded}
	if b.calls[bridge.FinalityProofPayload].withSetID {
		args = append(args, binary.LittleEndian.AppendUint64(nil, uint64(setID)))
	}
	return b.encode(bridge.FinalityProofPayload, args...)
}

// EncodeEquivocationReport builds report_equivocation(proof, key_owner_proof).
func (b *CallBuilder) EncodeEquivocationReport(report bridge.EquivocationReport) (bridge.Payload, error) {
	if len(report.EncodedProof) == 0 {
		return bridge.Payload{}, fmt.Errorf("%w: equivocation %s has no encoded proof", bridge.ErrEncoding, report.ID())
	}
	if len(report.KeyOwnerProof) == 0 {
		return bridge.Payload{}, fmt.Errorf("%w: equivocation %s has no key owner proof", bridge.ErrEncoding, report.ID())
	}
	return b.encode(bridge.EquivocationPayload, report.EncodedProof, report.KeyOwnerProof)
}
