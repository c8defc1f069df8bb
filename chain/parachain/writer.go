package parachain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/snowfork/go-substrate-rpc-client/v4/types"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

// ParachainWriter signs and submits calls with a locally tracked nonce.
type ParachainWriter struct {
	conn                 *Connection
	nonce                uint32
	pool                 *ExtrinsicPool
	genesisHash          types.Hash
	maxWatchedExtrinsics int64
	eraPeriod            uint64
	// Longest wait for a free extrinsic watch slot.
	submitTimeout time.Duration
	// Set when a submitted extrinsic was not finalized, so the local nonce may
	// be ahead of the chain.
	nonceStale atomic.Bool
	queryNonce func() (uint32, error)
	mu         sync.Mutex
}

func NewParachainWriter(
	conn *Connection,
	maxWatchedExtrinsics int64,
	eraPeriod uint64,
	submitTimeout time.Duration,
) *ParachainWriter {
	if eraPeriod == 0 {
		eraPeriod = DefaultMortalEraPeriod
	}
	wr := &ParachainWriter{
		conn:                 conn,
		maxWatchedExtrinsics: maxWatchedExtrinsics,
		eraPeriod:            eraPeriod,
		submitTimeout:        submitTimeout,
	}
	wr.queryNonce = wr.queryAccountNonce
	return wr
}

func (wr *ParachainWriter) Start(ctx context.Context, eg *errgroup.Group) error {
	nonce, err := wr.queryNonce()
	if err != nil {
		return err
	}

	wr.nonce = nonce

	genesisHash, err := wr.conn.API().RPC.Chain.GetBlockHash(0)
	if err != nil {
		return err
	}
	wr.genesisHash = genesisHash

	wr.pool = NewExtrinsicPool(eg, wr.conn, wr.maxWatchedExtrinsics, wr.submitTimeout, wr.invalidateNonce)

	return nil
}

// WriteCall signs call and hands it to the extrinsic pool. The nonce is
// resynchronized with the chain after a refused submission and before signing
// once an earlier extrinsic ended unconfirmed.
func (wr *ParachainWriter) WriteCall(ctx context.Context, call types.Call) (bridge.Watch, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	err := wr.syncNonceIfStale()
	if err != nil {
		return nil, fmt.Errorf("%w: resync account nonce: %w", bridge.ErrTransientNetwork, err)
	}

	ext, err := wr.prepExtrinsic(call)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare extrinsic: %w", bridge.ErrTransientNetwork, err)
	}

	watch, err := wr.pool.SubmitAndWatch(ctx, ext)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if resyncErr := wr.resyncNonce(); resyncErr != nil {
			wr.invalidateNonce()
			log.WithError(resyncErr).Warn("Failed to resync account nonce")
		}
		return nil, classifySubmitError(err)
	}

	wr.nonce = wr.nonce + 1

	return watch, nil
}

func (wr *ParachainWriter) invalidateNonce() {
	wr.nonceStale.Store(true)
}

func (wr *ParachainWriter) syncNonceIfStale() error {
	if !wr.nonceStale.Swap(false) {
		return nil
	}
	err := wr.resyncNonce()
	if err != nil {
		wr.invalidateNonce()
	}
	return err
}

type rpcError interface {
	ErrorCode() int
}

type rpcDataError interface {
	ErrorData() interface{}
}

const (
	invalidTransactionCode = 1010
	// Set by the node when the call itself fails validation. Other validity
	// errors concern the signer account or the signing context (nonce, fees,
	// era, runtime version) and clear up once the extrinsic is signed again.
	callNotExpected     = "call is not expected"
	customError         = "custom error"
	badMandatory        = "labelled as mandatory"
	mandatoryValidation = "dispatch is mandatory"
)

// classifySubmitError maps a submission error to bridge.ErrRejected when the
// node refused the call itself and to bridge.ErrTransientNetwork otherwise.
func classifySubmitError(err error) error {
	message := err.Error()
	invalid := strings.Contains(message, "1010") || strings.Contains(message, "Invalid Transaction")
	detail := message

	var codeErr rpcError
	if errors.As(err, &codeErr) {
		invalid = codeErr.ErrorCode() == invalidTransactionCode
	}
	var dataErr rpcDataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		detail = fmt.Sprintf("%s: %v", message, dataErr.ErrorData())
	}

	if invalid {
		detail = strings.ToLower(detail)
		for _, marker := range []string{callNotExpected, customError, badMandatory, mandatoryValidation} {
			if strings.Contains(detail, marker) {
				return fmt.Errorf("%w: %w", bridge.ErrRejected, err)
			}
		}
	}
	return fmt.Errorf("%w: submit extrinsic: %w", bridge.ErrTransientNetwork, err)
}

func (wr *ParachainWriter) resyncNonce() error {
	nonce, err := wr.queryNonce()
	if err != nil {
		return err
	}
	if nonce != wr.nonce {
		log.WithFields(log.Fields{
			"local": wr.nonce,
			"chain": nonce,
		}).Info("Resynced account nonce")
	}
	wr.nonce = nonce
	return nil
}

func (wr *ParachainWriter) queryAccountNonce() (uint32, error) {
	key, err := types.CreateStorageKey(wr.conn.Metadata(), "System", "Account", wr.conn.Keypair().PublicKey, nil)
	if err != nil {
		return 0, err
	}

	var accountInfo types.AccountInfo
	ok, err := wr.conn.API().RPC.State.GetStorageLatest(key, &accountInfo)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no account info found for %s", wr.conn.Keypair().URI)
	}

	return uint32(accountInfo.Nonce), nil
}

func (wr *ParachainWriter) prepExtrinsic(call types.Call) (*types.Extrinsic, error) {
	latestHash, latestHeader, err := wr.conn.GetFinalizedHeader()
	if err != nil {
		return nil, err
	}

	era, err := NewMortalEra(uint64(latestHeader.Number), wr.eraPeriod)
	if err != nil {
		return nil, err
	}

	rv, err := wr.conn.API().RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, err
	}

	o := types.SignatureOptions{
		BlockHash:          latestHash,
		Era:                era,
		GenesisHash:        wr.genesisHash,
		Nonce:              types.NewUCompactFromUInt(uint64(wr.nonce)),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	}

	ext := types.NewExtrinsic(call)
	err = ext.Sign(*wr.conn.Keypair(), o)
	if err != nil {
		return nil, err
	}

	return &ext, nil
}
