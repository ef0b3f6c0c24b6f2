package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RelayerRequest is what OperationManager hands to a RelayerClient to
// submit a proven action on-chain.
type RelayerRequest struct {
	Type         OperationType
	TokenID      string
	Proof        *Proof
	PublicInputs []string
}

// TransactionReceipt is the relayer's view of a submitted request's
// on-chain outcome.
type TransactionReceipt struct {
	Status string // "pending" | "confirmed" | "failed"
	TxHash string
	Error  string
}

// FeeConfig is the relayer's current fee schedule for a chain.
type FeeConfig struct {
	ChainID    ChainID
	BaseFee    string // decimal string, same convention as amounts
	RelayerFee string
}

// RelayerClient is the external submission/status capability.
type RelayerClient interface {
	Submit(ctx context.Context, chain ChainID, req RelayerRequest) (relayerTxHash string, err error)
	TransactionReceipt(ctx context.Context, chain ChainID, relayerTxHash string) (*TransactionReceipt, error)
	FeeConfig(ctx context.Context, chain ChainID) (*FeeConfig, error)
}

type cachedFee struct {
	fee       *FeeConfig
	expiresAt time.Time
}

const feeCacheTTL = 5 * time.Minute

// OperationManager tracks the created->submitted->confirmed/failed
// lifecycle of relayer-backed actions, a submit-then-poll state
// machine applied to transaction relaying.
type OperationManager struct {
	storage       StorageAdapter
	relayers      map[ChainID]RelayerClient
	bus           *EventBus
	log           *logrus.Entry
	maxOperations int

	feeMu sync.Mutex
	fees  map[ChainID]cachedFee
}

// NewOperationManager constructs a manager. maxOperations<=0 disables
// Prune's cap.
func NewOperationManager(storage StorageAdapter, relayers map[ChainID]RelayerClient, bus *EventBus, maxOperations int, log *logrus.Entry) *OperationManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OperationManager{
		storage: storage, relayers: relayers, bus: bus,
		log: log.WithField("component", "operations"), maxOperations: maxOperations,
		fees: make(map[ChainID]cachedFee),
	}
}

// Create records a new operation in StatusCreated and returns it.
func (m *OperationManager) Create(ctx context.Context, wallet WalletID, chain ChainID, opType OperationType, tokenID string) (*OperationRecord, error) {
	op := OperationRecord{
		ID:        uuid.NewString(),
		Type:      opType,
		CreatedAt: time.Now(),
		ChainID:   chain,
		TokenID:   tokenID,
		Status:    StatusCreated,
	}
	if err := m.storage.PutOperation(ctx, wallet, op); err != nil {
		return nil, err
	}
	m.publish(wallet, op)
	return &op, nil
}

// Submit sends req to chain's RelayerClient and advances op to
// StatusSubmitted on success, StatusFailed on a terminal submission
// error.
func (m *OperationManager) Submit(ctx context.Context, wallet WalletID, op *OperationRecord, req RelayerRequest) error {
	relayer, ok := m.relayers[op.ChainID]
	if !ok {
		return newErr(KindRelayer, "no relayer configured for chain", nil)
	}
	txHash, err := relayer.Submit(ctx, op.ChainID, req)
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
		if puErr := m.storage.PutOperation(ctx, wallet, *op); puErr != nil {
			return puErr
		}
		m.publish(wallet, *op)
		return newErrf(KindRelayer, err, "submit operation")
	}
	op.Status = StatusSubmitted
	op.RelayerTxHash = txHash
	if err := m.storage.PutOperation(ctx, wallet, *op); err != nil {
		return err
	}
	m.publish(wallet, *op)
	return nil
}

// WaitForConfirmation polls the relayer's TransactionReceipt until it
// reports a terminal status or ctx is done, persisting and publishing
// every status transition.
func (m *OperationManager) WaitForConfirmation(ctx context.Context, wallet WalletID, op *OperationRecord, pollInterval time.Duration) error {
	relayer, ok := m.relayers[op.ChainID]
	if !ok {
		return newErr(KindRelayer, "no relayer configured for chain", nil)
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return newErrf(KindRelayer, ctx.Err(), "wait for confirmation cancelled")
		case <-ticker.C:
			receipt, err := relayer.TransactionReceipt(ctx, op.ChainID, op.RelayerTxHash)
			if err != nil {
				m.log.WithError(err).WithField("operation", op.ID).Debug("receipt poll failed, retrying")
				continue
			}
			switch receipt.Status {
			case "confirmed":
				op.Status = StatusConfirmed
				op.TxHash = receipt.TxHash
				if err := m.storage.PutOperation(ctx, wallet, *op); err != nil {
					return err
				}
				m.publish(wallet, *op)
				return nil
			case "failed":
				op.Status = StatusFailed
				op.Error = receipt.Error
				if err := m.storage.PutOperation(ctx, wallet, *op); err != nil {
					return err
				}
				m.publish(wallet, *op)
				return newErr(KindRelayer, receipt.Error, nil)
			}
		}
	}
}

// FeeConfig returns chain's current fee schedule, caching it for
// feeCacheTTL so a burst of operation creation doesn't hammer the
// relayer for an identical quote each time.
func (m *OperationManager) FeeConfig(ctx context.Context, chain ChainID) (*FeeConfig, error) {
	m.feeMu.Lock()
	if cached, ok := m.fees[chain]; ok && time.Now().Before(cached.expiresAt) {
		m.feeMu.Unlock()
		return cached.fee, nil
	}
	m.feeMu.Unlock()

	relayer, ok := m.relayers[chain]
	if !ok {
		return nil, newErr(KindRelayer, "no relayer configured for chain", nil)
	}
	fee, err := relayer.FeeConfig(ctx, chain)
	if err != nil {
		return nil, newErrf(KindRelayer, err, "fetch fee config")
	}

	m.feeMu.Lock()
	m.fees[chain] = cachedFee{fee: fee, expiresAt: time.Now().Add(feeCacheTTL)}
	m.feeMu.Unlock()
	return fee, nil
}

// Prune deletes terminal (confirmed/failed) operations beyond
// maxOperations, oldest first, keeping every in-flight operation
// regardless of count.
func (m *OperationManager) Prune(ctx context.Context, wallet WalletID) (int, error) {
	if m.maxOperations <= 0 {
		return 0, nil
	}
	ops, err := m.storage.ListOperations(ctx, wallet)
	if err != nil {
		return 0, err
	}

	var terminal []OperationRecord
	for _, op := range ops {
		if op.Status == StatusConfirmed || op.Status == StatusFailed {
			terminal = append(terminal, op)
		}
	}
	if len(terminal) <= m.maxOperations {
		return 0, nil
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].CreatedAt.Before(terminal[j].CreatedAt) })

	toDelete := terminal[:len(terminal)-m.maxOperations]
	for _, op := range toDelete {
		if err := m.storage.DeleteOperation(ctx, wallet, op.ID); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

func (m *OperationManager) publish(wallet WalletID, op OperationRecord) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(Event{Kind: EventOperationTx, Chain: op.ChainID, Message: string(op.Status) + ":" + op.ID})
}
