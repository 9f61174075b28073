package chain

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"zkdocdb/server/internal/dberr"
)

// Memory is an in-process Network for development and tests. A signed
// payload is the call data followed by an opaque signature. Blocks advance
// only through Mine.
type Memory struct {
	mu            sync.Mutex
	head          uint64
	confirmations uint64
	txs           map[string]*memoryTx
	unreachable   bool
}

type memoryTx struct {
	block  uint64
	mined  bool
	failed bool
}

func NewMemory(confirmations uint64) *Memory {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Memory{confirmations: confirmations, txs: make(map[string]*memoryTx)}
}

func (m *Memory) Verify(signed, callData []byte) error {
	if len(signed) <= len(callData) || !bytes.HasPrefix(signed, callData) {
		return dberr.Validation("signed payload does not carry the rollup call data")
	}
	return nil
}

func (m *Memory) Submit(_ context.Context, signed []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return "", dberr.External(errUnreachable, "submit")
	}
	hash := crypto.Keccak256Hash(signed).Hex()
	if _, ok := m.txs[hash]; !ok {
		m.txs[hash] = &memoryTx{}
	}
	return hash, nil
}

func (m *Memory) Status(_ context.Context, txHash string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return Receipt{}, dberr.External(errUnreachable, "status of %s", txHash)
	}
	tx, ok := m.txs[txHash]
	if !ok || !tx.mined {
		return Receipt{State: StatePending}, nil
	}
	if tx.failed {
		return Receipt{State: StateFailed, BlockNumber: tx.block}, nil
	}
	return settle(tx.block, m.head, m.confirmations), nil
}

// Mine produces one block including every pending transaction.
func (m *Memory) Mine() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head++
	for _, tx := range m.txs {
		if !tx.mined {
			tx.mined = true
			tx.block = m.head
		}
	}
}

// Revert makes a submitted transaction fail when it is mined.
func (m *Memory) Revert(txHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[txHash]; ok {
		tx.failed = true
	}
}

// SetUnreachable simulates a network outage.
func (m *Memory) SetUnreachable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = down
}

var errUnreachable = errors.New("network unreachable")
