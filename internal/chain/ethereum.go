package chain

import (
	"bytes"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"zkdocdb/server/internal/dberr"
)

// Ethereum is a Network backed by an Ethereum JSON-RPC endpoint.
type Ethereum struct {
	client        *ethclient.Client
	confirmations uint64
	log           *logrus.Entry
}

// DialEthereum connects to rpcURL. A receipt counts as Confirmed once it is
// buried under confirmations blocks, counting its own.
func DialEthereum(ctx context.Context, rpcURL string, confirmations uint64, log *logrus.Entry) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, dberr.External(err, "dial %s", rpcURL)
	}
	return NewEthereum(client, confirmations, log), nil
}

func NewEthereum(client *ethclient.Client, confirmations uint64, log *logrus.Entry) *Ethereum {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Ethereum{client: client, confirmations: confirmations, log: log}
}

func (e *Ethereum) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func decodeTx(signed []byte) (*types.Transaction, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return nil, dberr.Validation("signed payload is not a transaction: %v", err)
	}
	return &tx, nil
}

func (e *Ethereum) Verify(signed, callData []byte) error {
	tx, err := decodeTx(signed)
	if err != nil {
		return err
	}
	if !bytes.Equal(tx.Data(), callData) {
		return dberr.Validation("signed transaction %s does not carry the rollup call data", tx.Hash().Hex())
	}
	return nil
}

func (e *Ethereum) Submit(ctx context.Context, signed []byte) (string, error) {
	tx, err := decodeTx(signed)
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()
	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return "", dberr.External(err, "send transaction %s", hash)
	}
	e.log.WithField("hash", hash).Info("transaction sent")
	return hash, nil
}

func (e *Ethereum) Status(ctx context.Context, txHash string) (Receipt, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{State: StatePending}, nil
	}
	if err != nil {
		return Receipt{}, dberr.External(err, "receipt of %s", txHash)
	}
	block := receipt.BlockNumber.Uint64()
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{State: StateFailed, BlockNumber: block}, nil
	}
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return Receipt{}, dberr.External(err, "block number")
	}
	return settle(block, head, e.confirmations), nil
}

func settle(block, head, required uint64) Receipt {
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}
	state := StateConfirming
	if confirmations >= required {
		state = StateConfirmed
	}
	return Receipt{State: state, BlockNumber: block, Confirmations: confirmations}
}
