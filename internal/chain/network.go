// Package chain sends signed rollup transactions to a blockchain and reports
// how far they have progressed.
package chain

import "context"

// State is what the network knows about a transaction.
type State string

const (
	StatePending    State = "Pending"
	StateConfirming State = "Confirming"
	StateConfirmed  State = "Confirmed"
	StateFailed     State = "Failed"
)

type Receipt struct {
	State         State  `json:"state"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Confirmations uint64 `json:"confirmations"`
}

// Network is the blockchain a rollup is anchored on. Implementations return
// dberr.ErrExternal when the network is unreachable.
type Network interface {
	// Verify checks that signed is a transaction carrying callData.
	Verify(signed, callData []byte) error
	// Submit broadcasts signed and returns its transaction hash.
	Submit(ctx context.Context, signed []byte) (string, error)
	// Status reports the progress of a submitted transaction.
	Status(ctx context.Context, txHash string) (Receipt, error)
}
