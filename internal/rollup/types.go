package rollup

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/merkle"
)

// Operation is the kind of document mutation a transition log records.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDrop   Operation = "Drop"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDrop:
		return true
	}
	return false
}

// Root is a field element rendered as a decimal string in JSON.
type Root hashing.Field

func (r Root) MarshalJSON() ([]byte, error) {
	f := hashing.Field(r)
	return json.Marshal(f.String())
}

func (r *Root) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f, err := hashing.ParseDecimal(s)
	if err != nil {
		return err
	}
	*r = Root(f)
	return nil
}

func (r Root) String() string {
	f := hashing.Field(r)
	return f.String()
}

// TransitionLog is the proving input for one leaf write.
type TransitionLog struct {
	ID                  int64          `json:"id"`
	Database            string         `json:"databaseName"`
	OperationNumber     int64          `json:"operationNumber"`
	Operation           Operation      `json:"operation"`
	MerkleIndex         uint64         `json:"merkleIndex"`
	MerkleRootOld       Root           `json:"merkleRootOld"`
	MerkleRootNew       Root           `json:"merkleRootNew"`
	MerkleProof         merkle.Witness `json:"merkleProof"`
	LeafOld             Root           `json:"leafOld"`
	LeafNew             Root           `json:"leafNew"`
	DocumentRefPrevious string         `json:"documentRefPrevious,omitempty"`
	DocumentRefCurrent  string         `json:"documentRefCurrent,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// OffChainRecord is a completed proof. Step is the operation number of the
// last transition it covers and only grows.
type OffChainRecord struct {
	ID              int64     `json:"id"`
	Database        string    `json:"databaseName"`
	Step            int64     `json:"step"`
	Proof           []byte    `json:"proof"`
	MerkleRootOld   Root      `json:"merkleRootOld"`
	MerkleRootNew   Root      `json:"merkleRootNew"`
	TransitionLogID int64     `json:"transitionLogRef"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TxStatus is the lifecycle of a blockchain transaction.
type TxStatus string

const (
	TxUnsigned    TxStatus = "Unsigned"
	TxSigned      TxStatus = "Signed"
	TxUnconfirmed TxStatus = "Unconfirmed"
	TxConfirming  TxStatus = "Confirming"
	TxConfirmed   TxStatus = "Confirmed"
	TxFailed      TxStatus = "Failed"
)

var txTransitions = map[TxStatus][]TxStatus{
	TxUnsigned:    {TxSigned, TxFailed},
	TxSigned:      {TxUnconfirmed, TxFailed},
	TxUnconfirmed: {TxUnconfirmed, TxConfirming, TxConfirmed, TxFailed},
	TxConfirming:  {TxConfirming, TxConfirmed, TxFailed},
}

func (s TxStatus) canMoveTo(next TxStatus) bool {
	for _, allowed := range txTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transaction is a blockchain transaction carrying a rollup.
type Transaction struct {
	ID              int64         `json:"id"`
	Database        string        `json:"databaseName"`
	Kind            string        `json:"kind"`
	Status          TxStatus      `json:"status"`
	UnsignedPayload hexutil.Bytes `json:"unsignedPayload"`
	SignedPayload   hexutil.Bytes `json:"signedPayload,omitempty"`
	TxHash          string        `json:"txHash,omitempty"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

const kindRollup = "Rollup"

// OnChainStatus follows the transaction that carries the record.
type OnChainStatus string

const (
	OnChainPending   OnChainStatus = "Pending"
	OnChainConfirmed OnChainStatus = "Confirmed"
	OnChainFailed    OnChainStatus = "Failed"
)

// OnChainRecord anchors one off-chain proof on chain. It is written before
// the transaction is confirmed.
type OnChainRecord struct {
	ID            int64         `json:"id"`
	Database      string        `json:"databaseName"`
	TransactionID int64         `json:"transactionRef"`
	OffChainID    int64         `json:"rollupOffChainRef"`
	Step          int64         `json:"step"`
	MerkleRootOld Root          `json:"merkleRootOld"`
	MerkleRootNew Root          `json:"merkleRootNew"`
	Status        OnChainStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// StateKind summarizes how far the chain lags behind the proofs.
type StateKind string

const (
	StateUpdated     StateKind = "Updated"
	StateUpdating    StateKind = "Updating"
	StateOutdated    StateKind = "Outdated"
	StateFailed      StateKind = "Failed"
	StateUnavailable StateKind = "Unavailable"
)

// State is derived on every read, never stored.
type State struct {
	MerkleRootNew   Root      `json:"merkleRootNew"`
	MerkleRootOld   Root      `json:"merkleRootOld"`
	RollupDifferent int64     `json:"rollupDifferent"`
	State           StateKind `json:"state"`
	LatestStep      int64     `json:"latestStep"`
	OnChainStep     int64     `json:"onChainStep"`
}
