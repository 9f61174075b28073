package rollup

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"zkdocdb/server/internal/hashing"
)

// RollupABI is the anchor contract entry point a rollup transaction calls.
const RollupABI = `[{
	"type": "function",
	"name": "submitRollup",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "database", "type": "bytes32"},
		{"name": "step", "type": "uint64"},
		{"name": "rootOld", "type": "bytes32"},
		{"name": "rootNew", "type": "bytes32"},
		{"name": "proof", "type": "bytes"}
	],
	"outputs": []
}]`

const submitMethod = "submitRollup"

var rollupContract abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(RollupABI))
	if err != nil {
		panic(fmt.Sprintf("parse rollup abi: %v", err))
	}
	rollupContract = parsed
}

// DatabaseKey is the bytes32 a database is known by on chain.
func DatabaseKey(database string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(database)))
}

func rootBytes(r Root) [32]byte {
	var out [32]byte
	copy(out[:], hashing.Encode(hashing.Field(r)))
	return out
}

// EncodeSubmission builds the call data anchoring an off-chain record.
func EncodeSubmission(database string, rec OffChainRecord) ([]byte, error) {
	data, err := rollupContract.Pack(submitMethod,
		DatabaseKey(database),
		uint64(rec.Step),
		rootBytes(rec.MerkleRootOld),
		rootBytes(rec.MerkleRootNew),
		rec.Proof,
	)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", submitMethod, err)
	}
	return data, nil
}

// Submission is decoded call data.
type Submission struct {
	Database [32]byte
	Step     uint64
	RootOld  [32]byte
	RootNew  [32]byte
	Proof    []byte
}

func DecodeSubmission(data []byte) (Submission, error) {
	method := rollupContract.Methods[submitMethod]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return Submission{}, fmt.Errorf("call data does not invoke %s", submitMethod)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return Submission{}, fmt.Errorf("unpack %s: %w", submitMethod, err)
	}
	if len(values) != 5 {
		return Submission{}, fmt.Errorf("unpack %s: %d values", submitMethod, len(values))
	}
	var s Submission
	var ok bool
	if s.Database, ok = values[0].([32]byte); !ok {
		return Submission{}, fmt.Errorf("unpack %s: database is %T", submitMethod, values[0])
	}
	if s.Step, ok = values[1].(uint64); !ok {
		return Submission{}, fmt.Errorf("unpack %s: step is %T", submitMethod, values[1])
	}
	if s.RootOld, ok = values[2].([32]byte); !ok {
		return Submission{}, fmt.Errorf("unpack %s: rootOld is %T", submitMethod, values[2])
	}
	if s.RootNew, ok = values[3].([32]byte); !ok {
		return Submission{}, fmt.Errorf("unpack %s: rootNew is %T", submitMethod, values[3])
	}
	if s.Proof, ok = values[4].([]byte); !ok {
		return Submission{}, fmt.Errorf("unpack %s: proof is %T", submitMethod, values[4])
	}
	return s, nil
}
