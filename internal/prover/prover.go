// Package prover turns transition logs into proofs.
package prover

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
	"zkdocdb/server/internal/merkle"
	"zkdocdb/server/internal/rollup"
)

// Prover produces an opaque serialized proof of one transition. Errors
// classed dberr.ErrExternal are retried; anything else fails the job.
type Prover interface {
	Prove(ctx context.Context, t rollup.TransitionLog) ([]byte, error)
}

var attestationMagic = []byte("zkdb-attest-v1")

// Attestation is a development prover. It checks the transition against its
// witness and emits a Poseidon commitment to the transition instead of a
// succinct proof.
type Attestation struct{}

func NewAttestation() *Attestation { return &Attestation{} }

func (Attestation) Prove(ctx context.Context, t rollup.TransitionLog) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	digest := commit(t)
	out := make([]byte, 0, len(attestationMagic)+8+hashing.Size)
	out = append(out, attestationMagic...)
	out = binary.BigEndian.AppendUint64(out, uint64(t.OperationNumber))
	out = append(out, hashing.Encode(digest)...)
	return out, nil
}

// VerifyAttestation checks proof against the transition it claims to cover.
func VerifyAttestation(t rollup.TransitionLog, proof []byte) error {
	if !bytes.HasPrefix(proof, attestationMagic) || len(proof) != len(attestationMagic)+8+hashing.Size {
		return fmt.Errorf("malformed attestation")
	}
	body := proof[len(attestationMagic):]
	if step := binary.BigEndian.Uint64(body[:8]); step != uint64(t.OperationNumber) {
		return fmt.Errorf("attestation is for step %d, not %d", step, t.OperationNumber)
	}
	digest, err := hashing.Decode(body[8:])
	if err != nil {
		return err
	}
	if want := commit(t); !digest.Equal(&want) {
		return fmt.Errorf("attestation does not match transition %d", t.OperationNumber)
	}
	return checkTransition(t)
}

func checkTransition(t rollup.TransitionLog) error {
	if len(t.MerkleProof) == 0 || t.MerkleProof.Index() != t.MerkleIndex {
		return dberr.Invariant("transition %d: witness does not address leaf %d", t.OperationNumber, t.MerkleIndex)
	}
	oldRoot := merkle.ComputeRoot(hashing.Field(t.LeafOld), t.MerkleProof)
	if oldRoot != hashing.Field(t.MerkleRootOld) {
		return dberr.Invariant("transition %d: old leaf does not open old root", t.OperationNumber)
	}
	newRoot := merkle.ComputeRoot(hashing.Field(t.LeafNew), t.MerkleProof)
	if newRoot != hashing.Field(t.MerkleRootNew) {
		return dberr.Invariant("transition %d: new leaf does not open new root", t.OperationNumber)
	}
	return nil
}

func commit(t rollup.TransitionLog) hashing.Field {
	return hashing.HashMany([]hashing.Field{
		hashing.FromInt64(t.OperationNumber),
		hashing.FromString(string(t.Operation)),
		hashing.FromUint64(t.MerkleIndex),
		hashing.Field(t.MerkleRootOld),
		hashing.Field(t.MerkleRootNew),
		hashing.Field(t.LeafOld),
		hashing.Field(t.LeafNew),
	})
}
