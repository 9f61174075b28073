package merkle

import (
	"encoding/json"
	"fmt"

	"zkdocdb/server/internal/hashing"
)

// Step is one level of a witness: the sibling hash and whether the node on
// the path is the left child at that level.
type Step struct {
	IsLeft  bool
	Sibling hashing.Field
}

type stepJSON struct {
	IsLeft  bool   `json:"isLeft"`
	Sibling string `json:"sibling"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{IsLeft: s.IsLeft, Sibling: s.Sibling.String()})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sibling, err := hashing.ParseDecimal(raw.Sibling)
	if err != nil {
		return err
	}
	*s = Step{IsLeft: raw.IsLeft, Sibling: sibling}
	return nil
}

// Witness is the leaf-to-root authentication path, one step per level below the root.
type Witness []Step

// ComputeRoot folds leaf up the witness and returns the implied root.
func ComputeRoot(leaf hashing.Field, w Witness) hashing.Field {
	cur := leaf
	for _, step := range w {
		if step.IsLeft {
			cur = hashing.Hash(cur, step.Sibling)
		} else {
			cur = hashing.Hash(step.Sibling, cur)
		}
	}
	return cur
}

// Path returns the node hashes from leaf (level 0) to root implied by leaf and w.
func Path(leaf hashing.Field, w Witness) []hashing.Field {
	path := make([]hashing.Field, 0, len(w)+1)
	cur := leaf
	path = append(path, cur)
	for _, step := range w {
		if step.IsLeft {
			cur = hashing.Hash(cur, step.Sibling)
		} else {
			cur = hashing.Hash(step.Sibling, cur)
		}
		path = append(path, cur)
	}
	return path
}

// Index recovers the leaf index a witness authenticates.
func (w Witness) Index() uint64 {
	var index uint64
	for level, step := range w {
		if !step.IsLeft {
			index |= 1 << uint(level)
		}
	}
	return index
}

// MergeWitness brings w, a witness for index, up to date after the leaf at
// changedIndex was rewritten with the node hashes in changedPath (level 0
// first). Only the sibling at the level where the two paths meet changes.
func MergeWitness(w Witness, index, changedIndex uint64, changedPath []hashing.Field) (Witness, error) {
	if len(changedPath) < len(w) {
		return nil, fmt.Errorf("changed path has %d levels, witness needs %d", len(changedPath), len(w))
	}
	merged := make(Witness, len(w))
	copy(merged, w)
	if index == changedIndex {
		return merged, nil
	}
	a, b := index, changedIndex
	for level := 0; level < len(w); level++ {
		if a^1 == b {
			merged[level].Sibling = changedPath[level]
			return merged, nil
		}
		a >>= 1
		b >>= 1
	}
	return nil, fmt.Errorf("indices %d and %d do not share a root within %d levels", index, changedIndex, len(w))
}
