// Package merkle builds ordered binary hash trees over signed profile
// entries and produces per-leaf inclusion proofs.
//
// The tree is a pure function of the ordered leaf hash list: identical input
// order and content always yield an identical root, and reordering changes
// the root even when the entry set is the same. Callers must fix the order
// (by creation time) before building; the builder never sorts.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/profilekeeper/models"
)

// Hash is a SHA-256 digest used for leaves, interior nodes and the root.
type Hash = [32]byte

var (
	ErrUnsignedEntry = errors.New("entry has no signature")
	ErrLeafNotFound  = errors.New("leaf not found in tree")
)

// EmptyRoot is the sentinel root of a tree built over zero entries. A fixed
// constant keeps root comparisons total.
var EmptyRoot = Hash{}

// Tree records the full pairing structure produced by Build. levels[0] holds
// the leaves in supplied order; the last level holds the root.
type Tree struct {
	levels [][]Hash
	index  map[string]int
	root   Hash
}

// LeafHash computes the leaf digest for a signed entry. Leaves hash the
// signature digest rather than the raw content, so rebuild cost stays
// independent of payload size.
func LeafHash(sig *models.CryptographicSignature) Hash {
	return sha256.Sum256([]byte(sig.Hash))
}

// Build constructs the tree over entries in the order given. Adjacent leaves
// are paired bottom-up; a lone trailing node at any level is paired with
// itself to keep the tree binary-complete. The tree is always rebuilt from
// scratch when the entry set changes, never incrementally updated.
func Build(entries []*models.Entry) (*Tree, error) {
	t := &Tree{index: make(map[string]int, len(entries))}
	if len(entries) == 0 {
		t.root = EmptyRoot
		return t, nil
	}

	leaves := make([]Hash, len(entries))
	for i, e := range entries {
		if e.Signature == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsignedEntry, e.ID)
		}
		leaves[i] = LeafHash(e.Signature)
		t.index[e.ID] = i
	}

	t.levels = append(t.levels, leaves)
	level := leaves
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i] // lone trailing node pairs with itself
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, parentHash(level[i], right))
		}
		t.levels = append(t.levels, next)
		level = next
	}

	t.root = level[0]
	return t, nil
}

// Root returns the root hash. For an empty tree this is EmptyRoot.
func (t *Tree) Root() Hash {
	return t.root
}

// RootHex returns the hex-encoded root hash.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.root[:])
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Leaves returns a copy of the leaf hashes in supplied order.
func (t *Tree) Leaves() []Hash {
	if len(t.levels) == 0 {
		return nil
	}
	out := make([]Hash, len(t.levels[0]))
	copy(out, t.levels[0])
	return out
}

// ProveInclusion walks the pairing structure recorded during Build and
// collects the sibling hash and direction at each level for the entry's
// leaf.
func (t *Tree) ProveInclusion(entryID string) (*models.MerkleProof, error) {
	pos, ok := t.index[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, entryID)
	}

	proof := &models.MerkleProof{
		LeafHash: hex.EncodeToString(t.levels[0][pos][:]),
	}

	idx := pos
	for _, level := range t.levels[:len(t.levels)-1] {
		sibIdx := idx ^ 1
		if sibIdx >= len(level) {
			sibIdx = idx // the lone trailing node was duplicated
		}
		proof.Steps = append(proof.Steps, models.ProofStep{
			Sibling: hex.EncodeToString(level[sibIdx][:]),
			Left:    sibIdx < idx,
		})
		idx /= 2
	}

	return proof, nil
}

// VerifyProof recomputes the path from leaf to root and checks equality with
// the claimed root. It needs no access to the full entry set, so a single
// entry can be checked in low-bandwidth contexts.
func VerifyProof(proof *models.MerkleProof, leaf Hash, claimedRoot Hash) bool {
	if proof == nil {
		return false
	}

	cur := leaf
	for _, step := range proof.Steps {
		sib, err := ParseHex(step.Sibling)
		if err != nil {
			return false
		}
		if step.Left {
			cur = parentHash(sib, cur)
		} else {
			cur = parentHash(cur, sib)
		}
	}
	return cur == claimedRoot
}

func parentHash(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// HexHash returns the hex encoding of a Hash.
func HexHash(h Hash) string {
	return hex.EncodeToString(h[:])
}

// ParseHex decodes a hex-encoded Hash.
func ParseHex(s string) (Hash, error) {
	var out Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != sha256.Size {
		return out, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
