// Package models defines profile entry types and their integrity metadata.
package models

import "time"

// EntryType classifies an entry kind.
type EntryType string

const (
	EntryTypeGoal       EntryType = "goal"
	EntryTypeChallenge  EntryType = "challenge"
	EntryTypeStrength   EntryType = "strength"
	EntryTypePreference EntryType = "preference"
	EntryTypeReflection EntryType = "reflection"
)

// Entry is one immutable user-submitted fact. Entries are created once and
// never mutated; corrections are recorded as new entries so history is
// preserved.
type Entry struct {
	ID          string                  `json:"id"`
	Type        EntryType               `json:"type"`
	Content     string                  `json:"content"`
	Timestamp   time.Time               `json:"timestamp"`
	Metadata    map[string]any          `json:"metadata,omitempty"`
	Signature   *CryptographicSignature `json:"signature,omitempty"`
	MerkleProof *MerkleProof            `json:"merkle_proof,omitempty"`
}

// CryptographicSignature is a salted digest over an entry's signed fields
// ({type, content, timestamp, metadata}). It is local tamper evidence, not a
// public-key signature: re-serializing the signed fields with the stored
// salt through the same algorithm must reproduce Hash exactly.
type CryptographicSignature struct {
	Algorithm string    `json:"algorithm"`
	Hash      string    `json:"hash"`
	Salt      string    `json:"salt"`
	Timestamp time.Time `json:"timestamp"`
}

// ProofStep is one level of a Merkle inclusion path. Left reports whether
// the sibling sits to the left of the running hash.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Left    bool   `json:"left"`
}

// MerkleProof is the minimal sibling-hash path needed to recompute a Merkle
// root from one leaf.
type MerkleProof struct {
	LeafHash string      `json:"leaf_hash"`
	Steps    []ProofStep `json:"steps"`
}
