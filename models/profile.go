package models

import "time"

// IntegrityStatus is the aggregate verification state of a profile.
type IntegrityStatus string

const (
	// IntegrityPending means no verification has run yet.
	IntegrityPending IntegrityStatus = "pending"
	// IntegrityValid means the last verification found every signature and
	// the recomputed root consistent.
	IntegrityValid IntegrityStatus = "valid"
	// IntegrityCompromised means the last verification found a mismatch.
	// The state is terminal until the owning system corrects and re-signs
	// the affected entries; this subsystem never auto-repairs data.
	IntegrityCompromised IntegrityStatus = "compromised"
)

// Verification records the outcome of the most recent integrity check.
type Verification struct {
	IsVerified           bool            `json:"is_verified"`
	LastVerificationDate time.Time       `json:"last_verification_date"`
	MerkleRootHash       string          `json:"merkle_root_hash"`
	IntegrityStatus      IntegrityStatus `json:"integrity_status"`
}

// Profile aggregates a user's entries, in creation order, plus the latest
// verification record.
type Profile struct {
	UserID       string       `json:"user_id"`
	Entries      []*Entry     `json:"entries"`
	Verification Verification `json:"verification"`
}
